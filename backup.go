// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"archive/zip"
	"compress/flate"
	"io"
	"os"
	"path/filepath"
)

// checkCompressionLevel validates a flate compression level. Accepted
// values are the compress/flate range: HuffmanOnly (-2) through
// BestCompression (9).
func checkCompressionLevel(level int) error {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return &UsageError{Msg: "invalid compression level", Arg: level}
	}
	return nil
}

// Backup writes a zip archive of the database's persistent files to path:
// the layout file, the cipher challenge if one is configured, every table's
// FL and VL data files, and the recorder file. Restoring is extracting the
// archive into an empty directory and calling Open on it.
//
// Backup runs at service level 1: it excludes writers for its whole
// duration but admits alongside any number of open read zones. Since
// writers are excluded and every table
// write goes straight through to its os.File, the bytes read off disk here
// are a consistent snapshot; for an encrypted database they are the
// ciphertext, so the restored directory opens with the same cipher.
//
// level is a compress/flate level; an out-of-range level fails with a
// UsageError before any exclusion is taken.
func (db *Database) Backup(path string, level int) error {
	if err := checkCompressionLevel(level); err != nil {
		return err
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	release, err := db.sync.AcquireServiceL1()
	if err != nil {
		return translateSyncErr(err)
	}
	defer release()

	out, err := os.Create(path)
	if err != nil {
		return &DurabilityError{Msg: "creating backup file", Cause: err}
	}
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	entries := db.backupEntries()
	for _, name := range entries {
		if err := addBackupEntry(zw, db.dir, name); err != nil {
			zw.Close()
			out.Close()
			os.Remove(path)
			return err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return &DurabilityError{Msg: "finishing backup archive", Cause: err}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &DurabilityError{Msg: "fsyncing backup file", Cause: err}
	}
	if err := out.Close(); err != nil {
		return &DurabilityError{Msg: "closing backup file", Cause: err}
	}

	db.logf("backup: path=%q entries=%d level=%d", path, len(entries), level)
	return nil
}

// backupEntries lists the database-relative names of every file a restore
// needs, in layout-first order.
func (db *Database) backupEntries() []string {
	names := []string{"layout"}
	if db.cipherFactory != nil {
		names = append(names, cipherChallengeFile)
	}
	for _, tn := range db.tableOrder {
		td, _ := db.schema.Table(tn)
		names = append(names, td.FLDataFile)
		if td.VLDataFile != "" {
			names = append(names, td.VLDataFile)
		}
	}
	if !filepath.IsAbs(db.schema.RecFile) {
		names = append(names, db.schema.RecFile)
	}
	return names
}

func addBackupEntry(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return &DurabilityError{Msg: "opening " + name + " for backup", Cause: err}
	}
	defer src.Close()

	w, err := zw.Create(filepath.ToSlash(name))
	if err != nil {
		return &DurabilityError{Msg: "adding " + name + " to backup archive", Cause: err}
	}
	if _, err := io.Copy(w, src); err != nil {
		return &DurabilityError{Msg: "copying " + name + " into backup archive", Cause: err}
	}
	return nil
}
