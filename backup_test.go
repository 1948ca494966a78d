// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"archive/zip"
	"compress/flate"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cznic/acdp/codec"
)

func unzipTo(t *testing.T, zipPath, dir string) {
	t.Helper()
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open backup archive: %v", err)
	}
	defer r.Close()
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open archive entry %q: %v", f.Name, err)
		}
		out, err := os.Create(filepath.Join(dir, filepath.FromSlash(f.Name)))
		if err != nil {
			t.Fatalf("create %q: %v", f.Name, err)
		}
		if _, err := io.Copy(out, rc); err != nil {
			t.Fatalf("extract %q: %v", f.Name, err)
		}
		rc.Close()
		if err := out.Close(); err != nil {
			t.Fatalf("close %q: %v", f.Name, err)
		}
	}
}

// TestBackupRoundTrip backs up a populated database, extracts the archive
// into an empty directory, and opens the restored copy.
func TestBackupRoundTrip(t *testing.T) {
	db := mustCreate(t, peopleSchema())
	ref := mustInsert(t, db, "people", []codec.Value{codec.String("alice"), codec.Int(codec.KindInt8, 30)})

	zipPath := filepath.Join(t.TempDir(), "backup.zip")
	if err := db.Backup(zipPath, flate.BestSpeed); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	restored := t.TempDir()
	unzipTo(t, zipPath, restored)

	db2, err := Open(restored)
	if err != nil {
		t.Fatalf("Open restored backup: %v", err)
	}
	defer db2.Close()

	tbl, ok := db2.Table("people")
	if !ok {
		t.Fatalf("restored database has no people table")
	}
	row, err := tbl.Get(ref)
	if err != nil {
		t.Fatalf("Get on restored database: %v", err)
	}
	if row.Values[0].Str() != "alice" || row.Values[1].Int() != 30 {
		t.Fatalf("restored row = %v, want (alice, 30)", row.Values)
	}
}

func TestBackupRejectsInvalidCompressionLevel(t *testing.T) {
	db := mustCreate(t, peopleSchema())
	err := db.Backup(filepath.Join(t.TempDir(), "backup.zip"), 42)
	if err == nil {
		t.Fatalf("Backup accepted an invalid compression level")
	}
	if _, ok := err.(*UsageError); !ok {
		t.Fatalf("Backup with bad level returned %T, want *UsageError", err)
	}
}

// TestBackupAdmitsConcurrentReadZone checks the backup admission profile:
// a backup must run while a read zone is open.
func TestBackupAdmitsConcurrentReadZone(t *testing.T) {
	db := mustCreate(t, peopleSchema())
	mustInsert(t, db, "people", []codec.Value{codec.String("alice"), codec.Null(codec.KindInt8)})

	rz, err := db.ReadZone(context.Background())
	if err != nil {
		t.Fatalf("ReadZone: %v", err)
	}
	defer rz.Close()

	if err := db.Backup(filepath.Join(t.TempDir(), "backup.zip"), flate.DefaultCompression); err != nil {
		t.Fatalf("Backup inside an open read zone: %v", err)
	}
}
