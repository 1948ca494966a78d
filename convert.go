// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"bufio"
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// roMagic identifies a WR->RO conversion envelope. This engine only writes
// the envelope; the RO read path lives elsewhere, so the format only needs
// to be self-describing enough that some other tool can slice the
// per-table byte ranges back out -- not to define RO lookup semantics.
var roMagic = [4]byte{'A', 'C', 'D', 'P'}

const roFormatVersion = 1

// roTableHeader describes one table's byte ranges within a converted file.
// FLLength/VLLength are the uncompressed sizes; the stored bodies are
// flate streams of FLStored/VLStored bytes.
type roTableHeader struct {
	Name     string
	FLLength int64
	FLStored int64
	VLLength int64
	VLStored int64
	HasVL    bool
}

// ConvertToRO serialises the database's current on-disk state into a
// single compressed envelope file at path. The envelope records the
// schema's table order and each table's FL/VL byte ranges as per-table
// flate streams; it does not attempt to produce a queryable RO format.
//
// level is a compress/flate level; an out-of-range level fails with a
// UsageError before any exclusion is taken.
//
// ConvertToRO acquires the database's full exclusive service level
// (AcquireServiceL2L3), the same exclusion CompactFL/CompactVL use, since
// a conversion reading every table's files must not race a concurrent
// writer.
//
// Per-table reads are fanned out with golang.org/x/sync/errgroup -- the
// same fan-out idiom Database.forceWriteLocked uses for concurrent fsync --
// since nothing about reading one table's bytes depends on another's, and a
// multi-disk layout benefits from overlapping their I/O.
func (db *Database) ConvertToRO(path string, level int) error {
	if err := checkCompressionLevel(level); err != nil {
		return err
	}
	release, err := db.sync.AcquireServiceL2L3()
	if err != nil {
		return translateSyncErr(err)
	}
	defer release()

	bodies := make([][]byte, len(db.tableOrder))
	vlBodies := make([][]byte, len(db.tableOrder))
	headers := make([]roTableHeader, len(db.tableOrder))

	var g errgroup.Group
	for i, name := range db.tableOrder {
		i, name := i, name
		g.Go(func() error {
			t := db.tables[name]
			size, err := t.flFiler.Size()
			if err != nil {
				return &DurabilityError{Msg: "stat FL file for conversion", Cause: err}
			}
			buf := make([]byte, size)
			if size > 0 {
				if _, err := t.flFiler.ReadAt(buf, 0); err != nil && err != io.EOF {
					return &DurabilityError{Msg: "reading FL file for conversion", Cause: err}
				}
			}
			packed, err := deflateAll(level, buf)
			if err != nil {
				return err
			}
			bodies[i] = packed
			headers[i] = roTableHeader{Name: name, FLLength: size, FLStored: int64(len(packed))}

			if t.vlFiler != nil {
				vsize, err := t.vlFiler.Size()
				if err != nil {
					return &DurabilityError{Msg: "stat VL file for conversion", Cause: err}
				}
				vbuf := make([]byte, vsize)
				if vsize > 0 {
					if _, err := t.vlFiler.ReadAt(vbuf, 0); err != nil && err != io.EOF {
						return &DurabilityError{Msg: "reading VL file for conversion", Cause: err}
					}
				}
				vpacked, err := deflateAll(level, vbuf)
				if err != nil {
					return err
				}
				vlBodies[i] = vpacked
				headers[i].HasVL = true
				headers[i].VLLength = vsize
				headers[i].VLStored = int64(len(vpacked))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return &DurabilityError{Msg: "creating RO conversion file", Cause: err}
	}
	w := bufio.NewWriter(out)
	if err := writeROEnvelope(w, headers, bodies, vlBodies); err != nil {
		out.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return &DurabilityError{Msg: "flushing RO conversion file", Cause: err}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &DurabilityError{Msg: "fsyncing RO conversion file", Cause: err}
	}
	if err := out.Close(); err != nil {
		return &DurabilityError{Msg: "closing RO conversion file", Cause: err}
	}

	db.logf("convertToRO: path=%q tables=%d level=%d", path, len(headers), level)
	return nil
}

func writeROEnvelope(w *bufio.Writer, headers []roTableHeader, flBodies, vlBodies [][]byte) error {
	if _, err := w.Write(roMagic[:]); err != nil {
		return &DurabilityError{Msg: "writing RO magic", Cause: err}
	}
	if err := writeUint32(w, roFormatVersion); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(headers))); err != nil {
		return err
	}
	for _, h := range headers {
		if err := writeUint32(w, uint32(len(h.Name))); err != nil {
			return err
		}
		if _, err := w.WriteString(h.Name); err != nil {
			return &DurabilityError{Msg: "writing RO table name", Cause: err}
		}
		if err := writeUint64(w, uint64(h.FLLength)); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(h.FLStored)); err != nil {
			return err
		}
		hasVL := byte(0)
		if h.HasVL {
			hasVL = 1
		}
		if err := w.WriteByte(hasVL); err != nil {
			return &DurabilityError{Msg: "writing RO VL flag", Cause: err}
		}
		if err := writeUint64(w, uint64(h.VLLength)); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(h.VLStored)); err != nil {
			return err
		}
	}
	for i := range headers {
		if _, err := w.Write(flBodies[i]); err != nil {
			return &DurabilityError{Msg: "writing RO FL body", Cause: err}
		}
		if headers[i].HasVL {
			if _, err := w.Write(vlBodies[i]); err != nil {
				return &DurabilityError{Msg: "writing RO VL body", Cause: err}
			}
		}
	}
	return nil
}

// deflateAll compresses src into a single flate stream.
func deflateAll(level int, src []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, &UsageError{Msg: "invalid compression level", Arg: level}
	}
	if _, err := fw.Write(src); err != nil {
		return nil, &DurabilityError{Msg: "compressing conversion body", Cause: err}
	}
	if err := fw.Close(); err != nil {
		return nil, &DurabilityError{Msg: "compressing conversion body", Cause: err}
	}
	return buf.Bytes(), nil
}

func writeUint32(w *bufio.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return &DurabilityError{Msg: "writing RO envelope field", Cause: err}
	}
	return nil
}

func writeUint64(w *bufio.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return &DurabilityError{Msg: "writing RO envelope field", Cause: err}
	}
	return nil
}
