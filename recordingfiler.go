// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"io"

	"github.com/cznic/acdp/fsm"
	"github.com/cznic/acdp/recorder"
)

// recordingFiler wraps a fsm.Filer, capturing the previous byte contents of
// every WriteAt/Truncate into the database's before-image log before
// letting the change through. Pre-images go to a durable, on-disk log so
// they survive a crash. Every FLSpace/VLSpace bookkeeping write (sentinel
// bytes, block headers, free-list pointers) passes through here exactly
// like a row payload write, so allocation and deallocation events leave
// enough pre-existing free-list state behind to reverse them.
//
// Outside of any Unit (kamikaze mode) sink() returns nil and writes pass
// straight through unrecorded: a kamikaze write is safe under the sync
// manager's exclusion but not rollbackable.
type recordingFiler struct {
	fsm.Filer
	tableID uint32
	kind    recorder.FileKind
	sink    func() func(recorder.Record) error
}

func (f *recordingFiler) WriteAt(b []byte, off int64) (int, error) {
	if record := f.sink(); record != nil {
		pre, err := f.preImage(off, len(b))
		if err != nil {
			return 0, err
		}
		if err := record(recorder.Record{Kind: f.kind, TableID: f.tableID, Offset: off, PreImage: pre}); err != nil {
			return 0, err
		}
	}
	return f.Filer.WriteAt(b, off)
}

// preImage reads the n bytes currently at off, zero-padding any portion
// that lies beyond the file's current end (those bytes do not yet exist, so
// their "previous" value for rollback purposes is the absence of data,
// which a fresh WriteAt-grown file already reads back as zero).
func (f *recordingFiler) preImage(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := f.Filer.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	_ = got
	return buf, nil
}

func (f *recordingFiler) Truncate(size int64) error {
	if record := f.sink(); record != nil {
		cur, err := f.Filer.Size()
		if err != nil {
			return err
		}
		if size < cur {
			pre, err := f.preImage(size, int(cur-size))
			if err != nil {
				return err
			}
			if err := record(recorder.Record{Kind: f.kind, TableID: f.tableID, Offset: size, PreImage: pre}); err != nil {
				return err
			}
		}
	}
	return f.Filer.Truncate(size)
}

func (f *recordingFiler) PunchHole(off, size int64) error {
	// Hole punching only deallocates already-truncated-or-zero space; the
	// owning Truncate/Free call already captured whatever pre-image
	// matters. Forwarding straight through keeps a punched hole from
	// being recorded twice.
	return f.Filer.PunchHole(off, size)
}
