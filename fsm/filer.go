// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsm implements the file space manager: the fixed-length row-slot
// space (FLSpace) and the variable-length payload-block space (VLSpace)
// that together back one table store.
package fsm

import (
	"os"
	"sync"

	"github.com/cznic/fileutil"
	"github.com/cznic/mathutil"
)

// Filer abstracts the byte-addressed storage backing a FL or VL file,
// trimmed to the subset FLSpace/VLSpace actually need: the
// rollback/transaction methods live one level up, in the recorder-backed
// Unit, not here.
type Filer interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Truncate(size int64) error
	Size() (int64, error)
	Sync() error
	Close() error
	Name() string

	// PunchHole deallocates the given byte range on filesystems that
	// support sparse files; it is advisory and a no-op returning nil
	// on filesystems that don't.
	PunchHole(off, size int64) error
}

// OSFiler is an os.File backed Filer. It tracks its own idea of file size
// across writes so Size() never needs an extra stat(2) call, and delegates
// hole punching to fileutil.
type OSFiler struct {
	mu   sync.Mutex
	file *os.File
	size int64
}

// NewOSFiler returns an OSFiler wrapping f, an already-open file.
func NewOSFiler(f *os.File) (*OSFiler, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &OSFiler{file: f, size: fi.Size()}, nil
}

func (f *OSFiler) ReadAt(b []byte, off int64) (int, error) { return f.file.ReadAt(b, off) }

func (f *OSFiler) WriteAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	f.size = mathutil.MaxInt64(f.size, off+int64(len(b)))
	f.mu.Unlock()
	return f.file.WriteAt(b, off)
}

func (f *OSFiler) Truncate(size int64) error {
	if size < 0 {
		return &ErrInvalidArg{Name: "size", Value: size}
	}
	f.mu.Lock()
	f.size = size
	f.mu.Unlock()
	return f.file.Truncate(size)
}

func (f *OSFiler) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size, nil
}

func (f *OSFiler) Sync() error  { return f.file.Sync() }
func (f *OSFiler) Close() error { return f.file.Close() }
func (f *OSFiler) Name() string { return f.file.Name() }

func (f *OSFiler) PunchHole(off, size int64) error {
	if size <= 0 {
		return nil
	}
	return fileutil.PunchHole(f.file, off, size)
}

// ErrInvalidArg reports a structurally invalid argument passed to a fsm
// method (negative size, zero slot width, etc).
type ErrInvalidArg struct {
	Name  string
	Value int64
}

func (e *ErrInvalidArg) Error() string {
	return "fsm: invalid " + e.Name
}
