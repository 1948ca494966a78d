// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsm

import "sync"

// memFiler is an in-memory Filer used by the package's own tests: a byte
// slice stands in for the file so tests don't depend on the filesystem.
type memFiler struct {
	mu   sync.Mutex
	name string
	buf  []byte
}

func newMemFiler(name string) *memFiler { return &memFiler{name: name} }

func (f *memFiler) ReadAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.buf)) {
		return 0, nil
	}
	n := copy(b, f.buf[off:])
	return n, nil
}

func (f *memFiler) WriteAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(b))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[off:end], b)
	return len(b), nil
}

func (f *memFiler) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size <= int64(len(f.buf)) {
		f.buf = f.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.buf)
	f.buf = grown
	return nil
}

func (f *memFiler) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.buf)), nil
}

func (f *memFiler) Sync() error  { return nil }
func (f *memFiler) Close() error { return nil }
func (f *memFiler) Name() string { return f.name }

func (f *memFiler) PunchHole(off, size int64) error { return nil }
