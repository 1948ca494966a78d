// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package acdp

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock is the BSD-advisory-lock-backed fileLock used on platforms
// golang.org/x/sys/unix supports. A WR open takes LOCK_EX; a
// write-protected open takes LOCK_SH, which may coexist with other
// write-protected opens.
type flock struct {
	f *os.File
}

func newFileLock(path string) (fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &DurabilityError{Msg: "opening lock file", Cause: err}
	}
	return &flock{f: f}, nil
}

func (l *flock) Lock(exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(l.f.Fd()), how|unix.LOCK_NB); err != nil {
		return &ConcurrencyError{Msg: "database is already locked by another open: " + err.Error()}
	}
	return nil
}

func (l *flock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return err
	}
	return l.f.Close()
}
