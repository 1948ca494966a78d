// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package acdp

// noopLock is the fallback fileLock for platforms without
// golang.org/x/sys/unix advisory locking support: it enforces nothing
// beyond this process's own in-memory state (see Database.checkOpen).
// Cross-process exclusion is not available on these platforms.
type noopLock struct{}

func newFileLock(path string) (fileLock, error) { return noopLock{}, nil }

func (noopLock) Lock(exclusive bool) error { return nil }
func (noopLock) Unlock() error             { return nil }
