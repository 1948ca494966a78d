// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsm

import (
	"bytes"
	"testing"
)

func TestVLSpaceAllocWriteRead(t *testing.T) {
	f := newMemFiler("vl")
	s, err := OpenVL(f, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello, vl block")
	off, err := s.Alloc(int64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(off, payload); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read(off)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
}

func TestVLSpaceFreeRightJoin(t *testing.T) {
	f := newMemFiler("vl")
	s, err := OpenVL(f, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	// Leave a trailing block so freeing a/b does not just truncate.
	if _, err := s.Alloc(32); err != nil {
		t.Fatal(err)
	}

	if err := s.Free(a); err != nil {
		t.Fatal(err)
	}
	if err := s.Free(b); err != nil {
		t.Fatal(err)
	}
	// a and b should now be merged into one free block big enough for a
	// larger allocation than either alone.
	off, err := s.Alloc(60)
	if err != nil {
		t.Fatalf("expected coalesced free block to satisfy a 60-byte allocation: %v", err)
	}
	if off != a {
		t.Fatalf("Alloc after coalescing returned offset %d, want %d (reuse of merged block)", off, a)
	}
}

func TestVLSpaceFreeTailTruncates(t *testing.T) {
	f := newMemFiler("vl")
	s, err := OpenVL(f, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	before := s.Tail()
	off, err := s.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Free(off); err != nil {
		t.Fatal(err)
	}
	if s.Tail() != before {
		t.Fatalf("Tail after freeing the only block = %d, want %d (truncated back)", s.Tail(), before)
	}
}

func TestVLSpaceRescanPreservesFreeBlocks(t *testing.T) {
	f := newMemFiler("vl")
	s, err := OpenVL(f, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Alloc(16); err != nil {
		t.Fatal(err)
	}
	if err := s.Free(a); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenVL(f, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.FreeBytes() != 16 {
		t.Fatalf("FreeBytes after reopen = %d, want 16", reopened.FreeBytes())
	}
	off, err := reopened.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	if off != a {
		t.Fatalf("Alloc after reopen reused offset %d, want %d", off, a)
	}
}

func TestVLSpaceCapacityBound(t *testing.T) {
	f := newMemFiler("vl")
	s, err := OpenVL(f, 2, 1) // nobsOutrowPtr=1 bounds offsets to < 255
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Alloc(2000); err == nil {
		t.Fatal("expected capacity error for an allocation extending past the nobsOutrowPtr bound")
	}
}

func TestVLSpacePutInPlace(t *testing.T) {
	f := newMemFiler("vl")
	s, err := OpenVL(f, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	off, err := s.Alloc(100)
	if err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte{'x'}, 100)
	if err := s.Write(off, big); err != nil {
		t.Fatal(err)
	}
	// Trailing block keeps the shrunk surplus from simply truncating away.
	if _, err := s.Alloc(32); err != nil {
		t.Fatal(err)
	}

	// A shrinking Put keeps the offset, shrinks the block, and frees the
	// surplus.
	small := []byte("0123456789")
	ok, err := s.Put(off, small)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("Put rejected a payload that fits")
	}
	got, err := s.Read(off)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, small) {
		t.Fatalf("Read after shrinking Put = %q, want %q", got, small)
	}
	if s.FreeBytes() == 0 {
		t.Fatalf("shrinking Put freed no surplus bytes")
	}

	// A same-size Put overwrites in place.
	ok, err = s.Put(off, []byte("abcdefghij"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("Put rejected a same-size payload")
	}

	// A payload larger than the block is declined, untouched.
	ok, err = s.Put(off, bytes.Repeat([]byte{'y'}, 50))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("Put accepted a payload larger than the block")
	}
	got, err = s.Read(off)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("abcdefghij")) {
		t.Fatalf("declined Put modified the block: %q", got)
	}
}

func TestVLSpacePutSmallSurplusPads(t *testing.T) {
	f := newMemFiler("vl")
	s, err := OpenVL(f, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	off, err := s.Alloc(20)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(off, bytes.Repeat([]byte{'x'}, 20)); err != nil {
		t.Fatal(err)
	}

	// A surplus too small to carry its own block header stays inside the
	// block, zero filled; the block's size is unchanged.
	ok, err := s.Put(off, []byte("abcdefghij"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("Put rejected a payload that fits")
	}
	size, err := s.Size(off)
	if err != nil {
		t.Fatal(err)
	}
	if size != 20 {
		t.Fatalf("block size after padded Put = %d, want 20", size)
	}
	got, err := s.Read(off)
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte("abcdefghij"), make([]byte, 10)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("Read after padded Put = %q, want %q", got, want)
	}
}
