// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsm

import "testing"

func TestFLSpaceAllocFreeReuse(t *testing.T) {
	f := newMemFiler("fl")
	s, err := Open(f, 16, 1)
	if err != nil {
		t.Fatal(err)
	}

	a, err := s.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if a != 1 {
		t.Fatalf("first Alloc = %d, want 1", a)
	}

	b, err := s.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if b != 2 {
		t.Fatalf("second Alloc = %d, want 2", b)
	}

	if err := s.Free(a); err != nil {
		t.Fatal(err)
	}
	c, err := s.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if c != 1 {
		t.Fatalf("Alloc after Free(1) = %d, want 1 (smallest-index-first reuse)", c)
	}
}

func TestFLSpacePutGet(t *testing.T) {
	f := newMemFiler("fl")
	s, err := Open(f, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := s.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte{1, 2, 3, 4}
	if err := s.Put(slot, payload); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(slot)
	if err != nil {
		t.Fatal(err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("Get returned %v, want %v", got, payload)
		}
	}
}

func TestFLSpaceGetGapFails(t *testing.T) {
	f := newMemFiler("fl")
	s, err := Open(f, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := s.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Free(slot); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(slot); err == nil {
		t.Fatal("expected ErrGap, got nil")
	}
}

func TestFLSpaceCapacityBound(t *testing.T) {
	f := newMemFiler("fl")
	s, err := Open(f, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 255; i++ {
		if _, err := s.Alloc(); err != nil {
			t.Fatalf("unexpected error allocating slot %d: %v", i+1, err)
		}
	}
	if _, err := s.Alloc(); err == nil {
		t.Fatal("expected capacity error inserting at slot 256 with nobsRowRef=1")
	}
}

func TestFLSpaceRescanRebuildsGaps(t *testing.T) {
	f := newMemFiler("fl")
	s, err := Open(f, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Alloc(); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Free(2); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(f, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.GapCount() != 1 {
		t.Fatalf("GapCount after reopen = %d, want 1", reopened.GapCount())
	}
	next, err := reopened.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if next != 2 {
		t.Fatalf("Alloc after reopen = %d, want 2 (rebuilt gap list)", next)
	}
}

func TestFLSpaceCompactMap(t *testing.T) {
	f := newMemFiler("fl")
	s, err := Open(f, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Alloc(); err != nil {
			t.Fatal(err)
		}
	}
	// slots 1..5 live; free 2 and 4.
	if err := s.Free(2); err != nil {
		t.Fatal(err)
	}
	if err := s.Free(4); err != nil {
		t.Fatal(err)
	}
	moves, newHigh, err := s.CompactMap()
	if err != nil {
		t.Fatal(err)
	}
	if newHigh != 3 {
		t.Fatalf("newHigh = %d, want 3", newHigh)
	}
	if len(moves) != 1 || moves[0].From != 5 || moves[0].To != 2 {
		t.Fatalf("moves = %+v, want [{From:5 To:2}]", moves)
	}
}
