// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncmgr

import (
	"sync"
	"testing"
	"time"
)

func TestWriterExcludesWriter(t *testing.T) {
	m := New()
	rel, err := m.AcquireWriter("owner-a")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		rel2, err := m.AcquireWriter("owner-b")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		rel2()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired while first still holds the role")
	case <-time.After(50 * time.Millisecond):
	}

	rel()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired after first released")
	}
}

func TestWriterNestsForSameOwner(t *testing.T) {
	m := New()
	rel1, err := m.AcquireWriter("u")
	if err != nil {
		t.Fatal(err)
	}
	rel2, err := m.AcquireWriter("u")
	if err != nil {
		t.Fatalf("nested acquisition by the same owner should not block: %v", err)
	}
	rel2()
	rel1()
}

func TestReadZoneNestsInsideOwnUnit(t *testing.T) {
	m := New()
	relU, err := m.AcquireWriter("u")
	if err != nil {
		t.Fatal(err)
	}
	relR, err := m.AcquireReadZone("u")
	if err != nil {
		t.Fatalf("read zone nested in the owning unit should not block: %v", err)
	}
	relR()
	relU()
}

func TestReadZoneBlocksWriter(t *testing.T) {
	m := New()
	relR, err := m.AcquireReadZone("reader")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		rel, err := m.AcquireWriter("writer")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		rel()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired while a read zone is open")
	case <-time.After(50 * time.Millisecond):
	}
	relR()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired after read zone closed")
	}
}

func TestMultipleReadZonesConcurrent(t *testing.T) {
	m := New()
	rel1, err := m.AcquireReadZone("a")
	if err != nil {
		t.Fatal(err)
	}
	rel2, err := m.AcquireReadZone("b")
	if err != nil {
		t.Fatalf("a second independent read zone should be admitted concurrently: %v", err)
	}
	rel1()
	rel2()
}

func TestWriterInReadZoneIsError(t *testing.T) {
	m := New()
	rel, err := m.AcquireReadZone("u")
	if err != nil {
		t.Fatal(err)
	}
	defer rel()
	if _, err := m.AcquireWriter("u"); err == nil {
		t.Fatal("expected ErrWriterInReadZone, got nil")
	}
}

func TestServiceL23ExcludesEverything(t *testing.T) {
	m := New()
	relR, err := m.AcquireReadZone("reader")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		rel, err := m.AcquireServiceL2L3()
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		rel()
	}()

	select {
	case <-acquired:
		t.Fatal("L2/L3 acquired while a read zone is open")
	case <-time.After(50 * time.Millisecond):
	}
	relR()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("L2/L3 never acquired after the read zone closed")
	}
}

func TestServiceL0IgnoresWriter(t *testing.T) {
	m := New()
	relW, err := m.AcquireWriter("writer")
	if err != nil {
		t.Fatal(err)
	}
	defer relW()
	rel, err := m.AcquireServiceL0()
	if err != nil {
		t.Fatalf("L0 should be admitted alongside a writer: %v", err)
	}
	rel()
}

func TestShutdownFailsFutureAcquisitions(t *testing.T) {
	m := New()
	m.Shutdown()
	if _, err := m.AcquireWriter("u"); err == nil {
		t.Fatal("expected ErrShutdown for writer after shutdown")
	}
	if _, err := m.AcquireReadZone("u"); err == nil {
		t.Fatal("expected ErrShutdown for read zone after shutdown")
	}
	if _, err := m.AcquireKamikaze(); err == nil {
		t.Fatal("expected ErrShutdown for kamikaze write after shutdown")
	}
}

func TestShutdownUnblocksWaiters(t *testing.T) {
	m := New()
	rel, err := m.AcquireWriter("holder")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := m.AcquireWriter("waiter"); err == nil {
			t.Error("expected ErrShutdown for a waiter unblocked by shutdown")
		}
	}()

	time.Sleep(20 * time.Millisecond)
	m.Shutdown()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not unblock the waiting writer")
	}
	rel()
}
