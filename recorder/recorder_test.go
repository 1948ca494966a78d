// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recorder

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func tempRecorder(t *testing.T, mode DurabilityMode) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.log")
	r, err := Open(path, mode)
	if err != nil {
		t.Fatal(err)
	}
	return r, path
}

func TestAppendReplayRoundTrip(t *testing.T) {
	r, _ := tempRecorder(t, ForceWriteOn)
	defer r.Close()

	want := []Record{
		{UnitID: 1, Kind: KindFL, TableID: 1, Offset: 0, PreImage: []byte{1, 2, 3}},
		{UnitID: 1, Kind: KindVL, TableID: 2, Offset: 128, PreImage: []byte("pre-image bytes")},
		{UnitID: 2, Kind: KindFL, TableID: 1, Offset: 16, PreImage: nil},
	}
	for _, rec := range want {
		if _, err := r.Append(rec); err != nil {
			t.Fatal(err)
		}
	}

	var got []Record
	if err := r.Replay(func(rec Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(got) != len(want) {
		t.Fatalf("replayed %d records, want %d", len(got), len(want))
	}
	for i, w := range want {
		g := got[i]
		if g.UnitID != w.UnitID || g.Kind != w.Kind || g.TableID != w.TableID || g.Offset != w.Offset {
			t.Fatalf("record %d: got %+v, want %+v", i, g, w)
		}
		if !bytes.Equal(g.PreImage, w.PreImage) {
			t.Fatalf("record %d: pre-image got %v, want %v", i, g.PreImage, w.PreImage)
		}
	}
}

func TestReplayDiscardsTornTail(t *testing.T) {
	r, path := tempRecorder(t, ForceWriteOn)
	if _, err := r.Append(Record{UnitID: 1, Kind: KindFL, TableID: 1, Offset: 0, PreImage: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: write a second record directly to the
	// file but with its last three bytes (part of the CRC) missing.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	fi, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	full := Record{UnitID: 2, Kind: KindVL, TableID: 2, Offset: 64, PreImage: []byte("this record never finishes")}
	enc := encode(full)
	if _, err := f.WriteAt(enc[:len(enc)-3], fi.Size()); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r2, err := Open(path, ForceWriteOn)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	var got []Record
	if err := r2.Replay(func(rec Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatalf("Replay should silently discard a torn tail, got error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("replayed %d records, want 1 (torn second record discarded)", len(got))
	}
}

func TestTruncateTo(t *testing.T) {
	r, _ := tempRecorder(t, ForceWriteOn)
	defer r.Close()

	first, err := r.Append(Record{UnitID: 1, Kind: KindFL, TableID: 1, Offset: 0, PreImage: []byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Append(Record{UnitID: 2, Kind: KindFL, TableID: 1, Offset: 0, PreImage: []byte("b")}); err != nil {
		t.Fatal(err)
	}
	if err := r.TruncateTo(first); err != nil {
		t.Fatal(err)
	}
	if r.Offset() != first {
		t.Fatalf("Offset after TruncateTo = %d, want %d", r.Offset(), first)
	}

	var got []Record
	if err := r.Replay(func(rec Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("replayed %d records after truncating to the first record's start, want 0", len(got))
	}
}
