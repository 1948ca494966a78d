// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsm

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
)

// Slot layout, as owned by FLSpace: one reserved sentinel byte followed by
// the caller's fixed-width payload (refcount + null-bitmap + column
// sections -- FLSpace itself knows nothing about that internal structure).
const (
	slotGap  = 0xFF
	slotUsed = 0x00
)

// FLSpace is the file space manager's fixed-length half: the row-slot
// space backing one table's FL data file. A free slot is simply a slot
// whose reserved first byte carries the gap sentinel; the free set is
// rebuilt by one linear scan on open and kept thereafter as an in-memory
// container/heap min-heap, so reuse always picks the smallest free index
// first and a freshly emptied table hands out index 1 again.
type FLSpace struct {
	mu          sync.Mutex
	f           Filer
	payloadSize int   // caller's per-slot payload width, not including the sentinel byte
	slotSize    int   // payloadSize + 1
	maxSlot     int64 // highest legal slot index, bound by nobsRowRef
	gaps        gapHeap
	n           int64 // highest slot index ever allocated; 0 if the space is empty
}

// Open binds a FLSpace to f, scanning the whole file to rebuild the free
// list. payloadSize is the fixed per-row payload width; nobsRowRef bounds
// the maximum slot index.
func Open(f Filer, payloadSize, nobsRowRef int) (*FLSpace, error) {
	if payloadSize <= 0 {
		return nil, &ErrInvalidArg{Name: "payloadSize", Value: int64(payloadSize)}
	}
	if nobsRowRef <= 0 || nobsRowRef > 8 {
		return nil, &ErrInvalidArg{Name: "nobsRowRef", Value: int64(nobsRowRef)}
	}
	s := &FLSpace{
		f:           f,
		payloadSize: payloadSize,
		slotSize:    payloadSize + 1,
		maxSlot:     maxSlotIndex(nobsRowRef),
	}
	if err := s.rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

func maxSlotIndex(nobsRowRef int) int64 {
	if nobsRowRef >= 8 {
		return math.MaxInt64
	}
	return int64(1)<<uint(8*nobsRowRef) - 1
}

// rescan rebuilds the in-memory gap heap and high-water mark by reading
// every slot's sentinel byte.
func (s *FLSpace) rescan() error {
	size, err := s.f.Size()
	if err != nil {
		return err
	}
	if size%int64(s.slotSize) != 0 {
		return &ErrCorruptSpace{Msg: fmt.Sprintf("FL file size %d is not a multiple of slot size %d", size, s.slotSize)}
	}
	n := size / int64(s.slotSize)
	s.gaps = s.gaps[:0]
	heap.Init(&s.gaps)
	var sentinel [1]byte
	for i := int64(1); i <= n; i++ {
		if _, err := s.f.ReadAt(sentinel[:], (i-1)*int64(s.slotSize)); err != nil {
			return err
		}
		if sentinel[0] == slotGap {
			heap.Push(&s.gaps, i)
		}
	}
	s.n = n
	return nil
}

// Alloc reserves a slot, preferring reuse of the smallest free index, and
// returns its 1-based index.
func (s *FLSpace) Alloc() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.gaps) > 0 {
		idx := heap.Pop(&s.gaps).(int64)
		if err := s.markUsed(idx); err != nil {
			return 0, err
		}
		return idx, nil
	}
	idx := s.n + 1
	if idx > s.maxSlot {
		return 0, &ErrCapacity{Msg: "FL slot index would exceed nobsRowRef bound", Limit: s.maxSlot, Got: idx}
	}
	if err := s.markUsed(idx); err != nil {
		return 0, err
	}
	s.n = idx
	return idx, nil
}

func (s *FLSpace) markUsed(idx int64) error {
	buf := make([]byte, s.slotSize)
	buf[0] = slotUsed
	_, err := s.f.WriteAt(buf, (idx-1)*int64(s.slotSize))
	return err
}

// Free marks slot as a gap and returns it to the free list. The caller is
// responsible for having already verified the slot carries a zero
// refcount; Free does not itself enforce any referential-integrity rule.
func (s *FLSpace) Free(slot int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 1 || slot > s.n {
		return &ErrInvalidArg{Name: "slot", Value: slot}
	}
	buf := make([]byte, s.slotSize)
	buf[0] = slotGap
	if _, err := s.f.WriteAt(buf, (slot-1)*int64(s.slotSize)); err != nil {
		return err
	}
	heap.Push(&s.gaps, slot)
	return nil
}

// Get reads the payload stored at slot. It returns ErrGap if the slot is
// currently free.
func (s *FLSpace) Get(slot int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 1 || slot > s.n {
		return nil, &ErrInvalidArg{Name: "slot", Value: slot}
	}
	buf := make([]byte, s.slotSize)
	if _, err := s.f.ReadAt(buf, (slot-1)*int64(s.slotSize)); err != nil {
		return nil, err
	}
	if buf[0] == slotGap {
		return nil, &ErrGap{Slot: slot}
	}
	return buf[1:], nil
}

// Put overwrites the payload stored at slot. len(payload) must equal
// payloadSize.
func (s *FLSpace) Put(slot int64, payload []byte) error {
	if len(payload) != s.payloadSize {
		return &ErrInvalidArg{Name: "payload length", Value: int64(len(payload))}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 1 || slot > s.n {
		return &ErrInvalidArg{Name: "slot", Value: slot}
	}
	buf := make([]byte, s.slotSize)
	buf[0] = slotUsed
	copy(buf[1:], payload)
	_, err := s.f.WriteAt(buf, (slot-1)*int64(s.slotSize))
	return err
}

// IsGap reports whether slot currently carries the gap sentinel.
func (s *FLSpace) IsGap(slot int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 1 || slot > s.n {
		return false, &ErrInvalidArg{Name: "slot", Value: slot}
	}
	var sentinel [1]byte
	if _, err := s.f.ReadAt(sentinel[:], (slot-1)*int64(s.slotSize)); err != nil {
		return false, err
	}
	return sentinel[0] == slotGap, nil
}

// High returns the highest slot index ever allocated (0 if the space has
// never had a slot allocated). It is not the number of live rows.
func (s *FLSpace) High() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// GapCount returns the number of slots currently on the free list.
func (s *FLSpace) GapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gaps)
}

// Rescan rebuilds the free list and high-water mark from the file's current
// contents. A caller that rewrites slot bytes directly through the
// underlying Filer -- rolling back a Unit, or replaying the recorder at
// Open -- bypasses Alloc/Free/Put and so must call Rescan afterward to bring
// this cache back in step with what it just wrote.
func (s *FLSpace) Rescan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescan()
}

// CompactMap computes a relocation plan that removes every gap below the
// high-water mark by moving live rows down into the lowest free slots.
// It returns, in the order they must be applied, pairs of (from, to) slot
// indices for every live slot that moves, and the new high-water mark.
// CompactMap does not itself touch the file; the Table layer applies the
// plan so it can also fix up any other table's inbound references.
func (s *FLSpace) CompactMap() (moves []SlotMove, newHigh int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gapSet := make(map[int64]bool, len(s.gaps))
	for _, g := range s.gaps {
		gapSet[g] = true
	}
	// Two-pointer sweep: lo walks gaps from the bottom, hi walks live
	// slots from the top, relocating hi -> lo while lo < hi.
	lo := int64(1)
	hi := s.n
	for lo < hi {
		for lo <= hi && !gapSet[lo] {
			lo++
		}
		for hi >= lo && gapSet[hi] {
			hi--
		}
		if lo >= hi {
			break
		}
		moves = append(moves, SlotMove{From: hi, To: lo})
		gapSet[lo] = false
		gapSet[hi] = true
		lo++
		hi--
	}
	newHigh = s.n - int64(len(s.gaps))
	return moves, newHigh, nil
}

// SlotMove describes one live-slot relocation produced by CompactMap.
type SlotMove struct {
	From, To int64
}

// Truncate drops every slot above newHigh, which must equal the
// post-compaction high-water mark computed by CompactMap, and resets the
// free list to empty.
func (s *FLSpace) Truncate(newHigh int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newHigh < 0 || newHigh > s.n {
		return &ErrInvalidArg{Name: "newHigh", Value: newHigh}
	}
	if err := s.f.Truncate(newHigh * int64(s.slotSize)); err != nil {
		return err
	}
	s.n = newHigh
	s.gaps = s.gaps[:0]
	heap.Init(&s.gaps)
	return nil
}

// gapHeap is a container/heap min-heap of free slot indices.
type gapHeap []int64

func (h gapHeap) Len() int            { return len(h) }
func (h gapHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h gapHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *gapHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *gapHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// ErrGap reports a read of a slot that currently carries the gap sentinel
// (a reference to a deleted row).
type ErrGap struct {
	Slot int64
}

func (e *ErrGap) Error() string { return fmt.Sprintf("fsm: slot %d is a gap", e.Slot) }

// ErrCapacity reports that an index, offset, or counter would exceed its
// declared byte-width bound.
type ErrCapacity struct {
	Msg   string
	Limit int64
	Got   int64
}

func (e *ErrCapacity) Error() string {
	return fmt.Sprintf("fsm: capacity exceeded: %s (limit %d, got %d)", e.Msg, e.Limit, e.Got)
}

// ErrCorruptSpace reports a structural inconsistency discovered while
// scanning a FL or VL file.
type ErrCorruptSpace struct {
	Msg string
}

func (e *ErrCorruptSpace) Error() string { return "fsm: corrupt: " + e.Msg }
