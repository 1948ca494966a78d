// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsm

import (
	"fmt"
	"sort"
	"sync"
)

// vlBlock is one block of the VL file: either live (holding one outrow
// column payload) or free.
type vlBlock struct {
	offset int64
	size   int64 // payload size, excluding the header
	free   bool
}

func (b *vlBlock) end(lenWidth int) int64 { return b.offset + int64(lenWidth) + b.size }

// VLSpace is the file space manager's variable-length half: the
// payload-block space backing one table's VL data file. Free blocks are
// indexed by a powers-of-two bucket ladder, kept purely in memory and
// rebuilt on open rather than persisted, since a full sequential scan of
// block headers is cheap and mirrors how FLSpace rebuilds its gap heap.
// Free coalesces with both neighbours, splitting into four cases:
// isolated, right-join, left-join, middle-join.
type VLSpace struct {
	mu        sync.Mutex
	f         Filer
	lenWidth  int   // bytes in each block's length-prefix header
	maxOffset int64 // bound by nobsOutrowPtr
	tail      int64 // one-past-the-end offset; file size

	order         []int64 // block start offsets, kept sorted
	blockByOffset map[int64]*vlBlock
	buckets       [][]int64 // buckets[i] holds offsets of free blocks in size class i
}

// minSplitSize is the smallest payload size worth splitting off as its own
// free block; smaller remainders are left as internal fragmentation inside
// the allocated block instead, avoiding a block too small to ever be
// reused.
const minSplitSize = 8

var bucketSizes = buildBucketLadder()

func buildBucketLadder() []int64 {
	sizes := []int64{1}
	for v := int64(2); v < int64(1)<<56; v *= 2 {
		sizes = append(sizes, v)
	}
	return sizes
}

func bucketIndex(size int64) int {
	idx := sort.Search(len(bucketSizes), func(i int) bool { return bucketSizes[i] > size }) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// OpenVL binds a VLSpace to f, scanning the whole file once to rebuild the
// in-memory block index and size-bucketed free list. lenWidth is the byte
// width of each block's length-prefix header; nobsOutrowPtr bounds the
// maximum file offset a pointer into this space may encode.
func OpenVL(f Filer, lenWidth, nobsOutrowPtr int) (*VLSpace, error) {
	if lenWidth < 2 || lenWidth > 8 {
		return nil, &ErrInvalidArg{Name: "lenWidth", Value: int64(lenWidth)}
	}
	s := &VLSpace{
		f:             f,
		lenWidth:      lenWidth,
		maxOffset:     maxSlotIndex(nobsOutrowPtr),
		blockByOffset: make(map[int64]*vlBlock),
	}
	if err := s.rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *VLSpace) rescan() error {
	size, err := s.f.Size()
	if err != nil {
		return err
	}
	s.order = s.order[:0]
	s.blockByOffset = make(map[int64]*vlBlock)
	s.buckets = nil

	var off int64
	hdr := make([]byte, s.lenWidth)
	for off < size {
		if _, err := s.f.ReadAt(hdr, off); err != nil {
			return err
		}
		blkSize, free := s.decodeHeader(hdr)
		b := &vlBlock{offset: off, size: blkSize, free: free}
		if b.end(s.lenWidth) > size {
			return &ErrCorruptSpace{Msg: fmt.Sprintf("VL block at offset %d overruns file size %d", off, size)}
		}
		s.insertBlock(b)
		if free {
			s.addToFreeList(b)
		}
		off = b.end(s.lenWidth)
	}
	s.tail = size
	return nil
}

func (s *VLSpace) encodeHeader(size int64, free bool) []byte {
	hdr := make([]byte, s.lenWidth)
	v := uint64(size)
	if free {
		v |= uint64(1) << uint(s.lenWidth*8-1)
	}
	for i := s.lenWidth - 1; i >= 0; i-- {
		hdr[i] = byte(v)
		v >>= 8
	}
	return hdr
}

func (s *VLSpace) decodeHeader(hdr []byte) (size int64, free bool) {
	var v uint64
	for _, b := range hdr {
		v = v<<8 | uint64(b)
	}
	freeBit := uint64(1) << uint(s.lenWidth*8-1)
	free = v&freeBit != 0
	size = int64(v &^ freeBit)
	return size, free
}

func (s *VLSpace) maxPayload() int64 {
	return int64(1)<<uint(s.lenWidth*8-1) - 1
}

func (s *VLSpace) insertBlock(b *vlBlock) {
	s.blockByOffset[b.offset] = b
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= b.offset })
	s.order = append(s.order, 0)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = b.offset
}

func (s *VLSpace) removeBlock(offset int64) {
	delete(s.blockByOffset, offset)
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= offset })
	if i < len(s.order) && s.order[i] == offset {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}

func (s *VLSpace) neighbors(offset int64) (prev, next *vlBlock) {
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= offset })
	if i > 0 {
		prev = s.blockByOffset[s.order[i-1]]
	}
	if i+1 < len(s.order) {
		next = s.blockByOffset[s.order[i+1]]
	}
	return prev, next
}

func (s *VLSpace) addToFreeList(b *vlBlock) {
	idx := bucketIndex(b.size)
	for len(s.buckets) <= idx {
		s.buckets = append(s.buckets, nil)
	}
	s.buckets[idx] = append(s.buckets[idx], b.offset)
}

func (s *VLSpace) removeFromFreeList(b *vlBlock) {
	idx := bucketIndex(b.size)
	if idx >= len(s.buckets) {
		return
	}
	bucket := s.buckets[idx]
	for i, off := range bucket {
		if off == b.offset {
			s.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (s *VLSpace) findFree(size int64) *vlBlock {
	start := bucketIndex(size)
	for b := start; b < len(s.buckets); b++ {
		var best *vlBlock
		for _, off := range s.buckets[b] {
			blk := s.blockByOffset[off]
			if blk.size >= size && (best == nil || blk.size < best.size) {
				best = blk
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// Alloc reserves a block able to hold size payload bytes and returns its
// payload offset (the first byte after the block header).
func (s *VLSpace) Alloc(size int64) (int64, error) {
	if size <= 0 {
		return 0, &ErrInvalidArg{Name: "size", Value: size}
	}
	if size > s.maxPayload() {
		return 0, &ErrCapacity{Msg: "VL payload exceeds the space's header width", Limit: s.maxPayload(), Got: size}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b := s.findFree(size); b != nil {
		s.removeFromFreeList(b)
		remaining := b.size - size
		if remaining >= int64(s.lenWidth)+minSplitSize {
			if _, err := s.f.WriteAt(s.encodeHeader(size, false), b.offset); err != nil {
				return 0, err
			}
			tailOff := b.offset + int64(s.lenWidth) + size
			tailSize := remaining - int64(s.lenWidth)
			if _, err := s.f.WriteAt(s.encodeHeader(tailSize, true), tailOff); err != nil {
				return 0, err
			}
			b.size = size
			b.free = false
			tailBlk := &vlBlock{offset: tailOff, size: tailSize, free: true}
			s.insertBlock(tailBlk)
			s.addToFreeList(tailBlk)
		} else {
			if _, err := s.f.WriteAt(s.encodeHeader(b.size, false), b.offset); err != nil {
				return 0, err
			}
			b.free = false
		}
		return b.offset + int64(s.lenWidth), nil
	}

	offset := s.tail
	end := offset + int64(s.lenWidth) + size
	if end > s.maxOffset {
		return 0, &ErrCapacity{Msg: "VL offset would exceed nobsOutrowPtr bound", Limit: s.maxOffset, Got: end}
	}
	// Write the header and a zeroed payload so the file ends at the new
	// tail even before the caller writes the payload.
	blk := append(s.encodeHeader(size, false), make([]byte, size)...)
	if _, err := s.f.WriteAt(blk, offset); err != nil {
		return 0, err
	}
	b := &vlBlock{offset: offset, size: size, free: false}
	s.insertBlock(b)
	s.tail = end
	return offset + int64(s.lenWidth), nil
}

// Read returns the payload bytes stored at payloadOffset (as returned by
// Alloc). It returns ErrCorruptSpace if the block at that offset is free.
func (s *VLSpace) Read(payloadOffset int64) ([]byte, error) {
	s.mu.Lock()
	b, ok := s.blockByOffset[payloadOffset-int64(s.lenWidth)]
	s.mu.Unlock()
	if !ok {
		return nil, &ErrInvalidArg{Name: "payloadOffset", Value: payloadOffset}
	}
	if b.free {
		return nil, &ErrCorruptSpace{Msg: fmt.Sprintf("VL block at offset %d is free", b.offset)}
	}
	buf := make([]byte, b.size)
	if _, err := s.f.ReadAt(buf, payloadOffset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write overwrites the payload at payloadOffset in place. len(payload) must
// equal the block's allocated size; Put is the length-flexible variant for
// a payload that merely fits.
func (s *VLSpace) Write(payloadOffset int64, payload []byte) error {
	s.mu.Lock()
	b, ok := s.blockByOffset[payloadOffset-int64(s.lenWidth)]
	s.mu.Unlock()
	if !ok {
		return &ErrInvalidArg{Name: "payloadOffset", Value: payloadOffset}
	}
	if int64(len(payload)) != b.size {
		return &ErrInvalidArg{Name: "payload length", Value: int64(len(payload))}
	}
	_, err := s.f.WriteAt(payload, payloadOffset)
	return err
}

// Put writes payload into the existing block at payloadOffset when it
// fits, keeping the block's offset stable. A shrinking write splits the
// surplus off as its own free block when the remainder is big enough to
// stand alone (the same minSplitSize rule Alloc's splitting uses); a
// smaller surplus is zero-filled and left as internal fragmentation, which
// is harmless because every payload encoding is self-delimiting. Put
// reports whether the write happened: a payload larger than the block
// leaves everything untouched and the caller reallocates via Free+Alloc.
func (s *VLSpace) Put(payloadOffset int64, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := payloadOffset - int64(s.lenWidth)
	b, ok := s.blockByOffset[offset]
	if !ok {
		return false, &ErrInvalidArg{Name: "payloadOffset", Value: payloadOffset}
	}
	if b.free {
		return false, &ErrCorruptSpace{Msg: fmt.Sprintf("VL block at offset %d is free", offset)}
	}
	n := int64(len(payload))
	if n <= 0 || n > b.size {
		return false, nil
	}
	if _, err := s.f.WriteAt(payload, payloadOffset); err != nil {
		return false, err
	}
	remaining := b.size - n
	if remaining >= int64(s.lenWidth)+minSplitSize {
		if _, err := s.f.WriteAt(s.encodeHeader(n, false), b.offset); err != nil {
			return false, err
		}
		tailOff := payloadOffset + n
		tailSize := remaining - int64(s.lenWidth)
		if _, err := s.f.WriteAt(s.encodeHeader(tailSize, true), tailOff); err != nil {
			return false, err
		}
		b.size = n
		tailBlk := &vlBlock{offset: tailOff, size: tailSize, free: true}
		s.insertBlock(tailBlk)
		s.addToFreeList(tailBlk)
	} else if remaining > 0 {
		if _, err := s.f.WriteAt(make([]byte, remaining), payloadOffset+n); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Size reports the payload size of the block at payloadOffset.
func (s *VLSpace) Size(payloadOffset int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blockByOffset[payloadOffset-int64(s.lenWidth)]
	if !ok {
		return 0, &ErrInvalidArg{Name: "payloadOffset", Value: payloadOffset}
	}
	return b.size, nil
}

// Free releases the block at payloadOffset, coalescing with any
// immediately adjacent free neighbours (the isolated / right-join /
// left-join / middle-join case split) and, if the resulting
// free block now reaches the end of file, punching a hole and truncating
// instead of leaving a dangling free block.
func (s *VLSpace) Free(payloadOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := payloadOffset - int64(s.lenWidth)
	b, ok := s.blockByOffset[offset]
	if !ok {
		return &ErrInvalidArg{Name: "payloadOffset", Value: payloadOffset}
	}
	if b.free {
		return &ErrInvalidArg{Name: "payloadOffset (already free)", Value: payloadOffset}
	}

	prev, next := s.neighbors(b.offset)
	b.free = true

	// right-join: merge b with an immediately following free block.
	if next != nil && next.free && b.end(s.lenWidth) == next.offset {
		s.removeFromFreeList(next)
		s.removeBlock(next.offset)
		b.size = b.size + int64(s.lenWidth) + next.size
	}

	// left-join: merge the (possibly already right-joined) b into prev.
	if prev != nil && prev.free && prev.end(s.lenWidth) == b.offset {
		s.removeFromFreeList(prev)
		s.removeBlock(b.offset)
		prev.size = prev.size + int64(s.lenWidth) + b.size
		b = prev
	}

	if b.end(s.lenWidth) == s.tail {
		s.removeBlock(b.offset)
		if err := s.f.PunchHole(b.offset, s.tail-b.offset); err != nil {
			return err
		}
		if err := s.f.Truncate(b.offset); err != nil {
			return err
		}
		s.tail = b.offset
		return nil
	}

	if _, err := s.f.WriteAt(s.encodeHeader(b.size, true), b.offset); err != nil {
		return err
	}
	s.addToFreeList(b)
	return nil
}

// Reset discards every block and truncates the file to empty, used by
// Truncate-table and by compaction's rebuild-from-scratch strategy.
func (s *VLSpace) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	s.order = s.order[:0]
	s.blockByOffset = make(map[int64]*vlBlock)
	s.buckets = nil
	s.tail = 0
	return nil
}

// Tail reports the current one-past-the-end file offset.
func (s *VLSpace) Tail() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

// Rescan rebuilds the block index and size-bucketed free list from the
// file's current contents, mirroring FLSpace.Rescan for the same reason: a
// rollback or recorder replay rewrites block bytes directly and must bring
// this cache back in step afterward.
func (s *VLSpace) Rescan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescan()
}

// FreeBytes sums the payload size of every free block, for diagnostics and
// for the "zero unused VL blocks" precondition of compactVL's idempotence
// law.
func (s *VLSpace) FreeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, b := range s.blockByOffset {
		if b.free {
			total += b.size
		}
	}
	return total
}
