// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recorder implements the before-image write-ahead log: the single
// append-only file that lets a broken Unit or Database be rolled back to
// its last consistent state.
package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// FileKind distinguishes which of a table's two backing files a Record's
// pre-image was captured from.
type FileKind uint8

const (
	KindFL FileKind = iota
	KindVL
)

func (k FileKind) String() string {
	if k == KindVL {
		return "vl"
	}
	return "fl"
}

// Record is one before-image: the bytes that occupied [Offset, Offset+
// len(PreImage)) in table TableID's FL or VL file immediately before Unit
// UnitID overwrote them. Replaying a Record means writing PreImage back to
// that exact location, undoing the write.
type Record struct {
	UnitID   uint64
	Kind     FileKind
	TableID  uint32
	Offset   int64
	PreImage []byte
}

// Wire format. The CRC trails rather than leads so a writer can stream
// the payload before it knows how much of it validates:
//
//	[unit-id: 8][kind: 1][table-id: 4][offset: 8][length: 4][pre-image: length][crc32: 4]
const headerSize = 8 + 1 + 4 + 8 + 4
const crcSize = 4

// DurabilityMode selects whether Append fsyncs before returning.
type DurabilityMode int

const (
	// ForceWriteOff batches fsync calls; Append returns once the record
	// reaches the OS page cache.
	ForceWriteOff DurabilityMode = iota
	// ForceWriteOn fsyncs after every Append; selected by the
	// forceWriteCommit layout key.
	ForceWriteOn
)

// Recorder owns the single append-only before-image log file.
type Recorder struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	off   int64
	mode  DurabilityMode
	dirty bool
}

// Open opens or creates the recorder file at path.
func Open(path string, mode DurabilityMode) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &ErrDurability{Msg: "opening recorder file", Cause: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &ErrDurability{Msg: "statting recorder file", Cause: err}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, &ErrDurability{Msg: "seeking recorder file", Cause: err}
	}
	return &Recorder{f: f, w: bufio.NewWriter(f), off: fi.Size(), mode: mode}, nil
}

// Append writes rec to the end of the log. It returns the log offset the
// record starts at (a valid argument for TruncateTo); Units do not use it,
// since they keep their own records in memory.
func (r *Recorder) Append(rec Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := encode(rec)
	start := r.off
	if _, err := r.w.Write(buf); err != nil {
		return 0, &ErrDurability{Msg: "appending record", Cause: err}
	}
	r.off += int64(len(buf))
	r.dirty = true
	if r.mode == ForceWriteOn {
		if err := r.flushLocked(); err != nil {
			return 0, err
		}
	} else if err := r.w.Flush(); err != nil {
		return 0, &ErrDurability{Msg: "flushing recorder file", Cause: err}
	}
	return start, nil
}

// Sync flushes buffered writes and fsyncs the recorder file. It is
// idempotent: calling it with no intervening Append is a no-op.
func (r *Recorder) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	if !r.dirty {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		return &ErrDurability{Msg: "flushing recorder file", Cause: err}
	}
	if err := r.f.Sync(); err != nil {
		return &ErrDurability{Msg: "fsyncing recorder file", Cause: err}
	}
	r.dirty = false
	return nil
}

// Offset reports the current end of the log.
func (r *Recorder) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.off
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

// TruncateTo discards everything in the log beyond offset. Called
// opportunistically at full quiescence (no open units) once every record
// at or before offset has been durably applied to the table files.
func (r *Recorder) TruncateTo(offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(); err != nil {
		return err
	}
	if err := r.f.Truncate(offset); err != nil {
		return &ErrDurability{Msg: "truncating recorder file", Cause: err}
	}
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return &ErrDurability{Msg: "seeking recorder file after truncate", Cause: err}
	}
	r.off = offset
	r.w.Reset(r.f)
	return nil
}

func encode(rec Record) []byte {
	buf := make([]byte, headerSize+len(rec.PreImage)+crcSize)
	binary.BigEndian.PutUint64(buf[0:8], rec.UnitID)
	buf[8] = byte(rec.Kind)
	binary.BigEndian.PutUint32(buf[9:13], rec.TableID)
	binary.BigEndian.PutUint64(buf[13:21], uint64(rec.Offset))
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(rec.PreImage)))
	copy(buf[headerSize:], rec.PreImage)
	crc := crc32.ChecksumIEEE(buf[:headerSize+len(rec.PreImage)])
	binary.BigEndian.PutUint32(buf[headerSize+len(rec.PreImage):], crc)
	return buf
}

// Replay reads every valid record from the start of the log and calls fn
// with each in append order, oldest first. A torn tail -- a record cut short
// by the physical end of file, or a final record whose CRC does not match --
// is silently discarded (an interrupted Append that never completed its
// fsync); a CRC mismatch on a record that more bytes follow means the log
// is corrupt, and Replay returns ErrTornLog.
func (r *Recorder) Replay(fn func(Record) error) error {
	r.mu.Lock()
	if err := r.flushLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	fi, err := r.f.Stat()
	if err != nil {
		return &ErrDurability{Msg: "statting recorder file for replay", Cause: err}
	}
	size := fi.Size()

	var off int64
	hdr := make([]byte, headerSize)
	for off < size {
		if size-off < headerSize {
			return nil // torn tail: not even a full header
		}
		if _, err := r.f.ReadAt(hdr, off); err != nil {
			return &ErrDurability{Msg: "reading recorder header", Cause: err}
		}
		plen := binary.BigEndian.Uint32(hdr[21:25])
		total := int64(headerSize) + int64(plen) + crcSize
		if off+total > size {
			return nil // torn tail: declared length overruns file size
		}
		body := make([]byte, total)
		if _, err := r.f.ReadAt(body, off); err != nil {
			return &ErrDurability{Msg: "reading recorder record", Cause: err}
		}
		wantCRC := binary.BigEndian.Uint32(body[headerSize+int(plen):])
		gotCRC := crc32.ChecksumIEEE(body[:headerSize+int(plen)])
		if wantCRC != gotCRC {
			if off+total == size {
				return nil // torn tail: last record's CRC never finished writing
			}
			return &ErrTornLog{Offset: off}
		}
		rec := Record{
			UnitID:   binary.BigEndian.Uint64(body[0:8]),
			Kind:     FileKind(body[8]),
			TableID:  binary.BigEndian.Uint32(body[9:13]),
			Offset:   int64(binary.BigEndian.Uint64(body[13:21])),
			PreImage: append([]byte(nil), body[headerSize:headerSize+int(plen)]...),
		}
		if err := fn(rec); err != nil {
			return err
		}
		off += total
	}
	return nil
}

// ErrDurability reports that an I/O operation against the recorder file
// failed: open, write, fsync, truncate.
type ErrDurability struct {
	Msg   string
	Cause error
}

func (e *ErrDurability) Error() string {
	return fmt.Sprintf("recorder: %s: %v", e.Msg, e.Cause)
}

func (e *ErrDurability) Unwrap() error { return e.Cause }

// ErrTornLog reports a corrupt record found anywhere but the true end of
// the recorder file: unlike a torn tail (an interrupted last Append, safe
// to discard) this means the log was damaged after being fully written,
// which leaves the database broken.
type ErrTornLog struct {
	Offset int64
}

func (e *ErrTornLog) Error() string {
	return fmt.Sprintf("recorder: corrupt record at offset %d, not at end of file", e.Offset)
}
