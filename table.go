// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cznic/acdp/codec"
	"github.com/cznic/acdp/fsm"
	"github.com/cznic/acdp/recorder"
)

// Table composes a codec.Registry-resolved column set with its own FLSpace
// (and, if any column is Outrow, VLSpace): one table store is one FL file
// plus an optional VL file.
type Table struct {
	db  *Database
	def TableDef
	id  uint32

	columns []codec.Column

	colOffset        []int
	colWidth         []int
	nullBitIndex     []int // -1 for a non-nullable column
	nullBitmapOffset int
	nullBitmapBytes  int
	refCountWidth    int
	payloadSize      int

	fl      *fsm.FLSpace
	vl      *fsm.VLSpace
	flFiler *recordingFiler
	vlFiler *recordingFiler
}

// Row is a decoded view of one table row, in column-declaration order.
type Row struct {
	Values []codec.Value
}

// Value returns the value of the named column, or the zero Value and false
// if name does not name a column of the row's table.
func (r Row) Value(t *Table, name string) (codec.Value, bool) {
	for i, c := range t.columns {
		if c.Name == name {
			return r.Values[i], true
		}
	}
	return codec.Value{}, false
}

func (db *Database) openTable(td TableDef, id uint32) (*Table, error) {
	t := &Table{db: db, def: td, id: id}
	for _, cd := range td.Columns {
		t.columns = append(t.columns, resolvedColumn(cd, td.NobsRowRef))
	}
	t.layoutRow(db.registry)

	flFiler, err := db.openFiler(td.FLDataFile, id, recorder.KindFL)
	if err != nil {
		return nil, err
	}
	t.flFiler = flFiler
	t.fl, err = fsm.Open(flFiler, t.payloadSize, td.NobsRowRef)
	if err != nil {
		flFiler.Close()
		return nil, err
	}

	if td.VLDataFile != "" {
		vlFiler, err := db.openFiler(td.VLDataFile, id, recorder.KindVL)
		if err != nil {
			return nil, err
		}
		t.vlFiler = vlFiler
		const vlLenWidth = 8
		t.vl, err = fsm.OpenVL(vlFiler, vlLenWidth, td.NobsOutrowPtr)
		if err != nil {
			vlFiler.Close()
			return nil, err
		}
	}
	return t, nil
}

// openFiler builds the Filer stack for one table file: a raw OSFiler,
// optionally an encryptingFiler, and always the outermost recordingFiler --
// so every FLSpace/VLSpace bookkeeping write is captured for rollback
// exactly like a row payload write, and captured pre-images are always
// plaintext (encrypt/decrypt happens one layer further in).
func (db *Database) openFiler(name string, tableID uint32, kind recorder.FileKind) (*recordingFiler, error) {
	f, err := os.OpenFile(filepath.Join(db.dir, name), os.O_RDWR, 0o644)
	if err != nil {
		return nil, &DurabilityError{Msg: "opening table file", Cause: err}
	}
	raw, err := fsm.NewOSFiler(f)
	if err != nil {
		f.Close()
		return nil, &DurabilityError{Msg: "statting table file", Cause: err}
	}
	var inner fsm.Filer = raw
	if db.cipherFactory != nil {
		c, err := db.newFileCipher(tableID, kind)
		if err != nil {
			f.Close()
			return nil, err
		}
		inner = &encryptingFiler{Filer: raw, c: c}
	}
	return &recordingFiler{Filer: inner, tableID: tableID, kind: kind, sink: db.activeRecordSink}, nil
}

// layoutRow computes the fixed physical layout of one FL slot payload:
// [refcount][null-bitmap][column sections...].
// A column's section is its pointer width (NobsOutrowPtr bytes) if Outrow,
// or its codec's MaxLen if Inrow.
func (t *Table) layoutRow(registry *codec.Registry) {
	off := t.def.NobsRefCount
	t.refCountWidth = t.def.NobsRefCount

	t.nullBitIndex = make([]int, len(t.columns))
	nullable := 0
	for i, c := range t.columns {
		if c.Nullable {
			t.nullBitIndex[i] = nullable
			nullable++
		} else {
			t.nullBitIndex[i] = -1
		}
	}
	t.nullBitmapOffset = off
	t.nullBitmapBytes = (nullable + 7) / 8
	off += t.nullBitmapBytes

	t.colOffset = make([]int, len(t.columns))
	t.colWidth = make([]int, len(t.columns))
	for i, c := range t.columns {
		t.colOffset[i] = off
		var w int
		if c.Storage == codec.Outrow {
			w = t.def.NobsOutrowPtr
		} else {
			w = registry.MaxLen(&c)
		}
		t.colWidth[i] = w
		off += w
	}
	t.payloadSize = off
}

func (t *Table) isNull(payload []byte, colIdx int) bool {
	bit := t.nullBitIndex[colIdx]
	if bit < 0 {
		return false
	}
	byteOff := t.nullBitmapOffset + bit/8
	return payload[byteOff]&(1<<uint(bit%8)) != 0
}

func (t *Table) setNull(payload []byte, colIdx int, null bool) {
	bit := t.nullBitIndex[colIdx]
	if bit < 0 {
		return
	}
	byteOff := t.nullBitmapOffset + bit/8
	mask := byte(1 << uint(bit%8))
	if null {
		payload[byteOff] |= mask
	} else {
		payload[byteOff] &^= mask
	}
}

func extractRefcount(payload []byte, width int) int64 {
	if width == 0 {
		return 0
	}
	return int64(getUintN(payload[:width]))
}

func putUintN(dst []byte, v uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func getUintN(src []byte) uint64 {
	var v uint64
	for _, b := range src {
		v = v<<8 | uint64(b)
	}
	return v
}

func maxForWidth(width int) int64 {
	if width >= 8 {
		return 1<<63 - 1
	}
	return int64(1) << uint(8*width)
}

// buildPayload encodes values into a fresh FL slot payload, carrying
// forward refcount unchanged (0 for a brand new row). Outrow column values
// are allocated fresh VL blocks as a side effect.
func (t *Table) buildPayload(values []codec.Value, refcount int64) ([]byte, error) {
	if len(values) != len(t.columns) {
		return nil, &UsageError{Msg: "value count does not match column count", Arg: len(values)}
	}
	payload := make([]byte, t.payloadSize)
	if t.refCountWidth > 0 {
		putUintN(payload[:t.refCountWidth], uint64(refcount))
	}
	for i := range t.columns {
		col := &t.columns[i]
		v := values[i]
		if v.IsNull() {
			if !col.Nullable {
				return nil, &UsageError{Msg: fmt.Sprintf("column %q is not nullable", col.Name)}
			}
			t.setNull(payload, i, true)
			continue
		}
		t.setNull(payload, i, false)
		enc, err := t.db.registry.Encode(col, v, nil)
		if err != nil {
			return nil, err
		}
		off, w := t.colOffset[i], t.colWidth[i]
		if col.Storage == codec.Outrow {
			ptr, err := t.vl.Alloc(int64(len(enc)))
			if err != nil {
				return nil, translateCapacity(err)
			}
			if err := t.vl.Write(ptr, enc); err != nil {
				return nil, err
			}
			putUintN(payload[off:off+w], uint64(ptr))
		} else {
			if len(enc) > w {
				return nil, &CapacityError{Msg: fmt.Sprintf("column %q encoded value exceeds its slot width", col.Name), Limit: int64(w), Got: int64(len(enc))}
			}
			copy(payload[off:off+w], enc)
		}
	}
	return payload, nil
}

// rebuildPayload re-encodes values over an existing row's payload. Unlike
// buildPayload it knows the row's previous state, so each outrow column
// reuses its current VL block whenever the new encoding fits (VLSpace.Put),
// frees it when the new value is null, and only reallocates when the value
// grew past the block's size.
func (t *Table) rebuildPayload(oldPayload []byte, values []codec.Value, refcount int64) ([]byte, error) {
	if len(values) != len(t.columns) {
		return nil, &UsageError{Msg: "value count does not match column count", Arg: len(values)}
	}
	payload := make([]byte, t.payloadSize)
	if t.refCountWidth > 0 {
		putUintN(payload[:t.refCountWidth], uint64(refcount))
	}
	for i := range t.columns {
		col := &t.columns[i]
		v := values[i]
		off, w := t.colOffset[i], t.colWidth[i]
		oldNull := t.isNull(oldPayload, i)
		var oldPtr int64
		if col.Storage == codec.Outrow && !oldNull {
			oldPtr = int64(getUintN(oldPayload[off : off+w]))
		}
		if v.IsNull() {
			if !col.Nullable {
				return nil, &UsageError{Msg: fmt.Sprintf("column %q is not nullable", col.Name)}
			}
			t.setNull(payload, i, true)
			if col.Storage == codec.Outrow && !oldNull {
				if err := t.vl.Free(oldPtr); err != nil {
					return nil, err
				}
			}
			continue
		}
		t.setNull(payload, i, false)
		enc, err := t.db.registry.Encode(col, v, nil)
		if err != nil {
			return nil, err
		}
		if col.Storage == codec.Outrow {
			ptr := int64(-1)
			if !oldNull {
				ok, err := t.vl.Put(oldPtr, enc)
				if err != nil {
					return nil, err
				}
				if ok {
					ptr = oldPtr
				} else if err := t.vl.Free(oldPtr); err != nil {
					return nil, err
				}
			}
			if ptr < 0 {
				ptr, err = t.vl.Alloc(int64(len(enc)))
				if err != nil {
					return nil, translateCapacity(err)
				}
				if err := t.vl.Write(ptr, enc); err != nil {
					return nil, err
				}
			}
			putUintN(payload[off:off+w], uint64(ptr))
		} else {
			if len(enc) > w {
				return nil, &CapacityError{Msg: fmt.Sprintf("column %q encoded value exceeds its slot width", col.Name), Limit: int64(w), Got: int64(len(enc))}
			}
			copy(payload[off:off+w], enc)
		}
	}
	return payload, nil
}

func (t *Table) decodeRow(payload []byte) ([]codec.Value, error) {
	values := make([]codec.Value, len(t.columns))
	for i := range t.columns {
		col := &t.columns[i]
		if t.isNull(payload, i) {
			values[i] = codec.Null(col.Kind)
			continue
		}
		off, w := t.colOffset[i], t.colWidth[i]
		var src []byte
		if col.Storage == codec.Outrow {
			ptr := int64(getUintN(payload[off : off+w]))
			b, err := t.vl.Read(ptr)
			if err != nil {
				return nil, err
			}
			src = b
		} else {
			src = payload[off : off+w]
		}
		v, _, err := t.db.registry.Decode(col, src)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// freeOutrowColumns releases every non-null Outrow column's VL block.
func (t *Table) freeOutrowColumns(payload []byte) error {
	for i := range t.columns {
		col := &t.columns[i]
		if col.Storage != codec.Outrow || t.isNull(payload, i) {
			continue
		}
		off, w := t.colOffset[i], t.colWidth[i]
		ptr := int64(getUintN(payload[off : off+w]))
		if err := t.vl.Free(ptr); err != nil {
			return err
		}
	}
	return nil
}

// validateRefs checks every non-null Ref/RefArray value in values refers
// to a live (non-gap, in-range) row.
func (t *Table) validateRefs(values []codec.Value) error {
	for i := range t.columns {
		col := &t.columns[i]
		v := values[i]
		if v.IsNull() {
			continue
		}
		switch col.Kind {
		case codec.KindRef:
			if err := t.db.checkRefLive(col.RefdTable, v.RefVal()); err != nil {
				return err
			}
		case codec.KindRefArray:
			for _, r := range v.Refs() {
				if err := t.db.checkRefLive(col.RefdTable, r); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (db *Database) checkRefLive(tableName string, ref int64) error {
	refd, ok := db.tables[tableName]
	if !ok {
		return &UsageError{Msg: "reference to unknown table", Arg: tableName}
	}
	if ref < 1 || ref > refd.fl.High() {
		return &ReferenceError{Table: tableName, Ref: ref}
	}
	gap, err := refd.fl.IsGap(ref)
	if err != nil {
		return err
	}
	if gap {
		return &ReferenceError{Table: tableName, Ref: ref, RowGap: true}
	}
	return nil
}

// applyRefDeltas adjusts the refcount of every row referenced by values by
// delta (+1 on insert/update-in, -1 on delete/update-out).
func (t *Table) applyRefDeltas(values []codec.Value, delta int) error {
	for i := range t.columns {
		col := &t.columns[i]
		v := values[i]
		if v.IsNull() {
			continue
		}
		switch col.Kind {
		case codec.KindRef:
			if err := t.db.tables[col.RefdTable].incRefCount(v.RefVal(), delta); err != nil {
				return err
			}
		case codec.KindRefArray:
			for _, r := range v.Refs() {
				if err := t.db.tables[col.RefdTable].incRefCount(r, delta); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (t *Table) incRefCount(slot int64, delta int) error {
	payload, err := t.fl.Get(slot)
	if err != nil {
		return err
	}
	cur := extractRefcount(payload, t.refCountWidth)
	next := cur + int64(delta)
	if next < 0 || next >= maxForWidth(t.refCountWidth) {
		return &CapacityError{Msg: fmt.Sprintf("table %q: row %d refcount out of range", t.def.Name, slot), Limit: maxForWidth(t.refCountWidth), Got: next}
	}
	putUintN(payload[:t.refCountWidth], uint64(next))
	return t.fl.Put(slot, payload)
}

// Insert adds a new row and returns its Ref. u is the active Unit, or nil
// for a kamikaze write.
func (t *Table) Insert(u *Unit, values []codec.Value) (Ref, error) {
	if err := t.validateRefs(values); err != nil {
		return NoRef, err
	}
	var ref Ref
	err := t.db.withWriter(u, func() error {
		payload, err := t.buildPayload(values, 0)
		if err != nil {
			return err
		}
		slot, err := t.fl.Alloc()
		if err != nil {
			return translateCapacity(err)
		}
		if err := t.fl.Put(slot, payload); err != nil {
			return err
		}
		if err := t.applyRefDeltas(values, +1); err != nil {
			return err
		}
		ref = Ref(slot)
		return nil
	})
	return ref, err
}

// Delete removes the row at ref. It fails with a ConstraintError if the row
// is still referenced by another row (refcount != 0).
func (t *Table) Delete(u *Unit, ref Ref) error {
	return t.db.withWriter(u, func() error {
		payload, err := t.fl.Get(int64(ref))
		if err != nil {
			return t.translateFLErr(ref, err)
		}
		if rc := extractRefcount(payload, t.refCountWidth); rc != 0 {
			return &ConstraintError{Msg: fmt.Sprintf("table %q: row %d is still referenced (refcount %d)", t.def.Name, ref, rc)}
		}
		values, err := t.decodeRow(payload)
		if err != nil {
			return err
		}
		if err := t.freeOutrowColumns(payload); err != nil {
			return err
		}
		if err := t.applyRefDeltas(values, -1); err != nil {
			return err
		}
		return t.fl.Free(int64(ref))
	})
}

// Update replaces the row at ref with values in place, preserving its
// refcount and adjusting the refcounts of every row the old and new values
// reference. An outrow value whose new encoding fits within the column's
// existing VL block is written into that block without reallocation, so
// its pointer stays put; only a growing value frees the old block and
// allocates a new one.
func (t *Table) Update(u *Unit, ref Ref, values []codec.Value) error {
	if err := t.validateRefs(values); err != nil {
		return err
	}
	return t.db.withWriter(u, func() error {
		oldPayload, err := t.fl.Get(int64(ref))
		if err != nil {
			return t.translateFLErr(ref, err)
		}
		oldValues, err := t.decodeRow(oldPayload)
		if err != nil {
			return err
		}
		refcount := extractRefcount(oldPayload, t.refCountWidth)
		newPayload, err := t.rebuildPayload(oldPayload, values, refcount)
		if err != nil {
			return err
		}
		if err := t.applyRefDeltas(oldValues, -1); err != nil {
			return err
		}
		if err := t.applyRefDeltas(values, +1); err != nil {
			return err
		}
		return t.fl.Put(int64(ref), newPayload)
	})
}

func (t *Table) translateFLErr(ref Ref, err error) error {
	if _, ok := err.(*fsm.ErrGap); ok {
		return &ReferenceError{Table: t.def.Name, Ref: int64(ref), RowGap: true}
	}
	return &ReferenceError{Table: t.def.Name, Ref: int64(ref)}
}

// translateCapacity surfaces an fsm.ErrCapacity (an FL slot index, VL
// offset, or VL payload size exceeding its declared byte-width bound) as
// the root package's own CapacityError: callers should never need to
// import fsm to recognise a capacity failure.
func translateCapacity(err error) error {
	if ce, ok := err.(*fsm.ErrCapacity); ok {
		return &CapacityError{Msg: ce.Msg, Limit: ce.Limit, Got: ce.Got}
	}
	return err
}

// Get returns the row at ref.
func (t *Table) Get(ref Ref) (Row, error) {
	release, err := t.db.sync.AcquireReadZone(new(ownerToken))
	if err != nil {
		return Row{}, translateSyncErr(err)
	}
	defer release()
	payload, err := t.fl.Get(int64(ref))
	if err != nil {
		return Row{}, t.translateFLErr(ref, err)
	}
	values, err := t.decodeRow(payload)
	if err != nil {
		return Row{}, err
	}
	return Row{Values: values}, nil
}

// NumberOfRows returns the count of live rows: allocated FL slots minus
// row gaps.
func (t *Table) NumberOfRows() (int64, error) {
	release, err := t.db.sync.AcquireReadZone(new(ownerToken))
	if err != nil {
		return 0, translateSyncErr(err)
	}
	defer release()
	return t.fl.High() - int64(t.fl.GapCount()), nil
}

// UpdateAllFunc supplies a complete replacement value set for one row, or
// returns changed == false to leave the row untouched.
type UpdateAllFunc func(ref Ref, old Row) (changed bool, values []codec.Value, err error)

// UpdateAll applies fn to every live row in table order, inside a single
// writer admission. The whole pass runs as one implicit write scope: if u
// is nil a fresh Unit is
// opened and committed (or rolled back on error) around the entire scan,
// rather than one kamikaze write per row.
func (t *Table) UpdateAll(u *Unit, fn UpdateAllFunc) error {
	if u != nil {
		return t.updateAllIn(u, fn)
	}
	nested, err := t.db.Begin(context.Background())
	if err != nil {
		return err
	}
	defer nested.Close()
	if err := t.updateAllIn(nested, fn); err != nil {
		return err
	}
	return nested.Commit()
}

// UpdateAllSupplyValues is UpdateAll under the name callers supplying a
// whole replacement row tend to look for.
func (t *Table) UpdateAllSupplyValues(u *Unit, fn UpdateAllFunc) error { return t.UpdateAll(u, fn) }

// UpdateAllChangeValues is the "mutate in place" flavour: fn receives and
// may return the same Row it was given, and reports changed explicitly so
// an unmodified row costs no VL reallocation or refcount churn.
func (t *Table) UpdateAllChangeValues(u *Unit, fn UpdateAllFunc) error { return t.UpdateAll(u, fn) }

func (t *Table) updateAllIn(u *Unit, fn UpdateAllFunc) error {
	high := t.fl.High()
	for slot := int64(1); slot <= high; slot++ {
		gap, err := t.fl.IsGap(slot)
		if err != nil {
			return err
		}
		if gap {
			continue
		}
		// Read through the FL space directly: t.Get would ask for a read
		// zone under a fresh owner and wait behind u's own writer role.
		payload, err := t.fl.Get(slot)
		if err != nil {
			return err
		}
		values, err := t.decodeRow(payload)
		if err != nil {
			return err
		}
		changed, newValues, err := fn(Ref(slot), Row{Values: values})
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if err := t.Update(u, Ref(slot), newValues); err != nil {
			return err
		}
	}
	return nil
}

// Truncate removes every row in the table. It fails with a ConstraintError
// if any row is still referenced from elsewhere.
func (t *Table) Truncate(u *Unit) error {
	return t.db.withWriter(u, func() error {
		high := t.fl.High()
		if t.refCountWidth > 0 {
			for slot := int64(1); slot <= high; slot++ {
				gap, err := t.fl.IsGap(slot)
				if err != nil {
					return err
				}
				if gap {
					continue
				}
				payload, err := t.fl.Get(slot)
				if err != nil {
					return err
				}
				if rc := extractRefcount(payload, t.refCountWidth); rc != 0 {
					return &ConstraintError{Msg: fmt.Sprintf("table %q: cannot truncate, row %d is still referenced", t.def.Name, slot)}
				}
			}
		}
		for slot := int64(1); slot <= high; slot++ {
			gap, err := t.fl.IsGap(slot)
			if err != nil {
				return err
			}
			if gap {
				continue
			}
			payload, err := t.fl.Get(slot)
			if err != nil {
				return err
			}
			values, err := t.decodeRow(payload)
			if err != nil {
				return err
			}
			if err := t.applyRefDeltas(values, -1); err != nil {
				return err
			}
		}
		if err := t.fl.Truncate(0); err != nil {
			return err
		}
		if t.vl != nil {
			if err := t.vl.Reset(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Iterator walks a table's live rows in increasing Ref order. It holds no
// lock between Next calls: each call acquires a fresh read zone only for
// the single row it fetches. Callers who need a consistent view across
// the whole walk wrap the iteration in their own ReadZone.
type Iterator struct {
	t    *Table
	next int64
	high int64
}

// Iterator returns an Iterator starting at the table's first row.
func (t *Table) Iterator() *Iterator { return t.IteratorFrom(NoRef) }

// IteratorFrom returns an Iterator that yields rows with Ref > after.
func (t *Table) IteratorFrom(after Ref) *Iterator {
	return &Iterator{t: t, next: int64(after) + 1, high: t.fl.High()}
}

// Next returns the next live row, or ok == false once the iterator is
// exhausted.
func (it *Iterator) Next() (ref Ref, row Row, ok bool, err error) {
	for it.next <= it.high {
		slot := it.next
		it.next++
		release, err := it.t.db.sync.AcquireReadZone(new(ownerToken))
		if err != nil {
			return NoRef, Row{}, false, translateSyncErr(err)
		}
		gap, gerr := it.t.fl.IsGap(slot)
		if gerr != nil {
			release()
			return NoRef, Row{}, false, gerr
		}
		if gap {
			release()
			continue
		}
		payload, gerr := it.t.fl.Get(slot)
		release()
		if gerr != nil {
			continue // became a gap racing with a concurrent delete
		}
		values, derr := it.t.decodeRow(payload)
		if derr != nil {
			return NoRef, Row{}, false, derr
		}
		return Ref(slot), Row{Values: values}, true, nil
	}
	return NoRef, Row{}, false, nil
}

// CompactVL rewrites the table's VL file with every free block squeezed
// out, relocating every live outrow value and fixing up its FL row's inline
// pointer. It excludes every other operation on the database for its
// duration.
func (t *Table) CompactVL() error {
	if t.vl == nil {
		return nil
	}
	if err := t.db.checkWritable(); err != nil {
		return err
	}
	release, err := t.db.sync.AcquireServiceL2L3()
	if err != nil {
		return translateSyncErr(err)
	}
	defer release()

	// Nothing to reclaim: leave both files untouched rather than
	// rewriting the VL file into slot order for no space gain.
	if t.vl.FreeBytes() == 0 {
		return nil
	}

	type reloc struct {
		slot    int64
		colIdx  int
		payload []byte
	}
	var relocs []reloc
	high := t.fl.High()
	for slot := int64(1); slot <= high; slot++ {
		gap, err := t.fl.IsGap(slot)
		if err != nil {
			return err
		}
		if gap {
			continue
		}
		payload, err := t.fl.Get(slot)
		if err != nil {
			return err
		}
		for i := range t.columns {
			if t.columns[i].Storage != codec.Outrow || t.isNull(payload, i) {
				continue
			}
			relocs = append(relocs, reloc{slot: slot, colIdx: i, payload: payload})
		}
	}

	type saved struct {
		slot, colIdx int
		bytes        []byte
	}
	var data []saved
	for _, r := range relocs {
		off, w := t.colOffset[r.colIdx], t.colWidth[r.colIdx]
		ptr := int64(getUintN(r.payload[off : off+w]))
		b, err := t.vl.Read(ptr)
		if err != nil {
			return err
		}
		data = append(data, saved{slot: int(r.slot), colIdx: r.colIdx, bytes: b})
	}

	if err := t.vl.Reset(); err != nil {
		return err
	}

	touched := make(map[int64][]byte)
	for _, d := range data {
		ptr, err := t.vl.Alloc(int64(len(d.bytes)))
		if err != nil {
			return translateCapacity(err)
		}
		if err := t.vl.Write(ptr, d.bytes); err != nil {
			return err
		}
		payload, ok := touched[int64(d.slot)]
		if !ok {
			payload, err = t.fl.Get(int64(d.slot))
			if err != nil {
				return err
			}
		}
		off, w := t.colOffset[d.colIdx], t.colWidth[d.colIdx]
		putUintN(payload[off:off+w], uint64(ptr))
		touched[int64(d.slot)] = payload
	}
	for slot, payload := range touched {
		if err := t.fl.Put(slot, payload); err != nil {
			return err
		}
	}
	t.db.logf("compactVL: table=%q relocated=%d", t.def.Name, len(data))
	return nil
}

// CompactFL squeezes out every gap below the table's high-water mark,
// relocating live rows down into the freed slots, and rewrites every
// inbound Ref/RefArray value, in every table of the database (this one
// included), that pointed at a moved row. It excludes every other operation on the database for its duration.
func (t *Table) CompactFL() error {
	if err := t.db.checkWritable(); err != nil {
		return err
	}
	release, err := t.db.sync.AcquireServiceL2L3()
	if err != nil {
		return translateSyncErr(err)
	}
	defer release()

	moves, newHigh, err := t.fl.CompactMap()
	if err != nil {
		return err
	}
	if len(moves) == 0 {
		return nil
	}
	relocation := make(map[int64]int64, len(moves))
	for _, m := range moves {
		relocation[m.From] = m.To
	}

	for _, other := range t.db.tables {
		if err := other.rewriteInboundRefs(t.def.Name, relocation); err != nil {
			return err
		}
	}

	for _, m := range moves {
		payload, err := t.fl.Get(m.From)
		if err != nil {
			return err
		}
		if err := t.fl.Put(m.To, payload); err != nil {
			return err
		}
	}
	if err := t.fl.Truncate(newHigh); err != nil {
		return err
	}
	t.db.logf("compactFL: table=%q moved=%d newHigh=%d", t.def.Name, len(moves), newHigh)
	return nil
}

// rewriteInboundRefs scans every row of t for a Ref/RefArray column
// pointing at targetTable and rewrites any value found in relocation.
func (t *Table) rewriteInboundRefs(targetTable string, relocation map[int64]int64) error {
	hasRef := false
	for _, c := range t.columns {
		if (c.Kind == codec.KindRef || c.Kind == codec.KindRefArray) && c.RefdTable == targetTable {
			hasRef = true
			break
		}
	}
	if !hasRef {
		return nil
	}
	high := t.fl.High()
	for slot := int64(1); slot <= high; slot++ {
		gap, err := t.fl.IsGap(slot)
		if err != nil {
			return err
		}
		if gap {
			continue
		}
		payload, err := t.fl.Get(slot)
		if err != nil {
			return err
		}
		dirty := false
		for i := range t.columns {
			col := &t.columns[i]
			if col.RefdTable != targetTable || t.isNull(payload, i) {
				continue
			}
			var section []byte
			var vlPtr int64
			if col.Storage == codec.Outrow {
				off, w := t.colOffset[i], t.colWidth[i]
				vlPtr = int64(getUintN(payload[off : off+w]))
				b, err := t.vl.Read(vlPtr)
				if err != nil {
					return err
				}
				section = b
			} else {
				off, w := t.colOffset[i], t.colWidth[i]
				section = payload[off : off+w]
			}
			changed := false
			switch col.Kind {
			case codec.KindRef:
				old := int64(getUintN(section))
				if to, ok := relocation[old]; ok {
					putUintN(section, uint64(to))
					changed = true
				}
			case codec.KindRefArray:
				// 4-byte count, then RefWidth-byte refs, per refArrayCodec.
				n := int(getUintN(section[:4]))
				base := 4
				for e := 0; e < n; e++ {
					s := base + e*col.RefWidth
					old := int64(getUintN(section[s : s+col.RefWidth]))
					if to, ok := relocation[old]; ok {
						putUintN(section[s:s+col.RefWidth], uint64(to))
						changed = true
					}
				}
			}
			if changed {
				if col.Storage == codec.Outrow {
					if err := t.vl.Write(vlPtr, section); err != nil {
						return err
					}
				} else {
					dirty = true
				}
			}
		}
		if dirty {
			if err := t.fl.Put(slot, payload); err != nil {
				return err
			}
		}
	}
	return nil
}
