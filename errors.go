// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import "fmt"

// UsageError reports a caller mistake: a null where not allowed, an out of
// range index or an unknown column/table name. A value whose kind does not
// match its column's kind is reported by the codec as a *codec.ErrBadValue
// instead. No state changes as a result of an operation that fails with a
// UsageError.
type UsageError struct {
	Msg string
	Arg interface{}
}

func (e *UsageError) Error() string {
	if e.Arg == nil {
		return "acdp: usage error: " + e.Msg
	}
	return fmt.Sprintf("acdp: usage error: %s: %v", e.Msg, e.Arg)
}

// CapacityError reports that some fixed-width field would overflow: an FL
// slot index beyond nobsRowRef, a VL offset beyond nobsOutrowPtr, or a
// refcount beyond nobsRefCount. A value longer than its column's declared
// limit is reported by the codec as a *codec.ErrBadValue instead. Inside a
// Unit the Unit remains usable after a CapacityError.
type CapacityError struct {
	Msg   string
	Limit int64
	Got   int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("acdp: capacity exceeded: %s (limit %d, got %d)", e.Msg, e.Limit, e.Got)
}

// ReferenceError reports an illegal Ref: either an out of range slot index or
// a reference to a row gap. RowGap distinguishes the two sub-cases.
type ReferenceError struct {
	Table  string
	Ref    int64
	RowGap bool
}

func (e *ReferenceError) Error() string {
	if e.RowGap {
		return fmt.Sprintf("acdp: illegal reference: %s/%d refers to a deleted row (gap)", e.Table, e.Ref)
	}
	return fmt.Sprintf("acdp: illegal reference: %s/%d is out of range", e.Table, e.Ref)
}

// ConstraintError reports a delete of a still-referenced row, or a truncate
// of a table with inbound references.
type ConstraintError struct {
	Msg string
}

func (e *ConstraintError) Error() string { return "acdp: constraint violation: " + e.Msg }

// ConcurrencyError reports an operation forbidden in the caller's current
// scope: a writer started from within a read zone, a unit acquired on a
// write-protected database, a kamikaze write attempted during shutdown, etc.
type ConcurrencyError struct {
	Msg string
}

func (e *ConcurrencyError) Error() string { return "acdp: concurrency error: " + e.Msg }

// DurabilityError reports a recorder write failure, an fsync failure, or a
// file-lock acquisition failure. A DurabilityError breaks the current Unit
// and, if raised during commit, the Database.
type DurabilityError struct {
	Msg   string
	Cause error
}

func (e *DurabilityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("acdp: durability error: %s: %v", e.Msg, e.Cause)
	}
	return "acdp: durability error: " + e.Msg
}

func (e *DurabilityError) Unwrap() error { return e.Cause }

// ConsistencyError reports that the consistency tag supplied by a
// schema-aware caller does not match the database's persisted tag. Open
// fails.
type ConsistencyError struct {
	Want, Got int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("acdp: consistency mismatch: layout says %d, caller expected %d", e.Got, e.Want)
}

// CryptoError wraps an encryption or decryption failure.
type CryptoError struct {
	Msg   string
	Cause error
}

func (e *CryptoError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("acdp: crypto error: %s: %v", e.Msg, e.Cause)
	}
	return "acdp: crypto error: " + e.Msg
}

func (e *CryptoError) Unwrap() error { return e.Cause }

// BrokenError reports that the Database or a Unit has transitioned to a
// broken state (a Durability error mid-commit, a failed rollback, an
// interrupted recovery). Every subsequent operation fails until the
// database is closed and reopened: Begin and Kamikaze with a BrokenError,
// operations that only wait on the sync manager (which breaking shuts
// down) with a ConcurrencyError.
type BrokenError struct {
	Cause error
}

func (e *BrokenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("acdp: database broken: %v", e.Cause)
	}
	return "acdp: database broken"
}

func (e *BrokenError) Unwrap() error { return e.Cause }
