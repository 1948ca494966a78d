// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec converts typed column values to and from their byte
// representation. Each supported column type is a tagged variant dispatched
// through a small, fixed registry built at init time -- there is no
// reflection and no open ended plugin ABI; custom types surface as
// additional registered Kind values at build time of the engine binary.
package codec

import "fmt"

// Kind identifies a column's fundamental type.
type Kind uint8

// Built-in kinds. Values 0..99 are reserved for built-ins; custom types
// registered by embedders start at 100 (see Register).
const (
	KindBool Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindArray
	KindRef
	KindRefArray

	firstCustomKind = 100
)

// Storage selects whether a column's payload lives inline in the FL slot
// (Inrow) or in a separately allocated VL block referenced by an inline
// pointer (Outrow). No inline length is stored for an Outrow column; the
// VL block's header carries the payload length.
type Storage uint8

const (
	Inrow Storage = iota
	Outrow
)

func (s Storage) String() string {
	if s == Outrow {
		return "outrow"
	}
	return "inrow"
}

// Column is the bound, per-table description of one column: its type, its
// nullability, its storage scheme and, for reference and array-of-reference
// columns, the byte width used to encode a single reference (bound from the
// owning table's nobsRowRef at schema-bind time -- see acdp.Table).
type Column struct {
	Name      string
	Kind      Kind
	Nullable  bool
	Storage   Storage
	Limit     int64  // max encoded payload length (strings) or max element count (arrays)
	Elem      *Elem  // element type, only set when Kind == KindArray
	RefdTable string // only set when Kind == KindRef or KindRefArray
	RefWidth  int    // nobsRowRef of the table this column belongs to

	// Custom carries the original upper-case type-desc prefix for a
	// column whose Kind was registered by an embedder. It round-trips
	// through TypeDesc/ParseTypeDesc only while that Kind is registered;
	// ParseTypeDesc rejects an unregistered prefix with
	// ErrUnknownCustomType.
	Custom string
}

// Elem describes the element type of an array column. Array elements are
// simple (non-array, non-outrow) values.
type Elem struct {
	Kind  Kind
	Limit int64 // max encoded length, for string elements
}

// Value is a tagged union representing one decoded column value. The zero
// Value is not valid; use the constructors below.
type Value struct {
	kind Kind
	null bool

	b    bool
	i    int64
	f    float64
	s    string
	ref  int64
	arr  []Value
	refs []int64
}

func Null(k Kind) Value                { return Value{kind: k, null: true} }
func Bool(v bool) Value                { return Value{kind: KindBool, b: v} }
func Int(k Kind, v int64) Value        { return Value{kind: k, i: v} }
func Float(k Kind, v float64) Value    { return Value{kind: k, f: v} }
func String(v string) Value            { return Value{kind: KindString, s: v} }
func Ref(v int64) Value                { return Value{kind: KindRef, ref: v} }
func Array(elems []Value) Value        { return Value{kind: KindArray, arr: elems} }
func RefArray(refs []int64) Value      { return Value{kind: KindRefArray, refs: refs} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.null }
func (v Value) Bool() bool       { return v.b }
func (v Value) Int() int64       { return v.i }
func (v Value) Float() float64   { return v.f }
func (v Value) Str() string      { return v.s }
func (v Value) RefVal() int64    { return v.ref }
func (v Value) Elems() []Value   { return v.arr }
func (v Value) Refs() []int64    { return v.refs }

// Codec is implemented once per Kind. Encode/Decode operate on the column's
// logical payload only: for an Inrow column that payload is the bytes
// written directly into the FL slot; for an Outrow column it is the bytes
// written into a VL block. The inline VL pointer and the null-bitmap bit
// are the owning Table's responsibility, not the codec's.
type Codec interface {
	Kind() Kind

	// Fixed reports whether every value of col encodes to exactly width
	// bytes. Variable-width codecs return ok == false.
	Fixed(col *Column) (width int, ok bool)

	// MaxLen returns the maximum possible encoded length for col. For
	// fixed codecs this equals the fixed width.
	MaxLen(col *Column) int

	// Encode appends the encoding of v to dst and returns the result.
	// v.Kind() must equal col.Kind (or be a null of that kind).
	Encode(col *Column, v Value, dst []byte) ([]byte, error)

	// Decode reads exactly one value of col's type from the front of
	// src. It returns the value and the number of bytes consumed.
	Decode(col *Column, src []byte) (Value, int, error)
}

// ErrBadValue reports that a value is not compatible with the column's
// type, or exceeds the column's declared maximum length, or is null for a
// non-nullable column.
type ErrBadValue struct {
	Column string
	Msg    string
}

func (e *ErrBadValue) Error() string {
	return fmt.Sprintf("codec: column %q: %s", e.Column, e.Msg)
}

// ErrCorrupt reports that decode() was given bytes that cannot be a valid
// encoding -- a non-recoverable, structural error that must surface to the
// caller.
type ErrCorrupt struct {
	Column string
	Msg    string
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("codec: column %q: corrupt encoding: %s", e.Column, e.Msg)
}

// Registry dispatches to the Codec implementation for a Kind. A Registry is
// immutable after construction and safe for concurrent use.
type Registry struct {
	byKind map[Kind]Codec
}

// NewRegistry returns a Registry pre-loaded with every built-in Codec.
func NewRegistry() *Registry {
	r := &Registry{byKind: make(map[Kind]Codec, 16)}
	for _, c := range []Codec{
		boolCodec{},
		intCodec{k: KindInt8, width: 1},
		intCodec{k: KindInt16, width: 2},
		intCodec{k: KindInt32, width: 4},
		intCodec{k: KindInt64, width: 8},
		floatCodec{k: KindFloat32, width: 4},
		floatCodec{k: KindFloat64, width: 8},
		stringCodec{},
		arrayCodec{},
		refCodec{},
		refArrayCodec{},
	} {
		r.byKind[c.Kind()] = c
	}
	return r
}

// Register installs a Codec for a custom Kind (>= 100) built by an embedder.
// It panics if kind is a built-in or already registered, since registration
// happens once at process init, never from request-handling code.
func (r *Registry) Register(kind Kind, c Codec) {
	if kind < firstCustomKind {
		panic(fmt.Sprintf("codec: custom Kind must be >= %d, got %d", firstCustomKind, kind))
	}
	if _, ok := r.byKind[kind]; ok {
		panic(fmt.Sprintf("codec: Kind %d already registered", kind))
	}
	r.byKind[kind] = c
}

// For returns the Codec registered for kind, or (nil, false) if none.
func (r *Registry) For(kind Kind) (Codec, bool) {
	c, ok := r.byKind[kind]
	return c, ok
}

func (r *Registry) must(kind Kind) Codec {
	c, ok := r.byKind[kind]
	if !ok {
		panic(fmt.Sprintf("codec: no codec registered for Kind %d", kind))
	}
	return c
}

// Fixed reports col's fixed width, dispatching to the registered codec.
func (r *Registry) Fixed(col *Column) (int, bool) { return r.must(col.Kind).Fixed(col) }

// MaxLen reports col's maximum encoded length, dispatching to the
// registered codec.
func (r *Registry) MaxLen(col *Column) int { return r.must(col.Kind).MaxLen(col) }

// Encode dispatches to the registered codec for col.Kind.
func (r *Registry) Encode(col *Column, v Value, dst []byte) ([]byte, error) {
	if v.null {
		if !col.Nullable {
			return nil, &ErrBadValue{Column: col.Name, Msg: "null value for non-nullable column"}
		}
		return dst, nil
	}
	if v.kind != col.Kind {
		return nil, &ErrBadValue{Column: col.Name, Msg: fmt.Sprintf("value kind %d does not match column kind %d", v.kind, col.Kind)}
	}
	return r.must(col.Kind).Encode(col, v, dst)
}

// Decode dispatches to the registered codec for col.Kind.
func (r *Registry) Decode(col *Column, src []byte) (Value, int, error) {
	return r.must(col.Kind).Decode(col, src)
}

// LenPrefixWidth returns L, the number of bytes used by the inrow
// length-prefix of a variable-length encoding whose upper bound is limit
// bytes: the smallest L with 256^L - 1 >= limit, and at least 1 (so a
// limit of 255 takes 1 byte and a limit of 256 takes 2).
func LenPrefixWidth(limit int64) int {
	n := 1
	v := int64(256)
	for v-1 < limit {
		n++
		v *= 256
	}
	return n
}
