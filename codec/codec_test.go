// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"testing"
)

func TestLenPrefixWidth(t *testing.T) {
	cases := []struct {
		limit int64
		want  int
	}{
		{0, 1},
		{1, 1},
		{255, 1},
		{256, 2},
		{65535, 2},
		{65536, 3},
		{1 << 32, 5},
	}
	for _, c := range cases {
		if got := LenPrefixWidth(c.limit); got != c.want {
			t.Errorf("LenPrefixWidth(%d) = %d, want %d", c.limit, got, c.want)
		}
	}
}

func TestRoundTripScalars(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		name string
		col  Column
		v    Value
	}{
		{"bool-true", Column{Name: "b", Kind: KindBool}, Bool(true)},
		{"bool-false", Column{Name: "b", Kind: KindBool}, Bool(false)},
		{"i8-neg", Column{Name: "i", Kind: KindInt8}, Int(KindInt8, -7)},
		{"i16", Column{Name: "i", Kind: KindInt16}, Int(KindInt16, -30000)},
		{"i32", Column{Name: "i", Kind: KindInt32}, Int(KindInt32, -1234567)},
		{"i64", Column{Name: "i", Kind: KindInt64}, Int(KindInt64, -123456789012345)},
		{"f32", Column{Name: "f", Kind: KindFloat32}, Float(KindFloat32, 3.5)},
		{"f64", Column{Name: "f", Kind: KindFloat64}, Float(KindFloat64, -2.71828)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc, err := r.Encode(&c.col, c.v, nil)
			if err != nil {
				t.Fatal(err)
			}
			got, n, err := r.Decode(&c.col, enc)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(enc) {
				t.Fatalf("decode consumed %d bytes, encoding is %d bytes", n, len(enc))
			}
			if got.Kind() != c.v.Kind() {
				t.Fatalf("kind mismatch: got %d want %d", got.Kind(), c.v.Kind())
			}
			switch c.v.Kind() {
			case KindBool:
				if got.Bool() != c.v.Bool() {
					t.Fatalf("got %v want %v", got.Bool(), c.v.Bool())
				}
			case KindInt8, KindInt16, KindInt32, KindInt64:
				if got.Int() != c.v.Int() {
					t.Fatalf("got %d want %d", got.Int(), c.v.Int())
				}
			case KindFloat32, KindFloat64:
				if got.Float() != c.v.Float() {
					t.Fatalf("got %v want %v", got.Float(), c.v.Float())
				}
			}
		})
	}
}

func TestRoundTripString(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "s", Kind: KindString, Limit: 32}
	v := String("hello, world")
	enc, err := r.Encode(&col, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, n, err := r.Decode(&col, enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(enc) {
		t.Fatalf("decode consumed %d of %d bytes", n, len(enc))
	}
	if got.Str() != v.Str() {
		t.Fatalf("got %q want %q", got.Str(), v.Str())
	}
}

func TestStringExceedsLimit(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "s", Kind: KindString, Limit: 4}
	if _, err := r.Encode(&col, String("too long"), nil); err == nil {
		t.Fatal("expected ErrBadValue, got nil")
	}
}

func TestFixedString(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "s", Kind: KindString, Limit: 8, Custom: "fixed"}

	// Exactly Limit bytes, NUL bytes included, stored and read verbatim.
	v := "ab\x00cd\x00\x00\x00"
	enc, err := r.Encode(&col, String(v), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != 8 {
		t.Fatalf("fixed string encoding length = %d, want 8", len(enc))
	}
	got, n, err := r.Decode(&col, enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 || got.Str() != v {
		t.Fatalf("got (%q, %d), want (%q, 8)", got.Str(), n, v)
	}

	// Any other length is rejected rather than padded.
	if _, err := r.Encode(&col, String("hi"), nil); err == nil {
		t.Fatalf("fixed string accepted a value shorter than its declared length")
	}
}

func TestRoundTripRef(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "r", Kind: KindRef, RefWidth: 3, RefdTable: "parent"}
	v := Ref(70000)
	enc, err := r.Encode(&col, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != 3 {
		t.Fatalf("ref encoding length = %d, want 3", len(enc))
	}
	got, n, err := r.Decode(&col, enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || got.RefVal() != 70000 {
		t.Fatalf("got (%d, %d), want (70000, 3)", got.RefVal(), n)
	}
}

func TestRefOverflow(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "r", Kind: KindRef, RefWidth: 1, RefdTable: "parent"}
	if _, err := r.Encode(&col, Ref(256), nil); err == nil {
		t.Fatal("expected CapacityError-equivalent ErrBadValue, got nil")
	}
}

func TestRoundTripArray(t *testing.T) {
	r := NewRegistry()
	col := Column{
		Name:  "a",
		Kind:  KindArray,
		Limit: 4,
		Elem:  &Elem{Kind: KindInt32},
	}
	v := Array([]Value{Int(KindInt32, 1), Int(KindInt32, -2), Int(KindInt32, 3)})
	enc, err := r.Encode(&col, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, n, err := r.Decode(&col, enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(enc) {
		t.Fatalf("decode consumed %d of %d bytes", n, len(enc))
	}
	if len(got.Elems()) != 3 {
		t.Fatalf("got %d elements, want 3", len(got.Elems()))
	}
	for i, e := range got.Elems() {
		if e.Int() != v.Elems()[i].Int() {
			t.Fatalf("element %d: got %d want %d", i, e.Int(), v.Elems()[i].Int())
		}
	}
}

func TestArrayExceedsLimit(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "a", Kind: KindArray, Limit: 2, Elem: &Elem{Kind: KindBool}}
	v := Array([]Value{Bool(true), Bool(false), Bool(true)})
	if _, err := r.Encode(&col, v, nil); err == nil {
		t.Fatal("expected ErrBadValue, got nil")
	}
}

func TestRoundTripRefArray(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "ra", Kind: KindRefArray, Limit: 3, RefWidth: 2, RefdTable: "parent"}
	v := RefArray([]int64{1, 2, 65535})
	enc, err := r.Encode(&col, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, n, err := r.Decode(&col, enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(enc) {
		t.Fatalf("decode consumed %d of %d bytes", n, len(enc))
	}
	if !refsEqual(got.Refs(), v.Refs()) {
		t.Fatalf("got %v want %v", got.Refs(), v.Refs())
	}
}

func refsEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNullValue(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "n", Kind: KindInt32, Nullable: true}
	enc, err := r.Encode(&col, Null(KindInt32), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != 0 {
		t.Fatalf("null value encoding length = %d, want 0 (caller owns the null-bitmap bit)", len(enc))
	}
}

func TestNullRejectedWhenNotNullable(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "n", Kind: KindInt32, Nullable: false}
	if _, err := r.Encode(&col, Null(KindInt32), nil); err == nil {
		t.Fatal("expected ErrBadValue for null into non-nullable column")
	}
}

func TestTypeDescRoundTrip(t *testing.T) {
	r := NewRegistry()
	cols := []Column{
		{Name: "a", Kind: KindInt64, Nullable: false, Storage: Inrow},
		{Name: "b", Kind: KindString, Nullable: true, Storage: Outrow, Limit: 4},
		{Name: "c", Kind: KindArray, Nullable: false, Storage: Outrow, Limit: 3,
			Elem: &Elem{Kind: KindInt32}},
		{Name: "d", Kind: KindRef, Nullable: false, Storage: Inrow, RefdTable: "parent"},
		{Name: "e", Kind: KindRefArray, Nullable: true, Storage: Outrow, Limit: 10, RefdTable: "parent"},
	}
	for _, col := range cols {
		desc := r.TypeDesc(&col)
		parsed, err := ParseTypeDesc(r, desc)
		if err != nil {
			t.Fatalf("ParseTypeDesc(%q): %v", desc, err)
		}
		if parsed.Kind != col.Kind || parsed.Nullable != col.Nullable || parsed.Storage != col.Storage || parsed.Limit != col.Limit {
			t.Fatalf("round-trip mismatch for %q: got %+v", desc, parsed)
		}
		if col.Kind == KindRef || col.Kind == KindRefArray {
			if parsed.RefdTable != col.RefdTable {
				t.Fatalf("refdTable round-trip mismatch for %q: got %q want %q", desc, parsed.RefdTable, col.RefdTable)
			}
		}
		if col.Kind == KindArray {
			if parsed.Elem == nil || parsed.Elem.Kind != col.Elem.Kind {
				t.Fatalf("elem round-trip mismatch for %q", desc)
			}
		}
		desc2 := r.TypeDesc(&parsed)
		if desc2 != desc {
			t.Fatalf("TypeDesc not stable: %q -> parse -> %q", desc, desc2)
		}
	}
}

func TestUnsupportedEncodingRejected(t *testing.T) {
	r := NewRegistry()
	if _, err := ParseTypeDesc(r, "str:-:in:4:latin1"); err == nil {
		t.Fatal("expected ErrUnsupportedEncoding, got nil")
	}
}

func TestUnknownCustomTypeRejected(t *testing.T) {
	r := NewRegistry()
	if _, err := ParseTypeDesc(r, "Geo:-:in:0"); err == nil {
		t.Fatal("expected ErrUnknownCustomType, got nil")
	}
}

func TestArrayEncodeConsumesAllBytesOnLargeData(t *testing.T) {
	r := NewRegistry()
	col := Column{Name: "a", Kind: KindArray, Limit: 1000, Elem: &Elem{Kind: KindString, Limit: 16}}
	elems := make([]Value, 50)
	for i := range elems {
		elems[i] = String(string(bytes.Repeat([]byte{'x'}, i%16)))
	}
	v := Array(elems)
	enc, err := r.Encode(&col, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, n, err := r.Decode(&col, enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(enc) || len(got.Elems()) != len(elems) {
		t.Fatalf("round trip mismatch: consumed %d/%d bytes, %d/%d elements", n, len(enc), len(got.Elems()), len(elems))
	}
}
