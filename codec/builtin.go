// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"
	"math"
)

// boolCodec encodes a bool as a single byte, 0x00 or 0x01.
type boolCodec struct{}

func (boolCodec) Kind() Kind                       { return KindBool }
func (boolCodec) Fixed(*Column) (int, bool)        { return 1, true }
func (boolCodec) MaxLen(*Column) int                { return 1 }

func (boolCodec) Encode(col *Column, v Value, dst []byte) ([]byte, error) {
	if v.b {
		return append(dst, 1), nil
	}
	return append(dst, 0), nil
}

func (boolCodec) Decode(col *Column, src []byte) (Value, int, error) {
	if len(src) < 1 {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated bool"}
	}
	switch src[0] {
	case 0:
		return Bool(false), 1, nil
	case 1:
		return Bool(true), 1, nil
	default:
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "bool byte not 0 or 1"}
	}
}

// intCodec encodes signed integers of width 1, 2, 4 or 8 bytes,
// big-endian, two's complement.
type intCodec struct {
	k     Kind
	width int
}

func (c intCodec) Kind() Kind                { return c.k }
func (c intCodec) Fixed(*Column) (int, bool) { return c.width, true }
func (c intCodec) MaxLen(*Column) int         { return c.width }

func (c intCodec) Encode(col *Column, v Value, dst []byte) ([]byte, error) {
	var buf [8]byte
	u := uint64(v.i)
	binary.BigEndian.PutUint64(buf[:], u)
	return append(dst, buf[8-c.width:]...), nil
}

func (c intCodec) Decode(col *Column, src []byte) (Value, int, error) {
	if len(src) < c.width {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated integer"}
	}
	var buf [8]byte
	copy(buf[8-c.width:], src[:c.width])
	u := binary.BigEndian.Uint64(buf[:])
	// sign-extend from width*8 bits
	shift := uint(64 - c.width*8)
	i := int64(u<<shift) >> shift
	return Int(c.k, i), c.width, nil
}

// floatCodec encodes IEEE 754 floats, big-endian.
type floatCodec struct {
	k     Kind
	width int
}

func (c floatCodec) Kind() Kind                { return c.k }
func (c floatCodec) Fixed(*Column) (int, bool) { return c.width, true }
func (c floatCodec) MaxLen(*Column) int         { return c.width }

func (c floatCodec) Encode(col *Column, v Value, dst []byte) ([]byte, error) {
	if c.width == 4 {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(float32(v.f)))
		return append(dst, buf[:]...), nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.f))
	return append(dst, buf[:]...), nil
}

func (c floatCodec) Decode(col *Column, src []byte) (Value, int, error) {
	if len(src) < c.width {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated float"}
	}
	if c.width == 4 {
		u := binary.BigEndian.Uint32(src[:4])
		return Float(c.k, float64(math.Float32frombits(u))), 4, nil
	}
	u := binary.BigEndian.Uint64(src[:8])
	return Float(c.k, math.Float64frombits(u)), 8, nil
}

// stringCodec encodes a string either fixed width (Limit is the exact
// byte length every value must have, stored verbatim with no padding or
// trimming, so NUL bytes round-trip) or variable width with an inrow
// length prefix sized per LenPrefixWidth(Limit). Whether a column is fixed
// or variable is decided by the Fixed field carried in Column.Custom --
// see typedesc.go -- so a plain stringCodec must be able to answer Fixed()
// per-column.
type stringCodec struct{}

func (stringCodec) Kind() Kind { return KindString }

func (stringCodec) Fixed(col *Column) (int, bool) {
	if col.Custom == "fixed" {
		return int(col.Limit), true
	}
	return 0, false
}

func (c stringCodec) MaxLen(col *Column) int {
	if w, ok := c.Fixed(col); ok {
		return w
	}
	return LenPrefixWidth(col.Limit) + int(col.Limit)
}

func (c stringCodec) Encode(col *Column, v Value, dst []byte) ([]byte, error) {
	b := []byte(v.s)
	if int64(len(b)) > col.Limit {
		return nil, &ErrBadValue{Column: col.Name, Msg: "string exceeds declared limit"}
	}
	if w, ok := c.Fixed(col); ok {
		if len(b) != w {
			return nil, &ErrBadValue{Column: col.Name, Msg: "fixed-width string must be exactly the declared length"}
		}
		return append(dst, b...), nil
	}
	l := LenPrefixWidth(col.Limit)
	start := len(dst)
	dst = append(dst, make([]byte, l)...)
	putUintN(dst[start:start+l], uint64(len(b)))
	return append(dst, b...), nil
}

func (c stringCodec) Decode(col *Column, src []byte) (Value, int, error) {
	if w, ok := c.Fixed(col); ok {
		if len(src) < w {
			return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated fixed string"}
		}
		return String(string(src[:w])), w, nil
	}
	l := LenPrefixWidth(col.Limit)
	if len(src) < l {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated string length prefix"}
	}
	n := getUintN(src[:l])
	if int64(n) > col.Limit || len(src) < l+int(n) {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "string length prefix out of bounds"}
	}
	return String(string(src[l : l+int(n)])), l + int(n), nil
}

// refCodec encodes a single row reference using col.RefWidth bytes,
// big-endian.
type refCodec struct{}

func (refCodec) Kind() Kind { return KindRef }

func (refCodec) Fixed(col *Column) (int, bool) { return col.RefWidth, true }
func (refCodec) MaxLen(col *Column) int         { return col.RefWidth }

func (refCodec) Encode(col *Column, v Value, dst []byte) ([]byte, error) {
	if v.ref < 0 || v.ref >= maxForWidth(col.RefWidth) {
		return nil, &ErrBadValue{Column: col.Name, Msg: "reference value exceeds nobsRowRef width"}
	}
	start := len(dst)
	dst = append(dst, make([]byte, col.RefWidth)...)
	putUintN(dst[start:], uint64(v.ref))
	return dst, nil
}

func (refCodec) Decode(col *Column, src []byte) (Value, int, error) {
	if len(src) < col.RefWidth {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated reference"}
	}
	return Ref(int64(getUintN(src[:col.RefWidth]))), col.RefWidth, nil
}

// arrayCodec encodes a fixed-max-length array of simple (element) values
// as a 4-byte element count followed by element encodings.
type arrayCodec struct{}

func (arrayCodec) Kind() Kind { return KindArray }

func (arrayCodec) Fixed(col *Column) (int, bool) {
	ew, ok := elemFixedWidth(col.Elem)
	if !ok {
		return 0, false
	}
	return 4 + int(col.Limit)*ew, true
}

func (c arrayCodec) MaxLen(col *Column) int {
	if w, ok := c.Fixed(col); ok {
		return w
	}
	return 4 + int(col.Limit)*elemMaxWidth(col.Elem)
}

func (arrayCodec) Encode(col *Column, v Value, dst []byte) ([]byte, error) {
	if int64(len(v.arr)) > col.Limit {
		return nil, &ErrBadValue{Column: col.Name, Msg: "array exceeds declared max element count"}
	}
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(len(v.arr)))
	dst = append(dst, b4[:]...)
	for _, e := range v.arr {
		var err error
		dst, err = encodeElem(col, e, dst)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func (arrayCodec) Decode(col *Column, src []byte) (Value, int, error) {
	if len(src) < 4 {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated array count"}
	}
	n := binary.BigEndian.Uint32(src[:4])
	if int64(n) > col.Limit {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "array count exceeds declared limit"}
	}
	off := 4
	elems := make([]Value, 0, n)
	for i := uint32(0); i < n; i++ {
		e, used, err := decodeElem(col, src[off:])
		if err != nil {
			return Value{}, 0, err
		}
		elems = append(elems, e)
		off += used
	}
	return Array(elems), off, nil
}

// refArrayCodec encodes an array of row references: in-row storage uses a
// fixed maximum slot (Limit references of RefWidth bytes each, preceded by a
// 4-byte count); out-of-row storage writes the same encoding into a VL
// block.
type refArrayCodec struct{}

func (refArrayCodec) Kind() Kind { return KindRefArray }

func (refArrayCodec) Fixed(col *Column) (int, bool) {
	if col.Storage == Outrow {
		return 0, false
	}
	return 4 + int(col.Limit)*col.RefWidth, true
}

func (c refArrayCodec) MaxLen(col *Column) int {
	if w, ok := c.Fixed(col); ok {
		return w
	}
	return 4 + int(col.Limit)*col.RefWidth
}

func (refArrayCodec) Encode(col *Column, v Value, dst []byte) ([]byte, error) {
	if int64(len(v.refs)) > col.Limit {
		return nil, &ErrBadValue{Column: col.Name, Msg: "reference array exceeds declared max element count"}
	}
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(len(v.refs)))
	dst = append(dst, b4[:]...)
	for _, r := range v.refs {
		if r < 0 || r >= maxForWidth(col.RefWidth) {
			return nil, &ErrBadValue{Column: col.Name, Msg: "reference value exceeds nobsRowRef width"}
		}
		start := len(dst)
		dst = append(dst, make([]byte, col.RefWidth)...)
		putUintN(dst[start:], uint64(r))
	}
	return dst, nil
}

func (refArrayCodec) Decode(col *Column, src []byte) (Value, int, error) {
	if len(src) < 4 {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated reference array count"}
	}
	n := binary.BigEndian.Uint32(src[:4])
	if int64(n) > col.Limit {
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "reference array count exceeds declared limit"}
	}
	off := 4
	refs := make([]int64, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(src[off:]) < col.RefWidth {
			return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated reference array element"}
		}
		refs = append(refs, int64(getUintN(src[off:off+col.RefWidth])))
		off += col.RefWidth
	}
	return RefArray(refs), off, nil
}

// --- helpers shared by the built-in codecs ---

func putUintN(dst []byte, v uint64) {
	n := len(dst)
	for i := n - 1; i >= 0; i-- {
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
		return math.MaxInt64
	}
	return int64(1) << uint(8*width)
}

func elemFixedWidth(e *Elem) (int, bool) {
	switch e.Kind {
	case KindBool:
		return 1, true
	case KindInt8:
		return 1, true
	case KindInt16:
		return 2, true
	case KindInt32:
		return 4, true
	case KindInt64:
		return 8, true
	case KindFloat32:
		return 4, true
	case KindFloat64:
		return 8, true
	case KindString:
		return 0, false
	default:
		return 0, false
	}
}

func elemMaxWidth(e *Elem) int {
	if w, ok := elemFixedWidth(e); ok {
		return w
	}
	return LenPrefixWidth(e.Limit) + int(e.Limit)
}

func encodeElem(col *Column, v Value, dst []byte) ([]byte, error) {
	switch col.Elem.Kind {
	case KindString:
		b := []byte(v.s)
		if int64(len(b)) > col.Elem.Limit {
			return nil, &ErrBadValue{Column: col.Name, Msg: "array element string exceeds declared limit"}
		}
		l := LenPrefixWidth(col.Elem.Limit)
		start := len(dst)
		dst = append(dst, make([]byte, l)...)
		putUintN(dst[start:start+l], uint64(len(b)))
		return append(dst, b...), nil
	case KindBool:
		if v.b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		w, _ := elemFixedWidth(col.Elem)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.i))
		return append(dst, buf[8-w:]...), nil
	case KindFloat32:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(float32(v.f)))
		return append(dst, buf[:]...), nil
	case KindFloat64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.f))
		return append(dst, buf[:]...), nil
	default:
		return nil, &ErrBadValue{Column: col.Name, Msg: "unsupported array element kind"}
	}
}

func decodeElem(col *Column, src []byte) (Value, int, error) {
	switch col.Elem.Kind {
	case KindString:
		l := LenPrefixWidth(col.Elem.Limit)
		if len(src) < l {
			return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated array element length"}
		}
		n := getUintN(src[:l])
		if int64(n) > col.Elem.Limit || len(src) < l+int(n) {
			return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "array element length out of bounds"}
		}
		return String(string(src[l : l+int(n)])), l + int(n), nil
	case KindBool:
		if len(src) < 1 {
			return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated array element"}
		}
		return Bool(src[0] != 0), 1, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		w, _ := elemFixedWidth(col.Elem)
		if len(src) < w {
			return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated array element"}
		}
		var buf [8]byte
		copy(buf[8-w:], src[:w])
		u := binary.BigEndian.Uint64(buf[:])
		shift := uint(64 - w*8)
		i := int64(u<<shift) >> shift
		return Int(col.Elem.Kind, i), w, nil
	case KindFloat32:
		if len(src) < 4 {
			return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated array element"}
		}
		u := binary.BigEndian.Uint32(src[:4])
		return Float(KindFloat32, float64(math.Float32frombits(u))), 4, nil
	case KindFloat64:
		if len(src) < 8 {
			return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "truncated array element"}
		}
		u := binary.BigEndian.Uint64(src[:8])
		return Float(KindFloat64, math.Float64frombits(u)), 8, nil
	default:
		return Value{}, 0, &ErrCorrupt{Column: col.Name, Msg: "unsupported array element kind"}
	}
}
