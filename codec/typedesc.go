// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// Type descriptor grammar:
//
//	prefix:null:storage:limit[:detail]
//
// prefix is the type kind and, for a custom type, doubles as the
// custom-type marker: built-in prefixes are lowercase ("bool", "i8", "i16",
// "i32", "i64", "f32", "f64", "str", "arr", "ref", "refarr"); a custom
// prefix starts with an upper-case letter and names the Kind registered by
// the embedder (see Registry.Register). null is "n" or "-". storage is
// "in" or "out". limit is decimal, 0 when the type has none. detail is
// present only for str (the character encoding name, "utf8" unless
// otherwise noted), arr (the parenthesised element type descriptor) and
// ref/refarr (the referenced table name).
//
// Examples:
//
//	i64:-:in:0            non-nullable inrow 8-byte integer
//	str:n:out:4:utf8       nullable outrow UTF-8 string, limit 4
//	arr:-:out:3:(i32:-:in:0)   non-nullable outrow array of up to 3 int32s

const fieldSep = ":"

func prefixFor(k Kind, custom string) string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt8:
		return "i8"
	case KindInt16:
		return "i16"
	case KindInt32:
		return "i32"
	case KindInt64:
		return "i64"
	case KindFloat32:
		return "f32"
	case KindFloat64:
		return "f64"
	case KindString:
		return "str"
	case KindArray:
		return "arr"
	case KindRef:
		return "ref"
	case KindRefArray:
		return "refarr"
	default:
		if custom == "" {
			panic(fmt.Sprintf("codec: Kind %d has no registered type-desc prefix", k))
		}
		return custom
	}
}

func kindForPrefix(r *Registry, prefix string) (Kind, string, error) {
	switch prefix {
	case "bool":
		return KindBool, "", nil
	case "i8":
		return KindInt8, "", nil
	case "i16":
		return KindInt16, "", nil
	case "i32":
		return KindInt32, "", nil
	case "i64":
		return KindInt64, "", nil
	case "f32":
		return KindFloat32, "", nil
	case "f64":
		return KindFloat64, "", nil
	case "str":
		return KindString, "", nil
	case "arr":
		return KindArray, "", nil
	case "ref":
		return KindRef, "", nil
	case "refarr":
		return KindRefArray, "", nil
	default:
		if prefix == "" || !isUpper(prefix[0]) {
			return 0, "", fmt.Errorf("codec: type descriptor: unknown built-in prefix %q", prefix)
		}
		for k, c := range r.byKind {
			if k < firstCustomKind {
				continue
			}
			if named, ok := c.(interface{ TypeDescName() string }); ok && named.TypeDescName() == prefix {
				return k, prefix, nil
			}
		}
		return 0, "", &ErrUnknownCustomType{Prefix: prefix}
	}
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

// ErrUnknownCustomType reports a type descriptor naming a custom type that
// this process has not registered. ParseTypeDesc fails with it, so a
// layout carrying such a column cannot be opened until the embedder
// registers a matching Kind.
type ErrUnknownCustomType struct {
	Prefix string
}

func (e *ErrUnknownCustomType) Error() string {
	return fmt.Sprintf("codec: unknown custom type %q: not registered in this process", e.Prefix)
}

// TypeDesc renders col's type descriptor, as stored in the layout file's
// per-column typeDesc key.
func (r *Registry) TypeDesc(col *Column) string {
	prefix := prefixFor(col.Kind, col.Custom)
	null := "-"
	if col.Nullable {
		null = "n"
	}
	storage := "in"
	if col.Storage == Outrow {
		storage = "out"
	}
	fields := []string{prefix, null, storage, strconv.FormatInt(col.Limit, 10)}
	switch col.Kind {
	case KindString:
		fields = append(fields, "utf8")
	case KindArray:
		fields = append(fields, "("+r.TypeDesc(&Column{
			Name:     col.Name,
			Kind:     col.Elem.Kind,
			Nullable: false,
			Storage:  Inrow,
			Limit:    col.Elem.Limit,
		})+")")
	case KindRef, KindRefArray:
		fields = append(fields, col.RefdTable)
	}
	return strings.Join(fields, fieldSep)
}

// ParseTypeDesc parses a type descriptor produced by TypeDesc (or by an
// external writer of the same layout format) into a Column. The returned
// Column has Name and RefWidth left zero; the caller fills Name from the
// layout key and binds RefWidth from the owning table's nobsRowRef.
func ParseTypeDesc(r *Registry, s string) (Column, error) {
	fields, err := splitTypeDesc(s)
	if err != nil {
		return Column{}, err
	}
	if len(fields) < 4 {
		return Column{}, fmt.Errorf("codec: type descriptor %q: expected at least 4 fields, got %d", s, len(fields))
	}
	kind, custom, err := kindForPrefix(r, fields[0])
	if err != nil {
		return Column{}, err
	}
	col := Column{Kind: kind, Custom: custom}
	switch fields[1] {
	case "n":
		col.Nullable = true
	case "-":
		col.Nullable = false
	default:
		return Column{}, fmt.Errorf("codec: type descriptor %q: nullability field must be \"n\" or \"-\", got %q", s, fields[1])
	}
	switch fields[2] {
	case "in":
		col.Storage = Inrow
	case "out":
		col.Storage = Outrow
	default:
		return Column{}, fmt.Errorf("codec: type descriptor %q: storage field must be \"in\" or \"out\", got %q", s, fields[2])
	}
	limit, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Column{}, fmt.Errorf("codec: type descriptor %q: bad limit: %w", s, err)
	}
	col.Limit = limit

	switch kind {
	case KindString:
		if len(fields) < 5 {
			return Column{}, fmt.Errorf("codec: type descriptor %q: string requires a character-encoding field", s)
		}
		if fields[4] != "utf8" {
			return Column{}, &ErrUnsupportedEncoding{Name: fields[4]}
		}
	case KindArray:
		if len(fields) < 5 {
			return Column{}, fmt.Errorf("codec: type descriptor %q: array requires an element type field", s)
		}
		elemDesc := fields[4]
		if !strings.HasPrefix(elemDesc, "(") || !strings.HasSuffix(elemDesc, ")") {
			return Column{}, fmt.Errorf("codec: type descriptor %q: array element type must be parenthesised", s)
		}
		elemCol, err := ParseTypeDesc(r, elemDesc[1:len(elemDesc)-1])
		if err != nil {
			return Column{}, err
		}
		col.Elem = &Elem{Kind: elemCol.Kind, Limit: elemCol.Limit}
	case KindRef, KindRefArray:
		if len(fields) < 5 || fields[4] == "" {
			return Column{}, fmt.Errorf("codec: type descriptor %q: reference requires a referenced table name", s)
		}
		col.RefdTable = fields[4]
	}
	return col, nil
}

// ErrUnsupportedEncoding reports a string column whose declared character
// encoding is not UTF-8. ParseTypeDesc rejects such a descriptor, and
// TypeDesc always writes utf8: this engine only encodes and decodes UTF-8.
type ErrUnsupportedEncoding struct {
	Name string
}

func (e *ErrUnsupportedEncoding) Error() string {
	return fmt.Sprintf("codec: unsupported character encoding %q: only utf8 is encoded/decoded", e.Name)
}

// splitTypeDesc splits on ':' while treating a parenthesised array-element
// descriptor (which itself contains ':') as a single field.
func splitTypeDesc(s string) ([]string, error) {
	var fields []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("codec: type descriptor %q: unbalanced parentheses", s)
			}
		case ':':
			if depth == 0 {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("codec: type descriptor %q: unbalanced parentheses", s)
	}
	fields = append(fields, s[start:])
	return fields, nil
}
