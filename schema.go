// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"fmt"

	"github.com/cznic/acdp/codec"
)

// ColumnDef is the caller-authored description of one column, before it is
// bound to a Table (bound columns additionally carry RefWidth, taken from
// the owning table's NobsRowRef; see codec.Column).
type ColumnDef struct {
	Name      string
	Kind      codec.Kind
	Nullable  bool
	Storage   codec.Storage
	Limit     int64
	Elem      *codec.Elem
	RefdTable string
	Custom    string
}

// TableDef is the caller-authored description of one table: its column
// sequence (order is significant and immutable within a session) and its
// store parameters.
type TableDef struct {
	Name          string
	Columns       []ColumnDef
	NobsRowRef    int
	NobsOutrowPtr int
	NobsRefCount  int
	FLDataFile    string
	VLDataFile    string
}

// Schema is the authoritative, in-memory description of a database: table
// names in declaration order, and per table its ordered columns and store
// parameters. It round-trips to/from the layout file (see schemaFromLayout /
// Schema.ToLayout) and is what Open/Create consume.
type Schema struct {
	Name              string
	Version           string
	ConsistencyNumber int
	ForceWriteCommit  bool
	RecFile           string
	Tables            []TableDef
}

// Table looks up a TableDef by name.
func (s *Schema) Table(name string) (*TableDef, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Validate checks the structural invariants a Schema must hold before it can
// be opened: no duplicate table or column names, every refdTable name
// resolves to a declared table, every table has a positive NobsRowRef,
// every table with an outrow column has a positive NobsOutrowPtr, and
// NobsRefCount is zero if and only if no column in the schema references
// the table -- the per-table invariant that keeps the gap sentinel
// unambiguous against a live row whose refcount is legitimately zero.
func (s *Schema) Validate() error {
	seenTables := make(map[string]bool, len(s.Tables))
	referenced := make(map[string]bool, len(s.Tables))
	for _, td := range s.Tables {
		if td.Name == "" {
			return &UsageError{Msg: "table with empty name"}
		}
		if seenTables[td.Name] {
			return &UsageError{Msg: "duplicate table name", Arg: td.Name}
		}
		seenTables[td.Name] = true
	}
	for _, td := range s.Tables {
		if td.NobsRowRef < 1 || td.NobsRowRef > 8 {
			return &UsageError{Msg: fmt.Sprintf("table %q: nobsRowRef must be 1..8", td.Name), Arg: td.NobsRowRef}
		}
		seenCols := make(map[string]bool, len(td.Columns))
		hasOutrow := false
		for _, cd := range td.Columns {
			if cd.Name == "" {
				return &UsageError{Msg: fmt.Sprintf("table %q: column with empty name", td.Name)}
			}
			if seenCols[cd.Name] {
				return &UsageError{Msg: fmt.Sprintf("table %q: duplicate column name", td.Name), Arg: cd.Name}
			}
			seenCols[cd.Name] = true
			if cd.Storage == codec.Outrow {
				hasOutrow = true
			}
			if cd.Kind == codec.KindRef || cd.Kind == codec.KindRefArray {
				if !seenTables[cd.RefdTable] {
					return &UsageError{Msg: fmt.Sprintf("table %q: column %q references unknown table", td.Name, cd.Name), Arg: cd.RefdTable}
				}
				referenced[cd.RefdTable] = true
			}
		}
		if hasOutrow && (td.NobsOutrowPtr < 1 || td.NobsOutrowPtr > 8) {
			return &UsageError{Msg: fmt.Sprintf("table %q: has an outrow column but nobsOutrowPtr must be 1..8", td.Name), Arg: td.NobsOutrowPtr}
		}
	}
	for _, td := range s.Tables {
		isReferenced := referenced[td.Name]
		switch {
		case isReferenced && td.NobsRefCount < 1:
			return &UsageError{Msg: fmt.Sprintf("table %q: is referenced by another table, nobsRefCount must be >= 1", td.Name)}
		case !isReferenced && td.NobsRefCount != 0:
			return &UsageError{Msg: fmt.Sprintf("table %q: is never referenced, nobsRefCount must be 0", td.Name)}
		}
	}
	return nil
}

// resolvedColumn binds a ColumnDef to its owning table's NobsRowRef,
// producing the codec.Column the Registry dispatches on.
func resolvedColumn(cd ColumnDef, refWidth int) codec.Column {
	return codec.Column{
		Name:      cd.Name,
		Kind:      cd.Kind,
		Nullable:  cd.Nullable,
		Storage:   cd.Storage,
		Limit:     cd.Limit,
		Elem:      cd.Elem,
		RefdTable: cd.RefdTable,
		RefWidth:  refWidth,
		Custom:    cd.Custom,
	}
}
