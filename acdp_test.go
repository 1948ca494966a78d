// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"context"
	"testing"

	"github.com/cznic/acdp/codec"
)

// peopleSchema returns a single-table schema: people(name: non-null inrow
// string limit 40, age: nullable 1-byte int). nobsRowRef is pinned to 1 so
// the 256-slot boundary test can exercise it directly.
func peopleSchema() *Schema {
	return &Schema{
		Name:    "people-db",
		Version: "1",
		Tables: []TableDef{
			{
				Name:       "people",
				NobsRowRef: 1,
				Columns: []ColumnDef{
					{Name: "name", Kind: codec.KindString, Storage: codec.Inrow, Limit: 40},
					{Name: "age", Kind: codec.KindInt8, Nullable: true, Storage: codec.Inrow},
				},
			},
		},
	}
}

// selfRefSchema returns a single self-referencing table:
// p(next: nullable reference to p).
func selfRefSchema() *Schema {
	return &Schema{
		Name:    "selfref-db",
		Version: "1",
		Tables: []TableDef{
			{
				Name:         "p",
				NobsRowRef:   2,
				NobsRefCount: 2,
				Columns: []ColumnDef{
					{Name: "next", Kind: codec.KindRef, Nullable: true, Storage: codec.Inrow, RefdTable: "p"},
				},
			},
		},
	}
}

// outrowSchema returns a single table with an outrow string column.
func outrowSchema() *Schema {
	return &Schema{
		Name:    "outrow-db",
		Version: "1",
		Tables: []TableDef{
			{
				Name:          "s",
				NobsRowRef:    4,
				NobsOutrowPtr: 4,
				Columns: []ColumnDef{
					{Name: "text", Kind: codec.KindString, Storage: codec.Outrow, Limit: 1000},
				},
			},
		},
	}
}

func mustCreate(t *testing.T, schema *Schema, opts ...Option) *Database {
	t.Helper()
	db, err := Create(t.TempDir(), schema, opts...)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustInsert(t *testing.T, db *Database, table string, values []codec.Value) Ref {
	t.Helper()
	tbl, ok := db.Table(table)
	if !ok {
		t.Fatalf("no table %q", table)
	}
	u, err := db.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer u.Close()
	ref, err := tbl.Insert(u, values)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := u.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return ref
}
