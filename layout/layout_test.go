// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layout

import (
	"bytes"
	"strings"
	"testing"
)

const sample = `name: accounts
version: 1
consistencyNumber: 7
forceWriteCommit: on
tables:
	users:
		columns:
			id: i64:-:in:0
			name: str:-:in:40:utf8
		store:
			flDataFile: users.fl
			nobsRowRef: 4
`

func TestParseRoundTrip(t *testing.T) {
	tree, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if got := tree.GetString("", "name"); got != "accounts" {
		t.Fatalf("name = %q", got)
	}
	n, ok := tree.Get("tables", "users", "columns", "id")
	if !ok {
		t.Fatal("tables/users/columns/id not found")
	}
	if n.Value != "i64:-:in:0" {
		t.Fatalf("id typeDesc = %q", n.Value)
	}
	if got := tree.GetString("", "tables", "users", "store", "nobsRowRef"); got != "4" {
		t.Fatalf("nobsRowRef = %q", got)
	}

	var buf bytes.Buffer
	if err := tree.Write(&buf); err != nil {
		t.Fatal(err)
	}
	tree2, err := Parse(&buf)
	if err != nil {
		t.Fatalf("reparsing serialised tree: %v", err)
	}
	if got := tree2.GetString("", "tables", "users", "columns", "name"); got != "str:-:in:40:utf8" {
		t.Fatalf("round-tripped name typeDesc = %q", got)
	}
}

func TestParseRejectsBadIndent(t *testing.T) {
	bad := "tables:\n\t\t\tusers: x\n" // jumps three levels deeper than its parent
	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Fatal("expected an error for unexpected indentation")
	}
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	src := "# a comment\nname: db\n\n# another\nversion: 2\n"
	tree, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Roots) != 2 {
		t.Fatalf("got %d roots, want 2", len(tree.Roots))
	}
}

func TestBuildAndWrite(t *testing.T) {
	tree := &Tree{}
	tree.Add(Leaf("name", "db1"))
	tree.Add(Block("tables", Block("t1", Leaf("columns", ""))))
	var buf bytes.Buffer
	if err := tree.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "name: db1\n") {
		t.Fatalf("missing leaf line: %s", buf.String())
	}
}
