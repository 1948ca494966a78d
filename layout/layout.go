// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layout implements the textual, indentation-structured key/value
// tree that describes a database's tables, columns and store parameters.
// Parsing and serialisation are kept orthogonal to the core engine, so
// this package knows nothing about Schema, Column or any other acdp type;
// it only reads and writes the generic tree shape.
package layout

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Node is one key/value pair in the tree. A leaf Node carries Value and no
// Children; an interior Node carries Children and an empty Value.
type Node struct {
	Key      string
	Value    string
	Children []*Node
}

// Tree is an ordered sequence of top-level Nodes, as parsed from or written
// to a layout file.
type Tree struct {
	Roots []*Node
}

// Get looks up a (possibly nested) key path under n, returning the leaf or
// interior Node found at the end of path.
func (n *Node) Get(path ...string) (*Node, bool) {
	cur := n
	for _, k := range path {
		next, ok := cur.child(k)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func (n *Node) child(key string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Key == key {
			return c, true
		}
	}
	return nil, false
}

// Get looks up a top-level key path in t.
func (t *Tree) Get(path ...string) (*Node, bool) {
	if len(path) == 0 {
		return nil, false
	}
	for _, r := range t.Roots {
		if r.Key == path[0] {
			if len(path) == 1 {
				return r, true
			}
			return r.Get(path[1:]...)
		}
	}
	return nil, false
}

// GetString returns the leaf value at path, or def if no such leaf exists.
func (t *Tree) GetString(def string, path ...string) string {
	n, ok := t.Get(path...)
	if !ok {
		return def
	}
	return n.Value
}

// GetChildString returns the leaf value of the immediate child key, or def
// if no such child exists.
func (n *Node) GetChildString(key, def string) string {
	c, ok := n.child(key)
	if !ok {
		return def
	}
	return c.Value
}

// Add appends a new leaf or interior Node as a root of t.
func (t *Tree) Add(n *Node) { t.Roots = append(t.Roots, n) }

// Leaf constructs a leaf Node.
func Leaf(key, value string) *Node { return &Node{Key: key, Value: value} }

// Block constructs an interior Node with the given children, in order.
func Block(key string, children ...*Node) *Node { return &Node{Key: key, Children: children} }

// indentUnit is the single-tab indentation step a block's children are
// written at, one level deeper than their parent.
const indentUnit = "\t"

// Parse reads a layout tree from r. Blank lines and lines whose first
// non-indentation character is '#' are ignored. Each remaining line is
// "key: value" (a leaf) or "key:" followed by more deeply indented lines (a
// block); indentation is tabs, one per nesting level, consistent with the
// depth of the immediately enclosing block.
func Parse(r io.Reader) (*Tree, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var lines []rawLine
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		trimmed := strings.TrimLeft(raw, "\t")
		if trimmed == "" || strings.HasPrefix(strings.TrimSpace(trimmed), "#") {
			continue
		}
		depth := len(raw) - len(trimmed)
		lines = append(lines, rawLine{depth: depth, text: trimmed, lineNo: lineNo})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("layout: reading: %w", err)
	}
	nodes, _, err := parseLevel(lines, 0, 0)
	if err != nil {
		return nil, err
	}
	return &Tree{Roots: nodes}, nil
}

type rawLine struct {
	depth  int
	text   string
	lineNo int
}

// parseLevel consumes lines[i:] at exactly the given depth, stopping at the
// first line shallower than depth (or end of input), and returns the parsed
// siblings plus the index of the first unconsumed line.
func parseLevel(lines []rawLine, i, depth int) ([]*Node, int, error) {
	var out []*Node
	for i < len(lines) {
		ln := lines[i]
		if ln.depth < depth {
			break
		}
		if ln.depth > depth {
			return nil, 0, fmt.Errorf("layout: line %d: unexpected indentation", ln.lineNo)
		}
		key, value, hasValue := splitKV(ln.text)
		i++
		var children []*Node
		if !hasValue {
			var err error
			children, i, err = parseLevel(lines, i, depth+1)
			if err != nil {
				return nil, 0, err
			}
		}
		out = append(out, &Node{Key: key, Value: value, Children: children})
	}
	return out, i, nil
}

// splitKV splits "key: value" into its parts; "key:" (nothing, or only
// whitespace, after the colon) reports hasValue == false, marking an
// interior node whose children follow on more deeply indented lines.
func splitKV(s string) (key, value string, hasValue bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return strings.TrimSpace(s), "", false
	}
	key = strings.TrimSpace(s[:i])
	rest := strings.TrimSpace(s[i+1:])
	if rest == "" {
		return key, "", false
	}
	return key, rest, true
}

// Write serialises t to w in the same grammar Parse accepts.
func (t *Tree) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, n := range t.Roots {
		if err := writeNode(bw, n, 0); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeNode(w *bufio.Writer, n *Node, depth int) error {
	indent := strings.Repeat(indentUnit, depth)
	if len(n.Children) == 0 {
		if _, err := fmt.Fprintf(w, "%s%s: %s\n", indent, n.Key, n.Value); err != nil {
			return err
		}
		return nil
	}
	if _, err := fmt.Fprintf(w, "%s%s:\n", indent, n.Key); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := writeNode(w, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// SortedKeys returns the Keys of n's Children sorted lexically, useful when
// a caller wants deterministic iteration order over a block whose insertion
// order was not meaningful (tests, diagnostics).
func SortedKeys(n *Node) []string {
	keys := make([]string, len(n.Children))
	for i, c := range n.Children {
		keys[i] = c.Key
	}
	sort.Strings(keys)
	return keys
}
