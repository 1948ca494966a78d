// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

import (
	"fmt"
	"strconv"

	"github.com/cznic/acdp/codec"
	"github.com/cznic/acdp/layout"
)

// schemaFromLayout decodes a Schema from a parsed layout tree. registry
// resolves each column's typeDesc string to a codec.Kind.
func schemaFromLayout(t *layout.Tree, registry *codec.Registry) (*Schema, error) {
	s := &Schema{
		Name:              t.GetString("", "name"),
		Version:           t.GetString("", "version"),
		ForceWriteCommit:  t.GetString("off", "forceWriteCommit") == "on",
		RecFile:           t.GetString("", "recFile"),
	}
	if cn := t.GetString("", "consistencyNumber"); cn != "" {
		n, err := strconv.Atoi(cn)
		if err != nil {
			return nil, &UsageError{Msg: "layout: bad consistencyNumber", Arg: cn}
		}
		s.ConsistencyNumber = n
	}
	if s.Name == "" {
		return nil, &UsageError{Msg: "layout: missing required \"name\" key"}
	}

	tablesNode, ok := t.Get("tables")
	if !ok {
		return nil, &UsageError{Msg: "layout: missing required \"tables\" block"}
	}
	for _, tn := range tablesNode.Children {
		td, err := tableDefFromLayout(tn, registry)
		if err != nil {
			return nil, err
		}
		s.Tables = append(s.Tables, td)
	}
	return s, nil
}

func tableDefFromLayout(tn *layout.Node, registry *codec.Registry) (TableDef, error) {
	td := TableDef{Name: tn.Key}
	colsNode, ok := tn.Get("columns")
	if !ok {
		return td, &UsageError{Msg: fmt.Sprintf("layout: table %q missing \"columns\" block", tn.Key)}
	}
	for _, cn := range colsNode.Children {
		col, err := codec.ParseTypeDesc(registry, cn.Value)
		if err != nil {
			return td, fmt.Errorf("layout: table %q column %q: %w", tn.Key, cn.Key, err)
		}
		td.Columns = append(td.Columns, ColumnDef{
			Name:      cn.Key,
			Kind:      col.Kind,
			Nullable:  col.Nullable,
			Storage:   col.Storage,
			Limit:     col.Limit,
			Elem:      col.Elem,
			RefdTable: col.RefdTable,
			Custom:    col.Custom,
		})
	}
	storeNode, ok := tn.Get("store")
	if !ok {
		return td, &UsageError{Msg: fmt.Sprintf("layout: table %q missing \"store\" block", tn.Key)}
	}
	td.FLDataFile = storeNode.GetChildString("flDataFile", "")
	td.VLDataFile = storeNode.GetChildString("vlDataFile", "")
	var err error
	if td.NobsRowRef, err = atoiRequired(storeNode, "nobsRowRef"); err != nil {
		return td, err
	}
	if td.NobsOutrowPtr, err = atoiOptional(storeNode, "nobsOutrowPtr"); err != nil {
		return td, err
	}
	if td.NobsRefCount, err = atoiOptional(storeNode, "nobsRefCount"); err != nil {
		return td, err
	}
	return td, nil
}

func atoiRequired(n *layout.Node, key string) (int, error) {
	c, ok := n.Get(key)
	if !ok {
		return 0, &UsageError{Msg: fmt.Sprintf("layout: missing required %q key", key)}
	}
	v, err := strconv.Atoi(c.Value)
	if err != nil {
		return 0, &UsageError{Msg: fmt.Sprintf("layout: bad %q value", key), Arg: c.Value}
	}
	return v, nil
}

func atoiOptional(n *layout.Node, key string) (int, error) {
	c, ok := n.Get(key)
	if !ok || c.Value == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(c.Value)
	if err != nil {
		return 0, &UsageError{Msg: fmt.Sprintf("layout: bad %q value", key), Arg: c.Value}
	}
	return v, nil
}

// ToLayout encodes s into the textual layout tree, ready for
// layout.Tree.Write.
func (s *Schema) ToLayout(registry *codec.Registry) *layout.Tree {
	t := &layout.Tree{}
	t.Add(layout.Leaf("name", s.Name))
	if s.Version != "" {
		t.Add(layout.Leaf("version", s.Version))
	}
	t.Add(layout.Leaf("consistencyNumber", strconv.Itoa(s.ConsistencyNumber)))
	if s.RecFile != "" {
		t.Add(layout.Leaf("recFile", s.RecFile))
	}
	onOff := "off"
	if s.ForceWriteCommit {
		onOff = "on"
	}
	t.Add(layout.Leaf("forceWriteCommit", onOff))

	tablesBlock := &layout.Node{Key: "tables"}
	for _, td := range s.Tables {
		tablesBlock.Children = append(tablesBlock.Children, tableDefToLayout(td, registry))
	}
	t.Add(tablesBlock)
	return t
}

func tableDefToLayout(td TableDef, registry *codec.Registry) *layout.Node {
	colsBlock := &layout.Node{Key: "columns"}
	for _, cd := range td.Columns {
		col := resolvedColumn(cd, td.NobsRowRef)
		colsBlock.Children = append(colsBlock.Children, layout.Leaf(cd.Name, registry.TypeDesc(&col)))
	}
	storeChildren := []*layout.Node{layout.Leaf("nobsRowRef", strconv.Itoa(td.NobsRowRef))}
	if td.FLDataFile != "" {
		storeChildren = append(storeChildren, layout.Leaf("flDataFile", td.FLDataFile))
	}
	if td.VLDataFile != "" {
		storeChildren = append(storeChildren, layout.Leaf("vlDataFile", td.VLDataFile))
	}
	if td.NobsOutrowPtr != 0 {
		storeChildren = append(storeChildren, layout.Leaf("nobsOutrowPtr", strconv.Itoa(td.NobsOutrowPtr)))
	}
	storeChildren = append(storeChildren, layout.Leaf("nobsRefCount", strconv.Itoa(td.NobsRefCount)))
	store := &layout.Node{Key: "store", Children: storeChildren}
	return &layout.Node{Key: td.Name, Children: []*layout.Node{colsBlock, store}}
}
