// Copyright 2024 The ACDP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acdp

// Ref names a row by its 1-based FL slot index within the table that owns
// it. A Ref is opaque outside its originating table:
// the referenced table is recorded per-column in the schema, not per-value.
// References are stable across insert/update/delete and are invalidated
// only by FL compaction (CompactFL).
type Ref int64

// NoRef is the zero Ref. No row has it, since slot indices start at 1; a
// null reference-typed column value is codec.Null(codec.KindRef), not NoRef.
const NoRef Ref = 0
