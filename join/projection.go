// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package join holds the projection descriptor shared by every join
// operator (spec.md §3, "Projection descriptor (for joins)"): an ordered
// list of (side, column-index-in-that-side) pairs describing how a join's
// output schema is assembled from its build and probe tuples. hashjoin and
// sortmergejoin each build their own staging/hash-table-tuple schemas on
// top of this, but agree on the descriptor shape and the output-schema
// derivation.
package join

import "github.com/sblanas/pythia-sub000/schema"

// Side selects which input tuple a ProjEntry's column index refers to.
type Side int

const (
	Build Side = iota
	Probe
)

// ProjEntry is one entry of a join's projection descriptor.
type ProjEntry struct {
	Side Side
	Col  int
}

// Projection is an ordered list of ProjEntry; the output schema is the
// concatenation of the referenced columns' ColumnSpecs, in list order.
type Projection []ProjEntry

// OutSchema builds a join's output Schema from its build/probe schemas.
func (p Projection) OutSchema(build, probe *schema.Schema) schema.Schema {
	parts := make([][]schema.ColumnSpec, 0, len(p))
	for _, e := range p {
		var c schema.ColumnSpec
		if e.Side == Build {
			c = build.Column(e.Col)
		} else {
			c = probe.Column(e.Col)
		}
		parts = append(parts, []schema.ColumnSpec{c})
	}
	return schema.Concat(parts...)
}

// BuildOnly returns the column indices of p's Build-side entries, in order.
func (p Projection) BuildOnly() []int {
	var cols []int
	for _, e := range p {
		if e.Side == Build {
			cols = append(cols, e.Col)
		}
	}
	return cols
}
