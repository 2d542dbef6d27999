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

// Package hashjoin implements Pythia's HashJoinOp and IndexHashJoinOp
// (spec.md §4.4.2, §4.4.3), grounded on original_source/operators/join.cpp
// (build/probe state machine, key-stored-first-in-tuple convention) and
// original_source/operators/indexjoin.cpp (index-data-page side channel).
package hashjoin

import (
	"github.com/sblanas/pythia-sub000/join"
	"github.com/sblanas/pythia-sub000/schema"
)

// Side, ProjEntry and Projection are the shared projection descriptor of
// spec.md §3; see package join.
type (
	Side      = join.Side
	ProjEntry = join.ProjEntry
	Projection = join.Projection
)

const (
	Build = join.Build
	Probe = join.Probe
)

// buildSchema builds sbuild = [joinKeyCol, then every Build-side column
// listed in the projection, in order] -- spec.md §4.4.2: "the join key is
// stored first in every hash-table tuple."
func buildSchema(build *schema.Schema, keyCol int, p Projection) schema.Schema {
	parts := [][]schema.ColumnSpec{{build.Column(keyCol)}}
	for _, e := range p {
		if e.Side == Build {
			parts = append(parts, []schema.ColumnSpec{build.Column(e.Col)})
		}
	}
	return schema.Concat(parts...)
}

// buildProjIndex returns, for each entry of p, the column index within
// sbuild (as built by buildSchema) that stores it: 1 + the count of
// earlier Build-side entries for a Build entry, or -1 for a Probe entry
// (which is read from the live probe tuple, not from sbuild).
func buildProjIndex(p Projection) []int {
	idx := make([]int, len(p))
	next := 1
	for i, e := range p {
		if e.Side == Build {
			idx[i] = next
			next++
		} else {
			idx[i] = -1
		}
	}
	return idx
}
