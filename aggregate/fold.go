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

package aggregate

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sblanas/pythia-sub000/schema"
)

// Fold is the payload accumulator GenericAggregate delegates to, matching
// spec.md §4.6's foldInit/foldStart/fold subclass contract
// (AggregateSum/AggregateCount in the original).
type Fold interface {
	// PayloadSchema returns the column(s) appended after the group-key
	// columns in the aggregate's output schema.
	PayloadSchema() []schema.ColumnSpec
	// FoldStart initializes payload from the first tuple of a new group.
	FoldStart(payload, tuple []byte)
	// Fold accumulates one more tuple into an existing group's payload.
	Fold(payload, tuple []byte)
}

// sumFold is AggregateSum (spec.md §4.6, original_source's
// aggregatesum.cpp): the payload is a single column of the same type as the
// summed input column, which must be INTEGER, LONG, or DECIMAL.
type sumFold struct {
	col schema.ColumnSpec // the summed column's spec in the child's schema
}

// NewSum builds an AggregateSum fold over inSchema's column sumCol.
func NewSum(inSchema *schema.Schema, sumCol int) (Fold, error) {
	c := inSchema.Column(sumCol)
	switch c.Type {
	case schema.INTEGER, schema.LONG, schema.DECIMAL:
	default:
		return nil, fmt.Errorf("aggregate: cannot sum column of type %v", c.Type)
	}
	return &sumFold{col: c}, nil
}

func (f *sumFold) PayloadSchema() []schema.ColumnSpec {
	return []schema.ColumnSpec{{Type: f.col.Type, Width: f.col.Width}}
}

func (f *sumFold) FoldStart(payload, tuple []byte) {
	src := tuple[f.col.Offset : f.col.Offset+f.col.Width]
	copy(payload, src)
}

func (f *sumFold) Fold(payload, tuple []byte) {
	src := tuple[f.col.Offset : f.col.Offset+f.col.Width]
	switch f.col.Type {
	case schema.INTEGER:
		v := int32(binary.LittleEndian.Uint32(payload)) + int32(binary.LittleEndian.Uint32(src))
		binary.LittleEndian.PutUint32(payload, uint32(v))
	case schema.LONG:
		v := int64(binary.LittleEndian.Uint64(payload)) + int64(binary.LittleEndian.Uint64(src))
		binary.LittleEndian.PutUint64(payload, uint64(v))
	case schema.DECIMAL:
		v := math.Float64frombits(binary.LittleEndian.Uint64(payload)) + math.Float64frombits(binary.LittleEndian.Uint64(src))
		binary.LittleEndian.PutUint64(payload, math.Float64bits(v))
	}
}

// countFold is AggregateCount: the payload is a single LONG column counting
// group members, independent of any particular input column.
type countFold struct{}

// NewCount builds an AggregateCount fold.
func NewCount() Fold { return countFold{} }

func (countFold) PayloadSchema() []schema.ColumnSpec {
	return []schema.ColumnSpec{{Type: schema.LONG, Width: 8}}
}

func (countFold) FoldStart(payload, tuple []byte) {
	binary.LittleEndian.PutUint64(payload, 1)
}

func (countFold) Fold(payload, tuple []byte) {
	v := binary.LittleEndian.Uint64(payload) + 1
	binary.LittleEndian.PutUint64(payload, v)
}
