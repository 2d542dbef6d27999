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

package page

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"github.com/sblanas/pythia-sub000/schema"
)

// SortByColumn sorts the tuples of b in place by ascending value of column
// col, for INTEGER, LONG, DECIMAL and DATE columns. CHAR and POINTER
// columns are rejected, matching the original's NotYetImplemented for
// "larger types" (spec.md §4.4.4).
//
// The sort is implemented by building an index permutation with
// slices.SortFunc (the teacher's dependency of choice for typed sorts
// throughout plan/pir) and then materializing it into a scratch buffer,
// since TupleBuffer's backing array is a flat []byte rather than a slice of
// a sortable element type.
func SortByColumn(b *Buffer, s *schema.Schema, col int) error {
	if col < 0 || col >= s.NumColumns() {
		return fmt.Errorf("page: sort column %d out of range", col)
	}
	c := s.Column(col)
	switch c.Type {
	case schema.INTEGER, schema.LONG, schema.DECIMAL, schema.DATE:
	default:
		return fmt.Errorf("page: sort on column type %v not yet implemented", c.Type)
	}

	n := b.TupleCount()
	if n <= 1 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	key := func(i int) float64 { return sortKey(b.Tuple(i), c) }
	slices.SortFunc(idx, func(a, bb int) bool { return key(a) < key(bb) })

	scratch := make([]byte, b.tupleSize*n)
	for newPos, oldPos := range idx {
		copy(scratch[newPos*b.tupleSize:(newPos+1)*b.tupleSize], b.Tuple(oldPos))
	}
	copy(b.data[:len(scratch)], scratch)
	return nil
}

// IsSorted reports whether b is sorted ascending by column col; used by
// the verifysorted testable property (spec.md §8, "sort-merge idempotence").
func IsSorted(b *Buffer, s *schema.Schema, col int) bool {
	c := s.Column(col)
	n := b.TupleCount()
	for i := 1; i < n; i++ {
		if sortKey(b.Tuple(i-1), c) > sortKey(b.Tuple(i), c) {
			return false
		}
	}
	return true
}

func sortKey(tuple []byte, c schema.ColumnSpec) float64 {
	mem := tuple[c.Offset : c.Offset+c.Width]
	switch c.Type {
	case schema.INTEGER:
		return float64(int32(binary.LittleEndian.Uint32(mem)))
	case schema.LONG, schema.DATE:
		return float64(int64(binary.LittleEndian.Uint64(mem)))
	case schema.DECIMAL:
		return math.Float64frombits(binary.LittleEndian.Uint64(mem))
	default:
		panic("page: sortKey called on unsortable type")
	}
}
