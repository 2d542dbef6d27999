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
	"testing"

	"github.com/sblanas/pythia-sub000/schema"
)

func buildIntPage(t *testing.T, values []int32) (*Buffer, *schema.Schema) {
	t.Helper()
	sch, err := schema.New([]schema.Type{schema.INTEGER}, nil)
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	buf, err := New(make([]byte, len(values)*sch.TupleSize()), sch.TupleSize(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, v := range values {
		tup := buf.AllocateTuple()
		binary.LittleEndian.PutUint32(tup, uint32(v))
	}
	return buf, &sch
}

func TestSortByColumnOrdersAscending(t *testing.T) {
	buf, sch := buildIntPage(t, []int32{5, -1, 3, 3, 0})
	if err := SortByColumn(buf, sch, 0); err != nil {
		t.Fatalf("SortByColumn: %v", err)
	}
	if !IsSorted(buf, sch, 0) {
		t.Fatal("expected page to be sorted")
	}
	var got []int32
	for i := 0; i < buf.TupleCount(); i++ {
		got = append(got, int32(binary.LittleEndian.Uint32(buf.Tuple(i))))
	}
	want := []int32{-1, 0, 3, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSortByColumnRejectsCharColumn(t *testing.T) {
	sch, _ := schema.New([]schema.Type{schema.CHAR}, []int{8})
	buf, _ := New(make([]byte, 8), 8, "test")
	if err := SortByColumn(buf, &sch, 0); err == nil {
		t.Fatal("expected error sorting a CHAR column")
	}
}

func TestIsSortedDetectsUnsortedPage(t *testing.T) {
	buf, sch := buildIntPage(t, []int32{1, 5, 2})
	if IsSorted(buf, sch, 0) {
		t.Fatal("expected page to report as unsorted")
	}
}

func TestSortByColumnNoopOnSmallPage(t *testing.T) {
	buf, sch := buildIntPage(t, []int32{7})
	if err := SortByColumn(buf, sch, 0); err != nil {
		t.Fatalf("SortByColumn: %v", err)
	}
	if !IsSorted(buf, sch, 0) {
		t.Fatal("a single-tuple page is trivially sorted")
	}
}
