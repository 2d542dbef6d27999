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

package schema

import "testing"

func TestNewComputesOffsetsAndTupleSize(t *testing.T) {
	sch, err := New([]Type{INTEGER, LONG, CHAR}, []int{0, 0, 12})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sch.NumColumns() != 3 {
		t.Fatalf("NumColumns = %d, want 3", sch.NumColumns())
	}
	wantOffsets := []int{0, 4, 12}
	for i, want := range wantOffsets {
		if got := sch.Column(i).Offset; got != want {
			t.Fatalf("column %d offset = %d, want %d", i, got, want)
		}
	}
	if sch.TupleSize() != 24 {
		t.Fatalf("TupleSize = %d, want 24", sch.TupleSize())
	}
}

func TestNewRejectsMismatchedWidths(t *testing.T) {
	if _, err := New([]Type{INTEGER, LONG}, []int{0}); err == nil {
		t.Fatal("expected error for mismatched widths/types length")
	}
}

func TestNewRejectsNonPositiveCharWidth(t *testing.T) {
	if _, err := New([]Type{CHAR}, []int{0}); err == nil {
		t.Fatal("expected error for CHAR(0)")
	}
}

func TestConcatRecomputesOffsets(t *testing.T) {
	left, _ := New([]Type{INTEGER}, nil)
	right, _ := New([]Type{LONG, CHAR}, []int{0, 4})
	merged := Concat(left.Columns(), right.Columns())
	if merged.NumColumns() != 3 {
		t.Fatalf("NumColumns = %d, want 3", merged.NumColumns())
	}
	if merged.Column(0).Offset != 0 || merged.Column(1).Offset != 4 || merged.Column(2).Offset != 12 {
		t.Fatalf("unexpected offsets: %+v %+v %+v", merged.Column(0), merged.Column(1), merged.Column(2))
	}
	if merged.TupleSize() != 16 {
		t.Fatalf("TupleSize = %d, want 16", merged.TupleSize())
	}
}

func TestColumnsReturnsDefensiveCopy(t *testing.T) {
	sch, _ := New([]Type{INTEGER, INTEGER}, nil)
	cols := sch.Columns()
	cols[0].Width = 999
	if sch.Column(0).Width == 999 {
		t.Fatal("mutating Columns() result leaked into the Schema")
	}
}

func TestSetDateFormatRejectsNonDateColumn(t *testing.T) {
	sch, _ := New([]Type{INTEGER}, nil)
	if err := sch.SetDateFormat(0, "d/m/y"); err == nil {
		t.Fatal("expected error setting a date format on an INTEGER column")
	}
}

func TestCalcOffsetSlicesTheRightBytes(t *testing.T) {
	sch, _ := New([]Type{INTEGER, LONG}, nil)
	tup := make([]byte, sch.TupleSize())
	for i := range tup {
		tup[i] = byte(i)
	}
	got := CalcOffset(tup, &sch, 1)
	if len(got) != 8 || got[0] != 4 {
		t.Fatalf("CalcOffset(1) = %v, want 8 bytes starting at offset 4", got)
	}
}
