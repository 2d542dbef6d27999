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

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

// fixedPage is a minimal pager backed by a plain slice of raw tuples, for
// exercising PrettyPrint without depending on the page package (which
// itself depends on schema).
type fixedPage struct {
	tupleSize int
	data      []byte
}

func (p *fixedPage) TupleCount() int { return len(p.data) / p.tupleSize }
func (p *fixedPage) Tuple(i int) []byte {
	return p.data[i*p.tupleSize : (i+1)*p.tupleSize]
}

func TestPrettyPrintFormatsEachColumnType(t *testing.T) {
	sch, err := New([]Type{INTEGER, LONG, CHAR}, []int{0, 0, 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tupleSize := sch.TupleSize()
	tup := make([]byte, tupleSize)
	neg := int32(-7)
	binary.LittleEndian.PutUint32(tup[0:4], uint32(neg))
	binary.LittleEndian.PutUint64(tup[4:12], uint64(int64(42)))
	copy(tup[12:16], "ab\x00\x00")

	pg := &fixedPage{tupleSize: tupleSize, data: tup}
	var buf bytes.Buffer
	if err := sch.PrettyPrint(&buf, pg); err != nil {
		t.Fatalf("PrettyPrint: %v", err)
	}
	want := "-7\t42\tab\n"
	if buf.String() != want {
		t.Fatalf("PrettyPrint = %q, want %q", buf.String(), want)
	}
}

func TestPrettyPrintFormatsDateColumn(t *testing.T) {
	sch, err := New([]Type{DATE}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := Pack(0, 0, 0, 15, 6, 2020)
	tup := make([]byte, sch.TupleSize())
	binary.LittleEndian.PutUint64(tup, uint64(d))

	pg := &fixedPage{tupleSize: sch.TupleSize(), data: tup}
	var buf bytes.Buffer
	if err := sch.PrettyPrint(&buf, pg); err != nil {
		t.Fatalf("PrettyPrint: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "15/6/2020" {
		t.Fatalf("PrettyPrint = %q, want %q", buf.String(), "15/6/2020")
	}
}

func TestHeaderNamesColumnsByPositionAndType(t *testing.T) {
	sch, err := New([]Type{INTEGER, CHAR}, []int{0, 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := sch.Header()
	want := "col0(INTEGER)\tcol1(CHAR)"
	if got != want {
		t.Fatalf("Header = %q, want %q", got, want)
	}
}
