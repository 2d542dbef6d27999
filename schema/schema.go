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

// Package schema implements Pythia's typed row layout: a closed set of
// column types, per-column byte offsets within a tuple, and the derived
// tuple size every other package (page, hashtable, comparator, ...) relies
// on for pointer arithmetic.
package schema

import "fmt"

// Type is the closed set of column types a Schema may contain.
type Type int

const (
	INTEGER Type = iota
	LONG
	DECIMAL
	CHAR
	DATE
	POINTER
)

func (t Type) String() string {
	switch t {
	case INTEGER:
		return "INTEGER"
	case LONG:
		return "LONG"
	case DECIMAL:
		return "DECIMAL"
	case CHAR:
		return "CHAR"
	case DATE:
		return "DATE"
	case POINTER:
		return "POINTER"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// wordSize is the width of a POINTER column; Pythia tuples are built for a
// 64-bit host, matching the teacher's assumption throughout vm/malloc.go.
const wordSize = 8

// Width returns the byte width of t, where n is only consulted for CHAR.
func (t Type) Width(n int) (int, error) {
	switch t {
	case INTEGER:
		return 4, nil
	case LONG, DECIMAL, DATE:
		return 8, nil
	case POINTER:
		return wordSize, nil
	case CHAR:
		if n <= 0 {
			return 0, fmt.Errorf("schema: CHAR width must be positive, got %d", n)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("schema: unknown column type %v", t)
	}
}

// ColumnSpec describes one column of a Schema.
type ColumnSpec struct {
	Type Type
	// Width is the byte width of this column (CHAR(n) => n; all other
	// types carry their fixed width here too so ColumnSpec is
	// self-contained once constructed).
	Width int
	// Offset is this column's byte offset within a tuple; it is the
	// prefix-sum of the widths of all preceding columns in the Schema.
	Offset int
	// DateFormat is non-empty only for DATE columns that carry a
	// parse/format string (spec.md §3), set through Schema.SetDateFormat.
	DateFormat string
}

// Schema is an ordered, value-typed sequence of ColumnSpec. Schemas are
// owned by the operator that produces them and are generally copied by
// value (they are small); operators agree with their consumers on column
// meaning by positional convention, not by name equality.
type Schema struct {
	cols      []ColumnSpec
	tupleSize int
}

// New builds a Schema from an ordered list of (type, width) pairs. width is
// ignored except for CHAR columns, where it is the CHAR(n) width.
func New(types []Type, widths []int) (Schema, error) {
	if len(widths) != 0 && len(widths) != len(types) {
		return Schema{}, fmt.Errorf("schema: widths length %d does not match types length %d", len(widths), len(types))
	}
	s := Schema{cols: make([]ColumnSpec, len(types))}
	off := 0
	for i, t := range types {
		n := 0
		if len(widths) != 0 {
			n = widths[i]
		}
		w, err := t.Width(n)
		if err != nil {
			return Schema{}, err
		}
		s.cols[i] = ColumnSpec{Type: t, Width: w, Offset: off}
		off += w
	}
	s.tupleSize = off
	return s, nil
}

// SetDateFormat sets the parse/format string of DATE column i, mirroring
// the original's per-column format table; it rejects non-DATE columns.
func (s *Schema) SetDateFormat(i int, format string) error {
	if i < 0 || i >= len(s.cols) {
		return fmt.Errorf("schema: column index %d out of range", i)
	}
	if s.cols[i].Type != DATE {
		return fmt.Errorf("schema: column %d is not DATE", i)
	}
	s.cols[i].DateFormat = format
	return nil
}

// NumColumns returns the number of columns.
func (s *Schema) NumColumns() int { return len(s.cols) }

// Column returns the ColumnSpec for column i.
func (s *Schema) Column(i int) ColumnSpec { return s.cols[i] }

// TupleSize returns the fixed byte width of one tuple under this schema.
func (s *Schema) TupleSize() int { return s.tupleSize }

// CalcOffset returns tuple+offsets[i], the address of column i within the
// tuple starting at tuple.
func CalcOffset(tuple []byte, s *Schema, i int) []byte {
	c := s.cols[i]
	return tuple[c.Offset : c.Offset+c.Width]
}

// Concat returns the Schema formed by concatenating the column specs of
// every part, in order, recomputing offsets. Used by joins to build an output
// schema from a projection descriptor.
func Concat(parts ...[]ColumnSpec) Schema {
	var out Schema
	off := 0
	for _, p := range parts {
		for _, c := range p {
			c.Offset = off
			out.cols = append(out.cols, c)
			off += c.Width
		}
	}
	out.tupleSize = off
	return out
}

// Columns returns a defensive copy of the underlying column specs, useful
// for building a projected Schema with Concat.
func (s *Schema) Columns() []ColumnSpec {
	out := make([]ColumnSpec, len(s.cols))
	copy(out, s.cols)
	return out
}
