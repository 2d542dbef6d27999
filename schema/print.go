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
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// pager is the subset of page.Buffer PrettyPrint needs; declared locally
// rather than imported so schema never depends on page (page already
// depends on schema).
type pager interface {
	TupleCount() int
	Tuple(i int) []byte
}

// PrettyPrint writes one line per tuple of pg to w, tab-separated,
// formatting each column according to its Type -- the driver binary's
// only way of rendering a result set (spec.md §6.2: "streams result pages
// to stdout via schema.prettyPrint").
func (s *Schema) PrettyPrint(w io.Writer, pg pager) error {
	for i := 0; i < pg.TupleCount(); i++ {
		tup := pg.Tuple(i)
		fields := make([]string, len(s.cols))
		for j, c := range s.cols {
			fields[j] = formatColumn(c, tup[c.Offset:c.Offset+c.Width])
		}
		if _, err := fmt.Fprintln(w, strings.Join(fields, "\t")); err != nil {
			return err
		}
	}
	return nil
}

func formatColumn(c ColumnSpec, raw []byte) string {
	switch c.Type {
	case INTEGER:
		return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(raw)))
	case LONG, POINTER:
		return fmt.Sprintf("%d", int64(binary.LittleEndian.Uint64(raw)))
	case DATE:
		return Date(binary.LittleEndian.Uint64(raw)).Format(c.DateFormat)
	case DECIMAL:
		return fmt.Sprintf("%g", math.Float64frombits(binary.LittleEndian.Uint64(raw)))
	case CHAR:
		return strings.TrimRight(string(raw), "\x00")
	default:
		return fmt.Sprintf("%x", raw)
	}
}

// Header returns a tab-separated column-name header line ("col0\tcol1\t...")
// since Schema carries no column names of its own (operators agree on
// column meaning positionally, per schema.go's doc comment).
func (s *Schema) Header() string {
	names := make([]string, len(s.cols))
	for i, c := range s.cols {
		names[i] = fmt.Sprintf("col%d(%s)", i, c.Type)
	}
	return strings.Join(names, "\t")
}
