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

package operator

import (
	"fmt"
	"io"
	"strings"
)

// PrettyPrinter is the concrete Visitor visitor.go's doc comment refers
// to: it renders the operator tree as one indented line per operator,
// naming its concrete Go type. Concrete operators' own Accept methods
// already recurse into their children (visit self, then Child.Accept /
// Build.Accept+Probe.Accept), so PrettyPrinter.Visit only prints -- it
// does not recurse on its own, since doing so would visit every node
// twice. Indentation instead comes from a depth counter that grows by one
// on every Visit and never shrinks, which is correct for the SingleInput
// chains every seed scenario in spec.md §8 builds; under a DualInput join
// the probe branch prints one level deeper than the last node of the
// build branch rather than beside it, since Accept's recursion order
// doesn't convey branch identity to the Visitor.
type PrettyPrinter struct {
	w     io.Writer
	depth int
}

// NewPrettyPrinter builds a PrettyPrinter writing to w.
func NewPrettyPrinter(w io.Writer) *PrettyPrinter {
	return &PrettyPrinter{w: w}
}

// Visit implements Visitor.
func (p *PrettyPrinter) Visit(op Op) error {
	fmt.Fprintf(p.w, "%s%T\n", strings.Repeat("  ", p.depth), op)
	p.depth++
	return nil
}

// Print walks the subtree rooted at op via Children() (not Accept, so a
// DualInput join's branches nest correctly under their parent) and
// prints one indented line per operator.
func Print(w io.Writer, op Op) {
	printAt(w, op, 0)
}

func printAt(w io.Writer, op Op, depth int) {
	fmt.Fprintf(w, "%s%T\n", strings.Repeat("  ", depth), op)
	for _, c := range children(op) {
		printAt(w, c, depth+1)
	}
}
