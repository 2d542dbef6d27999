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
	"strings"
)

// PrettyPrint renders the operator tree rooted at op as indented lines of
// "%T", one per node, children indented one level deeper than their
// parent. Grounded on plan/tree.go's recursive printops/tabfprintf helpers
// in the teacher, which walk a plan tree the same way for debug output.
func PrettyPrint(op Op) string {
	var b strings.Builder
	printOp(&b, op, 0)
	return b.String()
}

func printOp(b *strings.Builder, op Op, indent int) {
	b.WriteString(strings.Repeat("  ", indent))
	fmt.Fprintf(b, "%T\n", op)
	for _, c := range children(op) {
		printOp(b, c, indent+1)
	}
}
