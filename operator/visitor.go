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

import "fmt"

// withChildren is implemented by every non-leaf operator (via the
// SingleInput/DualInput mixins); ZeroInput's Children() returns nil. The
// recursive walkers below use it instead of coupling each operator to
// tree-walking logic, per spec.md §4.1's "no operator calls lifecycle on
// children directly for threadInit/threadClose/destroy -- the visitor
// walks the tree."
type withChildren interface {
	Children() []Op
}

func children(op Op) []Op {
	if wc, ok := op.(withChildren); ok {
		return wc.Children()
	}
	return nil
}

// Visitor is the double-dispatch entry point spec.md §4.1 requires every
// operator to support via Accept. A concrete Visitor is free to do
// something different per concrete operator type (see PrettyPrinter);
// the recursive walkers below use a closure-based visitor since Pythia's
// operator set is Go interfaces rather than a fixed closed class hierarchy.
type Visitor interface {
	Visit(op Op) error
}

// FuncVisitor adapts a plain function to the Visitor interface.
type FuncVisitor func(op Op) error

func (f FuncVisitor) Visit(op Op) error { return f(op) }

// Accept visits op itself and does not recurse into its children. It fits
// a leaf operator:
//
//	func (o *Foo) Accept(v operator.Visitor) error { return operator.Accept(o, v) }
//
// The non-leaf operators in this module write their own Accept, which
// visits self and then calls Accept on each child.
func Accept(op Op, v Visitor) error {
	return v.Visit(op)
}

// walk applies fn to every operator in the subtree rooted at op, in either
// pre-order (fn(op) before recursing into children) or post-order
// (fn(op) after).
func walk(op Op, preOrder bool, fn func(Op) error) error {
	if preOrder {
		if err := fn(op); err != nil {
			return err
		}
	}
	for _, c := range children(op) {
		if err := walk(c, preOrder, fn); err != nil {
			return err
		}
	}
	if !preOrder {
		if err := fn(op); err != nil {
			return err
		}
	}
	return nil
}

// RecursiveThreadInit calls ThreadInit(tid) on every operator in the
// subtree, pre-order (spec.md §4.1: "via a recursive pre-visitor").
func RecursiveThreadInit(op Op, tid int) error {
	return walk(op, true, func(o Op) error {
		if err := o.ThreadInit(tid); err != nil {
			return fmt.Errorf("operator: threadInit(%d) on %T: %w", tid, o, err)
		}
		return nil
	})
}

// RecursiveThreadClose calls ThreadClose(tid) on every operator in the
// subtree, post-order (children release their per-thread state before
// their parent does).
func RecursiveThreadClose(op Op, tid int) error {
	return walk(op, false, func(o Op) error {
		if err := o.ThreadClose(tid); err != nil {
			return fmt.Errorf("operator: threadClose(%d) on %T: %w", tid, o, err)
		}
		return nil
	})
}

// RecursiveDestroy calls Destroy() on every operator in the subtree,
// post-order, per spec.md §2: "destroy() runs once at the end (post-order)".
func RecursiveDestroy(op Op) error {
	return walk(op, false, func(o Op) error {
		if err := o.Destroy(); err != nil {
			return fmt.Errorf("operator: destroy on %T: %w", o, err)
		}
		return nil
	})
}

// RecursiveFree is an alias of RecursiveDestroy kept for symmetry with
// spec.md's design notes ("Visitor infra (RecursiveInit/Close/Destroy/Free,
// PrettyPrinter)"); in this port, releasing an operator's resources and
// "freeing" it are the same act, since Go operators have no separate
// manual deallocation step beyond Destroy.
func RecursiveFree(op Op) error { return RecursiveDestroy(op) }
