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

// Package comparator implements Pythia's typed Comparator and
// ConjunctionEvaluator (spec.md §4.7), grounded on
// original_source/comparator.h and original_source/conjunctionevaluator.h
// for the exact operator set and short-circuit semantics.
package comparator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sblanas/pythia-sub000/schema"
)

// Op is one of the parsed comparison operators.
type Op int

const (
	LT Op = iota
	LE
	EQ
	NE
	GE
	GT
)

// ParseOp parses one of "<, <=, =, ==, <>, !=, >=, >".
func ParseOp(s string) (Op, error) {
	switch s {
	case "<":
		return LT, nil
	case "<=":
		return LE, nil
	case "=", "==":
		return EQ, nil
	case "<>", "!=":
		return NE, nil
	case ">=":
		return GE, nil
	case ">":
		return GT, nil
	default:
		return 0, fmt.Errorf("comparator: unrecognized operator %q", s)
	}
}

// Comparator is a typed binary predicate over (left+lOffset, right+rOffset,
// size).
type Comparator struct {
	op   Op
	lt   schema.ColumnSpec
	rt   schema.ColumnSpec
	eval func(l, r []byte) bool
}

// New builds a Comparator for op over columns lt (from the left/first
// tuple's schema) and rt (from the right/second tuple's schema). Type
// compatibility follows spec.md §4.7: exact type match for
// INTEGER/LONG/DECIMAL/DATE/POINTER; both sides CHAR(n) with identical
// width; integer/float mixes are rejected.
func New(op Op, lt, rt schema.ColumnSpec) (*Comparator, error) {
	if err := checkCompatible(lt, rt); err != nil {
		return nil, err
	}
	c := &Comparator{op: op, lt: lt, rt: rt}
	c.eval = c.evaluator()
	return c, nil
}

func checkCompatible(lt, rt schema.ColumnSpec) error {
	if lt.Type == schema.CHAR && rt.Type == schema.CHAR {
		if lt.Width != rt.Width {
			return fmt.Errorf("comparator: CHAR width mismatch %d vs %d", lt.Width, rt.Width)
		}
		return nil
	}
	if lt.Type != rt.Type {
		return fmt.Errorf("comparator: incompatible column types %v and %v", lt.Type, rt.Type)
	}
	return nil
}

// EvalAt applies the comparator to two whole tuples, slicing the left
// tuple at lt.Offset/lt.Width and the right tuple at rt.Offset/rt.Width.
func (c *Comparator) EvalAt(leftTuple, rightTuple []byte) bool {
	l := leftTuple[c.lt.Offset : c.lt.Offset+c.lt.Width]
	r := rightTuple[c.rt.Offset : c.rt.Offset+c.rt.Width]
	return c.eval(l, r)
}

func cmpBytes(l, r []byte) int { return bytes.Compare(l, r) }

func (c *Comparator) evaluator() func(l, r []byte) bool {
	switch c.lt.Type {
	case schema.INTEGER:
		return func(l, r []byte) bool {
			return applyOp(c.op, int64(int32(binary.LittleEndian.Uint32(l))), int64(int32(binary.LittleEndian.Uint32(r))))
		}
	case schema.LONG, schema.DATE, schema.POINTER:
		return func(l, r []byte) bool {
			return applyOp(c.op, int64(binary.LittleEndian.Uint64(l)), int64(binary.LittleEndian.Uint64(r)))
		}
	case schema.DECIMAL:
		return func(l, r []byte) bool {
			lv := math.Float64frombits(binary.LittleEndian.Uint64(l))
			rv := math.Float64frombits(binary.LittleEndian.Uint64(r))
			return applyOpFloat(c.op, lv, rv)
		}
	case schema.CHAR:
		return func(l, r []byte) bool {
			return applyOp(c.op, int64(cmpBytes(l, r)), 0)
		}
	default:
		return func(l, r []byte) bool { return false }
	}
}

func applyOp[T int64 | float64](op Op, l, r T) bool {
	switch op {
	case LT:
		return l < r
	case LE:
		return l <= r
	case EQ:
		return l == r
	case NE:
		return l != r
	case GE:
		return l >= r
	case GT:
		return l > r
	default:
		return false
	}
}

func applyOpFloat(op Op, l, r float64) bool { return applyOp(op, l, r) }

// Conjunction is a vector of Comparators applied to corresponding column
// pairs; Eval short-circuits on the first false comparator. An empty
// Conjunction is true by definition (required so aggregation with no
// GROUP BY still matches every tuple into its single group).
type Conjunction []*Comparator

// Eval evaluates the conjunction against a (left, right) tuple pair.
func (cj Conjunction) Eval(left, right []byte) bool {
	for _, c := range cj {
		if !c.EvalAt(left, right) {
			return false
		}
	}
	return true
}

// NewEqualsConjunction builds a Conjunction that specializes every column
// pair to equality, as ConjunctionEqualsEvaluator does in spec.md §4.7 (used
// by GenericAggregate's group-key matching).
func NewEqualsConjunction(pairs [][2]schema.ColumnSpec) (Conjunction, error) {
	cj := make(Conjunction, len(pairs))
	for i, p := range pairs {
		c, err := New(EQ, p[0], p[1])
		if err != nil {
			return nil, err
		}
		cj[i] = c
	}
	return cj, nil
}
