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

package ops

import (
	"context"
	"fmt"

	"github.com/sblanas/pythia-sub000/comparator"
	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

const defaultFilterOutBytes = 1 << 16

// Filter is FilterOp (original_source/operators/filter.cpp): it copies
// through every input tuple whose column satisfies op against a fixed
// literal, dropping the rest. The output schema equals the input schema.
type Filter struct {
	operator.SingleInput

	col   int
	op    comparator.Op
	value []byte // raw bytes for the literal, width == column's width

	sch   schema.Schema
	cmp   *comparator.Comparator
	outBytes int

	states []*mapState
}

// NewFilter builds a Filter keeping tuples where column col compares op
// against value (already encoded in the column's native byte width).
func NewFilter(child operator.Op, col int, op comparator.Op, value []byte, nthreads int) *Filter {
	return &Filter{
		SingleInput: operator.SingleInput{Child: child},
		col:         col,
		op:          op,
		value:       value,
		outBytes:    defaultFilterOutBytes,
		states:      make([]*mapState, nthreads),
	}
}

func (f *Filter) OutSchema() *schema.Schema { return &f.sch }

func (f *Filter) Accept(v operator.Visitor) error {
	if err := v.Visit(f); err != nil {
		return err
	}
	return f.Child.Accept(v)
}

func (f *Filter) Init(cfg operator.Config) error {
	if err := f.Child.Init(cfg); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.sch = *f.Child.OutSchema()
	c := f.sch.Column(f.col)
	if len(f.value) != c.Width {
		return fmt.Errorf("filter: literal width %d does not match column width %d", len(f.value), c.Width)
	}
	cmp, err := comparator.New(f.op, c, schema.ColumnSpec{Type: c.Type, Width: c.Width})
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.cmp = cmp
	return nil
}

func (f *Filter) ThreadInit(tid int) error {
	buf := numa.Allocate(numa.CurrentNode(), f.outBytes, "FLTo")
	out, err := page.New(buf, f.sch.TupleSize(), "FLTo")
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.states[tid] = &mapState{out: out}
	return nil
}

// ScanStart forwards to Child and clears this thread's resumption state
// so a second scan cycle on the same tid starts from a clean mapState
// instead of seeing a stale done/pos left over from the previous scan.
func (f *Filter) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	ts := f.states[tid]
	ts.in, ts.pos, ts.done = nil, 0, false
	return f.Child.ScanStart(ctx, tid, indexData, indexSchema)
}

func (f *Filter) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	ts := f.states[tid]
	ts.in, ts.pos, ts.done = nil, 0, false
	return f.Child.ScanStop(ctx, tid)
}

func (f *Filter) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := f.states[tid]
	ts.out.Reset()
	keep := func(tup []byte) bool { return f.cmp.EvalAt(tup, f.value) }
	write := func(dest, tup []byte) { copy(dest, tup) }
	return runMap(ctx, f.Child, tid, ts, keep, write)
}

func (f *Filter) ThreadClose(tid int) error {
	ts := f.states[tid]
	if ts != nil && ts.out != nil {
		numa.Release(ts.out.Raw())
	}
	return nil
}

func (f *Filter) Destroy() error { return nil }
