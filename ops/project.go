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

	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

const defaultProjectOutBytes = 1 << 16

// Project drops every input column not named in cols, keeping the listed
// ones in the given order. No dedicated operator source for this survived
// in original_source (only unit_tests/queryproject.cpp, a test driver);
// Project follows the same mapinit/map idiom as Filter/ThreadIdPrepend
// (filter.cpp, threadidprepend.cpp), just with a column-reordering write.
type Project struct {
	operator.SingleInput

	cols []int

	inSch, sch schema.Schema
	outBytes   int

	states []*mapState
}

// NewProject builds a Project keeping child's columns cols, in order.
func NewProject(child operator.Op, cols []int, nthreads int) *Project {
	return &Project{
		SingleInput: operator.SingleInput{Child: child},
		cols:        cols,
		outBytes:    defaultProjectOutBytes,
		states:      make([]*mapState, nthreads),
	}
}

func (p *Project) OutSchema() *schema.Schema { return &p.sch }

func (p *Project) Accept(v operator.Visitor) error {
	if err := v.Visit(p); err != nil {
		return err
	}
	return p.Child.Accept(v)
}

func (p *Project) Init(cfg operator.Config) error {
	if err := p.Child.Init(cfg); err != nil {
		return fmt.Errorf("project: %w", err)
	}
	p.inSch = *p.Child.OutSchema()
	kept := make([]schema.ColumnSpec, len(p.cols))
	for i, c := range p.cols {
		kept[i] = p.inSch.Column(c)
	}
	p.sch = schema.Concat(kept)
	return nil
}

func (p *Project) ThreadInit(tid int) error {
	buf := numa.Allocate(numa.CurrentNode(), p.outBytes, "PRJo")
	out, err := page.New(buf, p.sch.TupleSize(), "PRJo")
	if err != nil {
		return fmt.Errorf("project: %w", err)
	}
	p.states[tid] = &mapState{out: out}
	return nil
}

// ScanStart forwards to Child and clears this thread's resumption state
// so a second scan cycle on the same tid starts from a clean mapState
// instead of seeing a stale done/pos left over from the previous scan.
func (p *Project) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	ts := p.states[tid]
	ts.in, ts.pos, ts.done = nil, 0, false
	return p.Child.ScanStart(ctx, tid, indexData, indexSchema)
}

func (p *Project) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	ts := p.states[tid]
	ts.in, ts.pos, ts.done = nil, 0, false
	return p.Child.ScanStop(ctx, tid)
}

func (p *Project) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := p.states[tid]
	ts.out.Reset()
	keep := func(tuple []byte) bool { return true }
	write := func(dest, tuple []byte) {
		for i, c := range p.cols {
			ic := p.inSch.Column(c)
			oc := p.sch.Column(i)
			copy(dest[oc.Offset:oc.Offset+oc.Width], tuple[ic.Offset:ic.Offset+ic.Width])
		}
	}
	return runMap(ctx, p.Child, tid, ts, keep, write)
}

func (p *Project) ThreadClose(tid int) error {
	ts := p.states[tid]
	if ts != nil && ts.out != nil {
		numa.Release(ts.out.Raw())
	}
	return nil
}

func (p *Project) Destroy() error { return nil }
