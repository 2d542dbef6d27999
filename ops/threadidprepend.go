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
	"encoding/binary"
	"fmt"

	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

const defaultThreadIdPrependOutBytes = 1 << 16

// ThreadIdPrepend prepends one INTEGER column holding the producing
// thread's tid to every input tuple, grounded on
// original_source/operators/threadidprepend.cpp.
type ThreadIdPrepend struct {
	operator.SingleInput

	inSch, sch schema.Schema
	outBytes   int

	states []*mapState
}

func NewThreadIdPrepend(child operator.Op, nthreads int) *ThreadIdPrepend {
	return &ThreadIdPrepend{
		SingleInput: operator.SingleInput{Child: child},
		outBytes:    defaultThreadIdPrependOutBytes,
		states:      make([]*mapState, nthreads),
	}
}

func (t *ThreadIdPrepend) OutSchema() *schema.Schema { return &t.sch }

func (t *ThreadIdPrepend) Accept(v operator.Visitor) error {
	if err := v.Visit(t); err != nil {
		return err
	}
	return t.Child.Accept(v)
}

func (t *ThreadIdPrepend) Init(cfg operator.Config) error {
	if err := t.Child.Init(cfg); err != nil {
		return fmt.Errorf("threadidprepend: %w", err)
	}
	t.inSch = *t.Child.OutSchema()
	t.sch = schema.Concat([]schema.ColumnSpec{{Type: schema.INTEGER, Width: 4}}, t.inSch.Columns())
	return nil
}

func (t *ThreadIdPrepend) ThreadInit(tid int) error {
	buf := numa.Allocate(numa.CurrentNode(), t.outBytes, "TIPo")
	out, err := page.New(buf, t.sch.TupleSize(), "TIPo")
	if err != nil {
		return fmt.Errorf("threadidprepend: %w", err)
	}
	t.states[tid] = &mapState{out: out}
	return nil
}

// ScanStart forwards to Child and clears this thread's resumption state
// so a second scan cycle on the same tid starts from a clean mapState
// instead of seeing a stale done/pos left over from the previous scan.
func (t *ThreadIdPrepend) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	ts := t.states[tid]
	ts.in, ts.pos, ts.done = nil, 0, false
	return t.Child.ScanStart(ctx, tid, indexData, indexSchema)
}

func (t *ThreadIdPrepend) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	ts := t.states[tid]
	ts.in, ts.pos, ts.done = nil, 0, false
	return t.Child.ScanStop(ctx, tid)
}

func (t *ThreadIdPrepend) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := t.states[tid]
	ts.out.Reset()
	keep := func(tuple []byte) bool { return true }
	write := func(dest, tuple []byte) {
		binary.LittleEndian.PutUint32(dest[0:4], uint32(tid))
		copy(dest[4:], tuple)
	}
	return runMap(ctx, t.Child, tid, ts, keep, write)
}

func (t *ThreadIdPrepend) ThreadClose(tid int) error {
	ts := t.states[tid]
	if ts != nil && ts.out != nil {
		numa.Release(ts.out.Raw())
	}
	return nil
}

func (t *ThreadIdPrepend) Destroy() error { return nil }
