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

// Consume drains its child to completion, XORing every 4-byte word of
// every input tuple into one accumulator, and emits a single output
// tuple holding the result. Grounded on
// original_source/operators/consume.cpp; used to sink a query whose only
// purpose is to force full materialization (benchmarking, warm-up runs).
type Consume struct {
	operator.SingleInput

	inSch, sch schema.Schema

	states []*consumeState
}

type consumeState struct {
	out  *page.Buffer
	done bool
}

func NewConsume(child operator.Op, nthreads int) *Consume {
	return &Consume{
		SingleInput: operator.SingleInput{Child: child},
		states:      make([]*consumeState, nthreads),
	}
}

func (c *Consume) OutSchema() *schema.Schema { return &c.sch }

func (c *Consume) Accept(v operator.Visitor) error {
	if err := v.Visit(c); err != nil {
		return err
	}
	return c.Child.Accept(v)
}

func (c *Consume) Init(cfg operator.Config) error {
	if err := c.Child.Init(cfg); err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.inSch = *c.Child.OutSchema()
	sch, err := schema.New([]schema.Type{schema.INTEGER}, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.sch = sch
	return nil
}

func (c *Consume) ThreadInit(tid int) error {
	buf := numa.Allocate(numa.CurrentNode(), 4096, "CNSo")
	out, err := page.New(buf, c.sch.TupleSize(), "CNSo")
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.states[tid] = &consumeState{out: out}
	return nil
}

// GetNext drains child to Finished on the first call, folding every tuple
// into the XOR accumulator, and emits exactly one output tuple. Subsequent
// calls for the same tid return Finished with an empty page.
func (c *Consume) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := c.states[tid]
	ts.out.Reset()
	if ts.done {
		return operator.Finished, ts.out, nil
	}
	ts.done = true

	tupWidth := c.inSch.TupleSize()
	var acc int32
	for {
		code, pg, err := c.Child.GetNext(ctx, tid)
		if err != nil {
			return operator.Error, nil, err
		}
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			for off := 0; off+4 <= tupWidth; off += 4 {
				acc ^= int32(binary.LittleEndian.Uint32(tup[off : off+4]))
			}
		}
		if code == operator.Finished {
			break
		}
	}

	dest := ts.out.AllocateTuple()
	binary.LittleEndian.PutUint32(dest, uint32(acc))
	return operator.Finished, ts.out, nil
}

func (c *Consume) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	ts := c.states[tid]
	ts.done = false
	return c.Child.ScanStop(ctx, tid)
}

func (c *Consume) ThreadClose(tid int) error {
	ts := c.states[tid]
	if ts != nil && ts.out != nil {
		numa.Release(ts.out.Raw())
	}
	return nil
}

func (c *Consume) Destroy() error { return nil }
