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

const bitEntropyBits = 64

// BitEntropyPrinter tallies, per bit position of one LONG input column,
// how many input tuples carried a 0 versus a 1 at that bit -- a quick
// sanity check on a hash or key column's bit distribution. Grounded on
// original_source/operators/bitentropy.cpp: output has one row per bit
// (schema tid, bit, count0, count1), populated once up front and then
// accumulated across every input tuple before the single Finished.
type BitEntropyPrinter struct {
	operator.SingleInput

	field int

	inSch, sch schema.Schema

	states []*bitEntropyState
}

type bitEntropyState struct {
	out     *page.Buffer
	started bool
}

func NewBitEntropyPrinter(child operator.Op, field int, nthreads int) *BitEntropyPrinter {
	return &BitEntropyPrinter{
		SingleInput: operator.SingleInput{Child: child},
		field:       field,
		states:      make([]*bitEntropyState, nthreads),
	}
}

func (b *BitEntropyPrinter) OutSchema() *schema.Schema { return &b.sch }

func (b *BitEntropyPrinter) Accept(v operator.Visitor) error {
	if err := v.Visit(b); err != nil {
		return err
	}
	return b.Child.Accept(v)
}

func (b *BitEntropyPrinter) Init(cfg operator.Config) error {
	if err := b.Child.Init(cfg); err != nil {
		return fmt.Errorf("bitentropy: %w", err)
	}
	b.inSch = *b.Child.OutSchema()
	c := b.inSch.Column(b.field)
	if c.Type != schema.LONG {
		return fmt.Errorf("bitentropy: field must be LONG, got %v", c.Type)
	}
	sch, err := schema.New(
		[]schema.Type{schema.INTEGER, schema.INTEGER, schema.LONG, schema.LONG},
		nil,
	)
	if err != nil {
		return fmt.Errorf("bitentropy: %w", err)
	}
	b.sch = sch
	return nil
}

func (b *BitEntropyPrinter) ThreadInit(tid int) error {
	buf := numa.Allocate(numa.CurrentNode(), bitEntropyBits*b.sch.TupleSize(), "BITo")
	out, err := page.New(buf, b.sch.TupleSize(), "BITo")
	if err != nil {
		return fmt.Errorf("bitentropy: %w", err)
	}
	b.states[tid] = &bitEntropyState{out: out}
	return nil
}

func (b *BitEntropyPrinter) populate(out *page.Buffer, tid int) {
	for bit := 0; bit < bitEntropyBits; bit++ {
		tup := out.AllocateTuple()
		binary.LittleEndian.PutUint32(tup[0:4], uint32(tid))
		binary.LittleEndian.PutUint32(tup[4:8], uint32(bit))
		binary.LittleEndian.PutUint64(tup[8:16], 0)
		binary.LittleEndian.PutUint64(tup[16:24], 0)
	}
}

func (b *BitEntropyPrinter) addStats(out *page.Buffer, val int64) {
	for bit := 0; bit < bitEntropyBits; bit++ {
		tup := out.Tuple(bit)
		if val&(1<<uint(bit)) != 0 {
			v := binary.LittleEndian.Uint64(tup[16:24]) + 1
			binary.LittleEndian.PutUint64(tup[16:24], v)
		} else {
			v := binary.LittleEndian.Uint64(tup[8:16]) + 1
			binary.LittleEndian.PutUint64(tup[8:16], v)
		}
	}
}

// GetNext populates the fixed 64-row output page on first call, then
// drains child to completion, folding every input tuple's field into the
// per-bit counters before returning the single Finished page.
func (b *BitEntropyPrinter) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := b.states[tid]
	if !ts.started {
		ts.out.Reset()
		b.populate(ts.out, tid)
		ts.started = true
	}
	c := b.inSch.Column(b.field)
	for {
		code, pg, err := b.Child.GetNext(ctx, tid)
		if err != nil {
			return operator.Error, nil, err
		}
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			val := int64(binary.LittleEndian.Uint64(tup[c.Offset : c.Offset+c.Width]))
			b.addStats(ts.out, val)
		}
		if code == operator.Finished {
			return operator.Finished, ts.out, nil
		}
	}
}

func (b *BitEntropyPrinter) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	ts := b.states[tid]
	ts.started = false
	return b.Child.ScanStop(ctx, tid)
}

func (b *BitEntropyPrinter) ThreadClose(tid int) error {
	ts := b.states[tid]
	if ts != nil && ts.out != nil {
		numa.Release(ts.out.Raw())
	}
	return nil
}

func (b *BitEntropyPrinter) Destroy() error { return nil }
