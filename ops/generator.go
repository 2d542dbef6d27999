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

const defaultGeneratorOutBytes = 1 << 16

// Generator is the IntGenerator test-fixture leaf (original_source/
// operators/generator_int.cpp): it synthesizes totalTuples rows of schema
// [INTEGER, CHAR(width-4)], each with a sequential integer in column 0 and
// a fixed filler string padding out to width, until sizeInMB worth of
// tuples have been produced. Used to drive benchmarks and tests without an
// external dataset.
type Generator struct {
	operator.ZeroInput

	width       int
	totalTuples int64

	sch schema.Schema

	states []*generatorState
}

type generatorState struct {
	out      *page.Buffer
	produced int64
}

// NewGenerator builds a Generator producing roughly sizeInMB megabytes of
// width-byte tuples.
func NewGenerator(sizeInMB, width, nthreads int) (*Generator, error) {
	if width <= 4 {
		return nil, fmt.Errorf("generator: width must exceed 4, got %d", width)
	}
	sch, err := schema.New([]schema.Type{schema.INTEGER, schema.CHAR}, []int{0, width - 4})
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	total := int64(sizeInMB) * 1024 * 1024 / int64(width)
	return &Generator{
		width:       width,
		totalTuples: total,
		sch:         sch,
		states:      make([]*generatorState, nthreads),
	}, nil
}

func (g *Generator) OutSchema() *schema.Schema       { return &g.sch }
func (g *Generator) Accept(v operator.Visitor) error { return v.Visit(g) }

func (g *Generator) Init(cfg operator.Config) error { return nil }

func (g *Generator) ThreadInit(tid int) error {
	size := defaultGeneratorOutBytes
	if ts := g.sch.TupleSize(); ts > size {
		size = ts // the output page must hold at least one tuple
	}
	buf := numa.Allocate(numa.CurrentNode(), size, "GENo")
	out, err := page.New(buf, g.sch.TupleSize(), "GENo")
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	g.states[tid] = &generatorState{out: out}
	return nil
}

func (g *Generator) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	g.states[tid].produced = 0
	return operator.Ready, nil
}

func (g *Generator) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := g.states[tid]
	ts.out.Reset()
	c1 := g.sch.Column(1)
	for ts.produced < g.totalTuples {
		dest := ts.out.AllocateTuple()
		if dest == nil {
			return operator.Ready, ts.out, nil
		}
		binary.LittleEndian.PutUint32(dest[0:4], uint32(ts.produced))
		filler := dest[c1.Offset : c1.Offset+c1.Width]
		for i := range filler {
			filler[i] = byte('a' + i%26)
		}
		ts.produced++
	}
	return operator.Finished, ts.out, nil
}

func (g *Generator) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	return operator.Ready, nil
}

func (g *Generator) ThreadClose(tid int) error {
	ts := g.states[tid]
	if ts != nil && ts.out != nil {
		numa.Release(ts.out.Raw())
	}
	return nil
}

func (g *Generator) Destroy() error { return nil }
