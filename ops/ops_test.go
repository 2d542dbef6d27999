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
	"testing"

	"github.com/sblanas/pythia-sub000/comparator"
	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// fixedRows hands back a fixed, per-thread slice of (key,val) INTEGER rows
// as one page, mirroring the fixture used across this module's operator
// tests.
type fixedRows struct {
	operator.ZeroInput
	perThread map[int][][2]int32
	sch       schema.Schema
	done      map[int]bool
}

func newFixedRows(perThread map[int][][2]int32) *fixedRows {
	sch, _ := schema.New([]schema.Type{schema.INTEGER, schema.INTEGER}, nil)
	return &fixedRows{perThread: perThread, sch: sch, done: map[int]bool{}}
}

func (f *fixedRows) Init(cfg operator.Config) error  { return nil }
func (f *fixedRows) ThreadInit(tid int) error        { return nil }
func (f *fixedRows) ThreadClose(tid int) error       { return nil }
func (f *fixedRows) Destroy() error                  { return nil }
func (f *fixedRows) OutSchema() *schema.Schema       { return &f.sch }
func (f *fixedRows) Accept(v operator.Visitor) error { return v.Visit(f) }

func (f *fixedRows) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	f.done[tid] = false
	return operator.Ready, nil
}

func (f *fixedRows) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	if f.done[tid] {
		return operator.Finished, &page.Buffer{}, nil
	}
	f.done[tid] = true
	buf := numa.Allocate(0, 4096, "test")
	pg, err := page.New(buf, f.sch.TupleSize(), "test")
	if err != nil {
		return operator.Error, nil, err
	}
	for _, r := range f.perThread[tid] {
		tup := pg.AllocateTuple()
		binary.LittleEndian.PutUint32(tup[0:4], uint32(r[0]))
		binary.LittleEndian.PutUint32(tup[4:8], uint32(r[1]))
	}
	return operator.Ready, pg, nil
}

func (f *fixedRows) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	return operator.Ready, nil
}

// longRows is fixedRows' LONG-column counterpart, used by the
// BitEntropyPrinter test.
type longRows struct {
	operator.ZeroInput
	perThread map[int][]int64
	sch       schema.Schema
	done      map[int]bool
}

func newLongRows(perThread map[int][]int64) *longRows {
	sch, _ := schema.New([]schema.Type{schema.LONG}, nil)
	return &longRows{perThread: perThread, sch: sch, done: map[int]bool{}}
}

func (l *longRows) Init(cfg operator.Config) error  { return nil }
func (l *longRows) ThreadInit(tid int) error        { return nil }
func (l *longRows) ThreadClose(tid int) error       { return nil }
func (l *longRows) Destroy() error                  { return nil }
func (l *longRows) OutSchema() *schema.Schema       { return &l.sch }
func (l *longRows) Accept(v operator.Visitor) error { return v.Visit(l) }

func (l *longRows) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	l.done[tid] = false
	return operator.Ready, nil
}

func (l *longRows) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	if l.done[tid] {
		return operator.Finished, &page.Buffer{}, nil
	}
	l.done[tid] = true
	buf := numa.Allocate(0, 4096, "test")
	pg, err := page.New(buf, l.sch.TupleSize(), "test")
	if err != nil {
		return operator.Error, nil, err
	}
	for _, v := range l.perThread[tid] {
		tup := pg.AllocateTuple()
		binary.LittleEndian.PutUint64(tup[0:8], uint64(v))
	}
	return operator.Ready, pg, nil
}

func (l *longRows) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	return operator.Ready, nil
}

func drive(t *testing.T, op operator.Op, tid int) []*page.Buffer {
	t.Helper()
	ctx := context.Background()
	if err := op.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := op.ThreadInit(tid); err != nil {
		t.Fatalf("ThreadInit: %v", err)
	}
	if _, err := op.ScanStart(ctx, tid, nil, nil); err != nil {
		t.Fatalf("ScanStart: %v", err)
	}
	var pages []*page.Buffer
	for {
		code, pg, err := op.GetNext(ctx, tid)
		if err != nil {
			t.Fatalf("GetNext: %v", err)
		}
		pages = append(pages, pg)
		if code == operator.Finished {
			break
		}
	}
	if _, err := op.ScanStop(ctx, tid); err != nil {
		t.Fatalf("ScanStop: %v", err)
	}
	if err := op.ThreadClose(tid); err != nil {
		t.Fatalf("ThreadClose: %v", err)
	}
	return pages
}

func TestFilterKeepsMatching(t *testing.T) {
	child := newFixedRows(map[int][][2]int32{
		0: {{1, 10}, {2, 3}, {3, 20}, {4, 1}},
	})
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, 5)
	f := NewFilter(child, 1, comparator.GT, value, 1)

	var got [][2]int32
	for _, pg := range drive(t, f, 0) {
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			got = append(got, [2]int32{
				int32(binary.LittleEndian.Uint32(tup[0:4])),
				int32(binary.LittleEndian.Uint32(tup[4:8])),
			})
		}
	}
	want := [][2]int32{{1, 10}, {3, 20}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// TestFilterSupportsSecondScanCycle runs ScanStart/GetNext.../ScanStop
// twice over one Init/ThreadInit, guarding against stale mapState
// (in/pos/done) surviving a ScanStop and silently turning the second
// scan cycle into an empty Finished page (spec.md §4.1: "a new scanStart
// may follow" a scanStop).
func TestFilterSupportsSecondScanCycle(t *testing.T) {
	ctx := context.Background()
	child := newFixedRows(map[int][][2]int32{
		0: {{1, 10}, {2, 3}},
	})
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, 0)
	f := NewFilter(child, 1, comparator.GT, value, 1)

	if err := f.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := f.ThreadInit(0); err != nil {
		t.Fatalf("ThreadInit: %v", err)
	}

	runScan := func() int {
		if _, err := f.ScanStart(ctx, 0, nil, nil); err != nil {
			t.Fatalf("ScanStart: %v", err)
		}
		n := 0
		for {
			code, pg, err := f.GetNext(ctx, 0)
			if err != nil {
				t.Fatalf("GetNext: %v", err)
			}
			n += pg.TupleCount()
			if code == operator.Finished {
				break
			}
		}
		if _, err := f.ScanStop(ctx, 0); err != nil {
			t.Fatalf("ScanStop: %v", err)
		}
		return n
	}

	first := runScan()
	second := runScan()
	if first != 2 || second != 2 {
		t.Fatalf("first=%d second=%d, want 2 and 2", first, second)
	}
}

func TestProjectDropsColumn(t *testing.T) {
	child := newFixedRows(map[int][][2]int32{
		0: {{1, 10}, {2, 20}},
	})
	p := NewProject(child, []int{1}, 1)

	var got []int32
	for _, pg := range drive(t, p, 0) {
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			if len(tup) != 4 {
				t.Fatalf("expected 4-byte tuple, got %d", len(tup))
			}
			got = append(got, int32(binary.LittleEndian.Uint32(tup)))
		}
	}
	want := []int32{10, 20}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestThreadIdPrependAddsColumn(t *testing.T) {
	child := newFixedRows(map[int][][2]int32{
		0: {{1, 10}},
	})
	tip := NewThreadIdPrepend(child, 1)

	var tids []int32
	for _, pg := range drive(t, tip, 0) {
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			if len(tup) != 12 {
				t.Fatalf("expected 12-byte tuple, got %d", len(tup))
			}
			tids = append(tids, int32(binary.LittleEndian.Uint32(tup[0:4])))
		}
	}
	if len(tids) != 1 || tids[0] != 0 {
		t.Fatalf("expected one row with tid 0, got %v", tids)
	}
}

func TestConsumeXorsAllWords(t *testing.T) {
	child := newFixedRows(map[int][][2]int32{
		0: {{1, 2}, {3, 4}},
	})
	c := NewConsume(child, 1)

	var last []byte
	for _, pg := range drive(t, c, 0) {
		if pg.TupleCount() > 0 {
			last = pg.Tuple(0)
		}
	}
	if last == nil {
		t.Fatal("expected one output tuple")
	}
	got := int32(binary.LittleEndian.Uint32(last))
	want := int32(1) ^ int32(2) ^ int32(3) ^ int32(4)
	if got != want {
		t.Fatalf("xor accumulator = %d, want %d", got, want)
	}
}

func TestBitEntropyPrinterCountsBits(t *testing.T) {
	child := newLongRows(map[int][]int64{
		0: {0b1, 0b1, 0b10},
	})
	b := NewBitEntropyPrinter(child, 0, 1)

	rows := map[int32][2]int64{}
	for _, pg := range drive(t, b, 0) {
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			bit := int32(binary.LittleEndian.Uint32(tup[4:8]))
			c0 := int64(binary.LittleEndian.Uint64(tup[8:16]))
			c1 := int64(binary.LittleEndian.Uint64(tup[16:24]))
			rows[bit] = [2]int64{c0, c1}
		}
	}
	if len(rows) != bitEntropyBits {
		t.Fatalf("expected %d bit rows, got %d", bitEntropyBits, len(rows))
	}
	if rows[0] != [2]int64{1, 2} {
		t.Fatalf("bit 0 counts = %v, want [1 2]", rows[0])
	}
	if rows[1] != [2]int64{2, 1} {
		t.Fatalf("bit 1 counts = %v, want [2 1]", rows[1])
	}
	if rows[2] != [2]int64{3, 0} {
		t.Fatalf("bit 2 counts = %v, want [3 0]", rows[2])
	}
}

func TestGeneratorProducesExpectedTupleCount(t *testing.T) {
	width := 1024 * 1024
	g, err := NewGenerator(2, width, 1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	var total int
	for _, pg := range drive(t, g, 0) {
		total += pg.TupleCount()
	}
	if int64(total) != g.totalTuples {
		t.Fatalf("produced %d tuples, want %d", total, g.totalTuples)
	}
	if g.totalTuples != 2 {
		t.Fatalf("expected totalTuples 2, got %d", g.totalTuples)
	}
}
