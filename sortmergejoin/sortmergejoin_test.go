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

package sortmergejoin

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// fixedRows is a minimal ZeroInput leaf handing back every (key,payload)
// pair in rows as one page per thread, used so these tests don't depend
// on the not-yet-written ops/scan package.
type fixedRows struct {
	operator.ZeroInput
	rows [][2]int32
	sch  schema.Schema
	done map[int]bool
}

func newFixedRows(rows [][2]int32) *fixedRows {
	sch, _ := schema.New([]schema.Type{schema.INTEGER, schema.INTEGER}, nil)
	return &fixedRows{rows: rows, sch: sch, done: map[int]bool{}}
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
	for _, r := range f.rows {
		tup := pg.AllocateTuple()
		binary.LittleEndian.PutUint32(tup[0:4], uint32(r[0]))
		binary.LittleEndian.PutUint32(tup[4:8], uint32(r[1]))
	}
	return operator.Ready, pg, nil
}

func (f *fixedRows) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	return operator.Ready, nil
}

func readAllOutput(t *testing.T, j operator.Op, tid int) [][2]int32 {
	t.Helper()
	ctx := context.Background()
	var out [][2]int32
	for {
		code, pg, err := j.GetNext(ctx, tid)
		if err != nil {
			t.Fatalf("GetNext: %v", err)
		}
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			a := int32(binary.LittleEndian.Uint32(tup[0:4]))
			b := int32(binary.LittleEndian.Uint32(tup[4:8]))
			out = append(out, [2]int32{a, b})
		}
		if code == operator.Finished {
			break
		}
	}
	return out
}

func assertMatches(t *testing.T, got [][2]int32, want map[int32][2]int32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d matches, got %d: %v", len(want), len(got), got)
	}
	seen := map[int32]bool{}
	for _, row := range got {
		key := row[0]
		exp, ok := want[key]
		if !ok {
			t.Fatalf("unexpected key %d in output", key)
		}
		if row[1] != exp[0] {
			t.Fatalf("key %d: build payload = %d, want %d", key, row[1], exp[0])
		}
		seen[key] = true
	}
	for k := range want {
		if !seen[k] {
			t.Fatalf("missing key %d in output", k)
		}
	}
}

func projBoth() Projection {
	return Projection{
		{Side: Build, Col: 0},
		{Side: Build, Col: 1},
		{Side: Probe, Col: 1},
	}
}

func TestSortMergeJoinInnerEquiJoin(t *testing.T) {
	build := newFixedRows([][2]int32{{3, 300}, {1, 100}, {2, 200}})
	probe := newFixedRows([][2]int32{{4, 40}, {2, 20}, {3, 30}})

	groups := operator.Singleton(1)
	j := New(build, probe, 0, 0, projBoth(), groups, 16, 16, false, false, numa.Policy{Local: true})

	if err := j.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := j.ThreadInit(0); err != nil {
		t.Fatalf("ThreadInit: %v", err)
	}
	ctx := context.Background()
	if _, err := j.ScanStart(ctx, 0, nil, nil); err != nil {
		t.Fatalf("ScanStart: %v", err)
	}

	got := readAllOutput(t, j, 0)
	assertMatches(t, got, map[int32][2]int32{
		2: {200, 20},
		3: {300, 30},
	})

	if _, err := j.ScanStop(ctx, 0); err != nil {
		t.Fatalf("ScanStop: %v", err)
	}
	if err := j.ThreadClose(0); err != nil {
		t.Fatalf("ThreadClose: %v", err)
	}
}

func TestSortMergeJoinDuplicateBuildKeys(t *testing.T) {
	build := newFixedRows([][2]int32{{1, 10}, {1, 11}, {2, 20}})
	probe := newFixedRows([][2]int32{{1, 100}, {1, 101}})

	groups := operator.Singleton(1)
	j := New(build, probe, 0, 0, projBoth(), groups, 16, 16, false, false, numa.Policy{Local: true})

	if err := j.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := j.ThreadInit(0); err != nil {
		t.Fatalf("ThreadInit: %v", err)
	}
	ctx := context.Background()
	if _, err := j.ScanStart(ctx, 0, nil, nil); err != nil {
		t.Fatalf("ScanStart: %v", err)
	}
	got := readAllOutput(t, j, 0)
	// Two build rows and two probe rows share key 1: a full cross product
	// of 4 rows, plus nothing for key 2.
	if len(got) != 4 {
		t.Fatalf("expected 4 matches for duplicate key 1, got %d: %v", len(got), got)
	}
	for _, row := range got {
		if row[0] != 1 {
			t.Fatalf("unexpected key %d in output", row[0])
		}
	}
}

func TestOldMPSMJoinInnerEquiJoin(t *testing.T) {
	// OldMPSMJoinOp merges each probe page in as-received order, so the
	// probe side (unlike build, which this op sorts itself) must already
	// be sorted on the join key.
	build := newFixedRows([][2]int32{{3, 300}, {1, 100}, {2, 200}})
	probe := newFixedRows([][2]int32{{2, 20}, {3, 30}, {4, 40}})

	j := NewOld(build, probe, 0, 0, projBoth(), 1, 16, false, numa.Policy{Local: true})

	if err := j.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := j.ThreadInit(0); err != nil {
		t.Fatalf("ThreadInit: %v", err)
	}
	ctx := context.Background()
	if _, err := j.ScanStart(ctx, 0, nil, nil); err != nil {
		t.Fatalf("ScanStart: %v", err)
	}

	got := readAllOutput(t, j, 0)
	assertMatches(t, got, map[int32][2]int32{
		2: {200, 20},
		3: {300, 30},
	})
}

func TestPresortedPrepartitionedMergeJoin(t *testing.T) {
	// Both sides must already be sorted on the join key.
	build := newFixedRows([][2]int32{{1, 100}, {2, 200}, {2, 201}, {3, 300}})
	probe := newFixedRows([][2]int32{{2, 20}, {3, 30}, {4, 40}})

	j := NewPresorted(build, probe, 0, 0, projBoth(), 1, 4, numa.Policy{Local: true})

	if err := j.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := j.ThreadInit(0); err != nil {
		t.Fatalf("ThreadInit: %v", err)
	}
	ctx := context.Background()
	if _, err := j.ScanStart(ctx, 0, nil, nil); err != nil {
		t.Fatalf("ScanStart: %v", err)
	}

	got := readAllOutput(t, j, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 matches (key 2 has two build rows), got %d: %v", len(got), got)
	}
	wantBuildPayloads := map[int32][]int32{2: {200, 201}, 3: {300}}
	seen := map[int32][]int32{}
	for _, row := range got {
		if row[0] != 2 && row[0] != 3 {
			t.Fatalf("unexpected key %d in output", row[0])
		}
		seen[row[0]] = append(seen[row[0]], row[1])
	}
	for k, want := range wantBuildPayloads {
		if len(seen[k]) != len(want) {
			t.Fatalf("key %d: got %d rows, want %d", k, len(seen[k]), len(want))
		}
	}

	if _, err := j.ScanStop(ctx, 0); err != nil {
		t.Fatalf("ScanStop: %v", err)
	}
	if err := j.ThreadClose(0); err != nil {
		t.Fatalf("ThreadClose: %v", err)
	}
}
