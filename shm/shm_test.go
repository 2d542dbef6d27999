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

package shm

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// fixedRows hands back one fixed page of (key,val) INTEGER rows.
type fixedRows struct {
	operator.ZeroInput
	rows [][2]int32
	sch  schema.Schema
	done bool
}

func newFixedRows(rows [][2]int32) *fixedRows {
	sch, _ := schema.New([]schema.Type{schema.INTEGER, schema.INTEGER}, nil)
	return &fixedRows{rows: rows, sch: sch}
}

func (f *fixedRows) Init(cfg operator.Config) error  { return nil }
func (f *fixedRows) ThreadInit(tid int) error        { return nil }
func (f *fixedRows) ThreadClose(tid int) error       { return nil }
func (f *fixedRows) Destroy() error                  { return nil }
func (f *fixedRows) OutSchema() *schema.Schema       { return &f.sch }
func (f *fixedRows) Accept(v operator.Visitor) error { return v.Visit(f) }

func (f *fixedRows) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	f.done = false
	return operator.Ready, nil
}

func (f *fixedRows) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	if f.done {
		return operator.Finished, &page.Buffer{}, nil
	}
	f.done = true
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

func TestWriterThenTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rows := [][2]int32{{1, 10}, {2, 20}, {3, 30}}
	child := newFixedRows(rows)

	w := NewWriter(child, filepath.Join(dir, "seg"), 4096, 1)
	ctx := context.Background()
	if err := w.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := w.ThreadInit(0); err != nil {
		t.Fatalf("ThreadInit: %v", err)
	}
	if _, err := w.ScanStart(ctx, 0, nil, nil); err != nil {
		t.Fatalf("ScanStart: %v", err)
	}
	code, _, err := w.GetNext(ctx, 0)
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if code != operator.Finished {
		t.Fatalf("expected Finished, got %v", code)
	}

	table, err := Load(filepath.Join(dir, "seg*"), w.sch.TupleSize())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer table.Close()

	var got [][2]int32
	for _, pg := range table.Pages() {
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			got = append(got, [2]int32{
				int32(binary.LittleEndian.Uint32(tup[0:4])),
				int32(binary.LittleEndian.Uint32(tup[4:8])),
			})
		}
	}
	if len(got) != len(rows) {
		t.Fatalf("round trip produced %d rows, want %d: %v", len(got), len(rows), got)
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Fatalf("row %d = %v, want %v", i, got[i], rows[i])
		}
	}
}

func TestWriterRollsToNewSegmentWhenFull(t *testing.T) {
	dir := t.TempDir()
	// 8-byte tuples, buffsize fits exactly 2 per segment -> 3 rows roll
	// into a second segment.
	rows := [][2]int32{{1, 1}, {2, 2}, {3, 3}}
	child := newFixedRows(rows)

	w := NewWriter(child, filepath.Join(dir, "seg"), 16, 1)
	ctx := context.Background()
	if err := w.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := w.ThreadInit(0); err != nil {
		t.Fatalf("ThreadInit: %v", err)
	}
	if _, err := w.ScanStart(ctx, 0, nil, nil); err != nil {
		t.Fatalf("ScanStart: %v", err)
	}
	if _, _, err := w.GetNext(ctx, 0); err != nil {
		t.Fatalf("GetNext: %v", err)
	}

	table, err := Load(filepath.Join(dir, "seg*"), w.sch.TupleSize())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer table.Close()

	if len(table.Pages()) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(table.Pages()))
	}
	total := 0
	for _, pg := range table.Pages() {
		total += pg.TupleCount()
	}
	if total != len(rows) {
		t.Fatalf("expected %d total tuples across segments, got %d", len(rows), total)
	}
}
