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

package hashjoin

import (
	"context"
	"fmt"

	"github.com/sblanas/pythia-sub000/hashtable"
	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// IndexOp is Pythia's IndexHashJoinOp (spec.md §4.4.3): a HashJoinOp that
// additionally collects every build-side join key into a per-thread "index
// data page" while it builds the hash table, and passes that page as the
// indexData/indexSchema side channel into Probe's ScanStart. This lets a
// probe subtree containing an index-aware scan restrict itself to exactly
// the keys the build side actually populated. Grounded on
// original_source/operators/indexjoin.cpp's IndexHashJoinOp::scanStart,
// which writes the join key to the index page in the same loop that
// inserts the build tuple into the hash table.
type IndexOp struct {
	*Op

	idxSchema schema.Schema
	idxPages  []*page.Buffer
}

// NewIndex wraps a HashJoinOp built with New into an IndexOp.
func NewIndex(j *Op) *IndexOp {
	return &IndexOp{Op: j}
}

func (x *IndexOp) Init(cfg operator.Config) error {
	if err := x.Op.Init(cfg); err != nil {
		return err
	}
	keyCol := x.buildSch.Column(x.buildKeyCol)
	s, err := schema.New([]schema.Type{keyCol.Type}, []int{keyCol.Width})
	if err != nil {
		return fmt.Errorf("hashjoin: index data schema: %w", err)
	}
	x.idxSchema = s
	x.idxPages = make([]*page.Buffer, x.maxTid()+1)
	return nil
}

// ThreadInit sizes the index page at twice the expected key count per
// spec.md §4.4.3, mirroring indexjoin.cpp's `2 * buckets * tuplesPerBucket`
// estimate.
func (x *IndexOp) ThreadInit(tid int) error {
	if err := x.Op.ThreadInit(tid); err != nil {
		return err
	}
	gi, _ := x.groups.GroupOf(tid)
	tuplesPerBucket := x.bucketBytes / x.sbuild.TupleSize()
	n := 2 * x.hash.Buckets() * tuplesPerBucket
	sz := n * x.idxSchema.TupleSize()
	if sz < x.idxSchema.TupleSize() {
		sz = x.idxSchema.TupleSize()
	}
	node := x.policy.NodeFor(tid)
	buf := numa.Allocate(node, sz, "iHJd")
	pg, err := page.New(buf, x.idxSchema.TupleSize(), "iHJd")
	if err != nil {
		return fmt.Errorf("hashjoin: allocating index data page for group %d: %w", gi, err)
	}
	x.idxPages[tid] = pg
	return nil
}

// ScanStart re-runs the HashJoinOp build drain but also appends each
// build tuple's join key to this thread's index page, then starts Probe
// with that page as the index data side channel. Any indexData/indexSchema
// passed in by this operator's own parent is forwarded to Build instead,
// matching indexjoin.cpp's IndexHashJoinOp::scanStart.
func (x *IndexOp) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	ts := x.states[tid]
	table := x.tables[ts.group]
	idx := x.idxPages[tid]
	idx.Reset()

	err := x.runIndexedBuild(ctx, tid, table, idx, indexData, indexSchema)
	x.barriers[ts.group].Wait()
	if err != nil {
		return operator.Error, err
	}

	if code, err := x.Probe.ScanStart(ctx, tid, idx, &x.idxSchema); err != nil || code == operator.Error {
		return operator.Error, err
	}

	ts.probePage, ts.probeIx, ts.probeTup, ts.probeDone = nil, 0, nil, false
	ts.curPage, ts.curIx = nil, 0
	return operator.Ready, nil
}

func (x *IndexOp) runIndexedBuild(ctx context.Context, tid int, table *hashtable.Table, idx *page.Buffer, indexData *page.Buffer, indexSchema *schema.Schema) error {
	if code, err := x.Build.ScanStart(ctx, tid, indexData, indexSchema); err != nil || code == operator.Error {
		return err
	}
	keyCol := x.buildSch.Column(x.buildKeyCol)
	for {
		code, pg, err := x.Build.GetNext(ctx, tid)
		if err != nil {
			return err
		}
		if code == operator.Finished {
			break
		}
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			key := tup[keyCol.Offset : keyCol.Offset+keyCol.Width]

			idxtup := idx.AllocateTuple()
			if idxtup == nil {
				return fmt.Errorf("hashjoin: index data page exhausted for thread %d", tid)
			}
			copy(idxtup, key)

			h := x.hash.Hash(key)
			dest := table.AtomicAllocate(h)
			x.storeBuild(dest, tup)
		}
	}
	if _, err := x.Build.ScanStop(ctx, tid); err != nil {
		return err
	}
	return nil
}

// ScanStop just stops Probe and resets this thread's index page -- the
// build side was already stopped inside scanStart's runIndexedBuild, and
// the shared table's bucket clear + destroy happen in ThreadClose (see
// Op.ThreadClose).
func (x *IndexOp) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	code, err := x.Probe.ScanStop(ctx, tid)
	if err != nil || code == operator.Error {
		return operator.Error, err
	}
	x.idxPages[tid].Reset()
	return operator.Ready, nil
}

func (x *IndexOp) ThreadClose(tid int) error {
	if pg := x.idxPages[tid]; pg != nil {
		numa.Release(pg.Raw())
	}
	return x.Op.ThreadClose(tid)
}
