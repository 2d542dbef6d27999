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
	"sync"

	"github.com/sblanas/pythia-sub000/barrier"
	"github.com/sblanas/pythia-sub000/comparator"
	"github.com/sblanas/pythia-sub000/hashfn"
	"github.com/sblanas/pythia-sub000/hashtable"
	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

const defaultBucketBytes = 1 << 20 // 1 MiB per bucket's first page, grounded on vm/hash_aggregate.go's default partition size
const defaultOutBytes = 1 << 16    // 64 KiB output pages

// threadState is the per-tid scratch a HashJoinOp carries across getNext
// calls: the current probe page/position, the current bucket-chain walk
// position (so a filled output page can be resumed exactly), and this
// thread's own output page.
type threadState struct {
	group int

	probePage *page.Buffer
	probeIx   int
	probeTup  []byte
	probeDone bool

	curPage *page.LinkedBuffer
	curIx   int

	out *page.Buffer
}

// Op is Pythia's HashJoinOp (spec.md §4.4.2): a symmetric build/probe join
// where every thread in a shared thread group inserts its share of the
// build side into one HashTable, the group rendezvouses at a Barrier, and
// every thread then probes the same table against its share of the probe
// side. Grounded throughout on original_source/operators/join.cpp's
// threadInit/scanStart/getNext state machine, adapted to Go's embedding
// instead of C++ virtual dispatch via operator.DualInput.
type Op struct {
	operator.DualInput

	buildKeyCol, probeKeyCol int
	hash                     hashfn.Func
	proj                     Projection
	projSbuildCol            []int
	// Residual is evaluated in addition to key equality, against the
	// stored build tuple (sbuild layout) and the probe tuple; nil (empty
	// Conjunction) means equijoin only.
	Residual comparator.Conjunction

	groups      *operator.ThreadGroups
	bucketBytes int
	policy      numa.Policy
	outBytes    int

	buildSch, probeSch schema.Schema
	sbuild, out        schema.Schema
	eqKey              *comparator.Comparator

	groupMu  sync.Mutex
	tables   []*hashtable.Table
	barriers []*barrier.Barrier

	states []*threadState
}

// New builds a HashJoinOp. buildKeyCol/probeKeyCol index into build's and
// probe's own output schemas; hash is applied to both sides' key bytes, so
// it must be wide enough to address every row's key consistently (spec.md
// §4.4.2 requires build and probe to agree on bucket count). groups
// assigns threads to independent join instances sharing one HashTable each;
// use operator.Singleton(n) for a single shared table across all n threads.
func New(build, probe operator.Op, buildKeyCol, probeKeyCol int, hash hashfn.Func, proj Projection, groups *operator.ThreadGroups, policy numa.Policy) *Op {
	return &Op{
		DualInput:   operator.DualInput{Build: build, Probe: probe},
		buildKeyCol: buildKeyCol,
		probeKeyCol: probeKeyCol,
		hash:        hash,
		proj:        proj,
		groups:      groups,
		bucketBytes: defaultBucketBytes,
		policy:      policy,
		outBytes:    defaultOutBytes,
	}
}

func (j *Op) OutSchema() *schema.Schema { return &j.out }

func (j *Op) Accept(v operator.Visitor) error {
	if err := v.Visit(j); err != nil {
		return err
	}
	if err := j.Build.Accept(v); err != nil {
		return err
	}
	return j.Probe.Accept(v)
}

func (j *Op) Init(cfg operator.Config) error {
	if err := j.Build.Init(cfg); err != nil {
		return fmt.Errorf("hashjoin: build side: %w", err)
	}
	if err := j.Probe.Init(cfg); err != nil {
		return fmt.Errorf("hashjoin: probe side: %w", err)
	}
	j.buildSch = *j.Build.OutSchema()
	j.probeSch = *j.Probe.OutSchema()
	j.sbuild = buildSchema(&j.buildSch, j.buildKeyCol, j.proj)
	j.projSbuildCol = buildProjIndex(j.proj)
	j.out = j.proj.OutSchema(&j.buildSch, &j.probeSch)

	eq, err := comparator.New(comparator.EQ, j.sbuild.Column(0), j.probeSch.Column(j.probeKeyCol))
	if err != nil {
		return fmt.Errorf("hashjoin: join key types incompatible: %w", err)
	}
	j.eqKey = eq

	n := j.groups.NumGroups()
	j.tables = make([]*hashtable.Table, n)
	j.barriers = make([]*barrier.Barrier, n)
	for gi := 0; gi < n; gi++ {
		j.barriers[gi] = barrier.New(j.groups.Arity(gi))
	}
	j.states = make([]*threadState, j.maxTid()+1)
	return nil
}

func (j *Op) maxTid() int {
	max := -1
	for gi := 0; gi < j.groups.NumGroups(); gi++ {
		for _, t := range j.groups.Members(gi) {
			if t > max {
				max = t
			}
		}
	}
	return max
}

// ThreadInit lazily creates the group's shared HashTable (the first thread
// to arrive for a group builds it) and allocates this thread's output page.
// It does not propagate to Build/Probe: the operator.Visitor does that.
func (j *Op) ThreadInit(tid int) error {
	gi, err := j.groups.GroupOf(tid)
	if err != nil {
		return fmt.Errorf("hashjoin: %w", err)
	}
	j.groupMu.Lock()
	if j.tables[gi] == nil {
		t, err := hashtable.New(j.hash.Buckets(), j.bucketBytes, j.sbuild.TupleSize(), j.policy, "hjbt")
		if err != nil {
			j.groupMu.Unlock()
			return fmt.Errorf("hashjoin: allocating group %d table: %w", gi, err)
		}
		j.tables[gi] = t
	}
	j.groupMu.Unlock()

	node := j.policy.NodeFor(tid)
	buf := numa.Allocate(node, j.outBytes, "hjou")
	out, err := page.New(buf, j.out.TupleSize(), "hjou")
	if err != nil {
		return fmt.Errorf("hashjoin: allocating output page: %w", err)
	}
	j.states[tid] = &threadState{group: gi, out: out}
	return nil
}

// ScanStart runs the full build phase for this thread's share of Build,
// rendezvouses with its group at the Barrier so probing never starts
// before every member has finished inserting, then starts Probe. A build
// error still arrives at the barrier (with a zero-arity contribution
// impossible in Go's fixed Barrier, so every member must call Wait exactly
// once regardless of error) to avoid stranding the rest of the group --
// the error itself is propagated to the caller only after the rendezvous.
func (j *Op) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	ts := j.states[tid]
	table := j.tables[ts.group]

	buildErr := j.runBuild(ctx, tid, table, indexData, indexSchema)
	j.barriers[ts.group].Wait()
	if buildErr != nil {
		return operator.Error, buildErr
	}

	if code, err := j.Probe.ScanStart(ctx, tid, indexData, indexSchema); err != nil || code == operator.Error {
		return operator.Error, err
	}

	ts.probePage, ts.probeIx, ts.probeTup, ts.probeDone = nil, 0, nil, false
	ts.curPage, ts.curIx = nil, 0
	return operator.Ready, nil
}

// runBuild drains Build into table and stops Build's scan once the build
// side is exhausted -- probe's own scanStop is a separate call on the
// caller's tid, per original_source/operators/join.cpp's scanStop, which
// only ever stops the probe side because the build side was already
// stopped here, inside scanStart.
func (j *Op) runBuild(ctx context.Context, tid int, table *hashtable.Table, indexData *page.Buffer, indexSchema *schema.Schema) error {
	if code, err := j.Build.ScanStart(ctx, tid, indexData, indexSchema); err != nil || code == operator.Error {
		return err
	}
	for {
		code, pg, err := j.Build.GetNext(ctx, tid)
		if err != nil {
			return err
		}
		if code == operator.Finished {
			break
		}
		for i := 0; i < pg.TupleCount(); i++ {
			tup := pg.Tuple(i)
			keyCol := j.buildSch.Column(j.buildKeyCol)
			key := tup[keyCol.Offset : keyCol.Offset+keyCol.Width]
			h := j.hash.Hash(key)
			dest := table.AtomicAllocate(h)
			j.storeBuild(dest, tup)
		}
	}
	if _, err := j.Build.ScanStop(ctx, tid); err != nil {
		return err
	}
	return nil
}

func (j *Op) storeBuild(dest, tup []byte) {
	kc := j.buildSch.Column(j.buildKeyCol)
	sc0 := j.sbuild.Column(0)
	copy(dest[sc0.Offset:sc0.Offset+sc0.Width], tup[kc.Offset:kc.Offset+kc.Width])
	for i, e := range j.proj {
		if e.Side != Build {
			continue
		}
		sc := j.sbuild.Column(j.projSbuildCol[i])
		bc := j.buildSch.Column(e.Col)
		copy(dest[sc.Offset:sc.Offset+sc.Width], tup[bc.Offset:bc.Offset+bc.Width])
	}
}

func (j *Op) project(dest, storedBuildTuple, probeTuple []byte) {
	for i, e := range j.proj {
		oc := j.out.Column(i)
		if e.Side == Build {
			sc := j.sbuild.Column(j.projSbuildCol[i])
			copy(dest[oc.Offset:oc.Offset+oc.Width], storedBuildTuple[sc.Offset:sc.Offset+sc.Width])
		} else {
			sc := j.probeSch.Column(e.Col)
			copy(dest[oc.Offset:oc.Offset+oc.Width], probeTuple[sc.Offset:sc.Offset+sc.Width])
		}
	}
}

// GetNext streams join output one probe tuple at a time: for each probe
// tuple it walks the matching bucket's page chain, emitting one output
// tuple per match. When the output page fills mid-chain, the chain
// position (curPage/curIx) is left exactly where it stopped so the next
// call resumes there without re-scanning or re-matching (spec.md §4.4.2).
func (j *Op) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := j.states[tid]
	table := j.tables[ts.group]
	ts.out.Reset()

	for {
		for ts.curPage != nil {
			if ts.curIx >= ts.curPage.TupleCount() {
				ts.curPage = ts.curPage.Next()
				ts.curIx = 0
				continue
			}
			cand := ts.curPage.Tuple(ts.curIx)
			if j.eqKey.EvalAt(cand, ts.probeTup) && j.Residual.Eval(cand, ts.probeTup) {
				dest := ts.out.AllocateTuple()
				if dest == nil {
					return operator.Ready, ts.out, nil
				}
				j.project(dest, cand, ts.probeTup)
			}
			ts.curIx++
		}

		if ts.probeDone {
			if ts.out.TupleCount() > 0 {
				return operator.Ready, ts.out, nil
			}
			return operator.Finished, ts.out, nil
		}

		if ts.probePage == nil || ts.probeIx >= ts.probePage.TupleCount() {
			code, pg, err := j.Probe.GetNext(ctx, tid)
			if err != nil {
				return operator.Error, nil, err
			}
			if code == operator.Finished {
				ts.probeDone = true
				continue
			}
			ts.probePage, ts.probeIx = pg, 0
			if pg.TupleCount() == 0 {
				continue
			}
		}

		ts.probeTup = ts.probePage.Tuple(ts.probeIx)
		ts.probeIx++
		kc := j.probeSch.Column(j.probeKeyCol)
		key := ts.probeTup[kc.Offset : kc.Offset+kc.Width]
		h := j.hash.Hash(key)
		ts.curPage = table.Bucket(h)
		ts.curIx = 0
	}
}

// ScanStop just stops Probe -- the build side was already stopped inside
// scanStart's runBuild, per original_source/operators/join.cpp's scanStop.
func (j *Op) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	code, err := j.Probe.ScanStop(ctx, tid)
	if err != nil || code == operator.Error {
		return operator.Error, err
	}
	return operator.Ready, nil
}

// ThreadClose releases this thread's output page, then rendezvouses with
// its group twice: once so every member clears its own share of buckets,
// once more so the group leader can safely destroy the now-empty shared
// table, matching original_source/operators/join.cpp's threadClose.
func (j *Op) ThreadClose(tid int) error {
	ts := j.states[tid]
	if ts == nil {
		return nil
	}
	if ts.out != nil {
		numa.Release(ts.out.Raw())
	}

	gi := ts.group
	b := j.barriers[gi]
	table := j.tables[gi]
	b.Wait()
	members := j.groups.Members(gi)
	for i, t := range members {
		if t == tid {
			table.BucketClear(i, len(members))
			break
		}
	}
	b.Wait()
	if j.groups.IsLeader(tid) {
		table.Destroy()
	}
	return nil
}

func (j *Op) Destroy() error { return nil }
