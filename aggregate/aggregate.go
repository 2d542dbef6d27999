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

// Package aggregate implements Pythia's GenericAggregate (spec.md §4.6):
// thread-local or globally-shared hash aggregation, grounded on
// original_source/operators/genericaggregate.cpp and its
// foldInit/foldStart/fold subclass contract (see fold.go for the Sum/Count
// folds, grounded on aggregatesum.cpp).
package aggregate

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

const defaultBucketBytes = 1 << 16
const defaultOutBytes = 1 << 16

type mode int

const (
	threadLocal mode = iota
	globalMode
)

type threadState struct {
	table *hashtable.Table // ThreadLocal only; Global keeps one table per group in Op.tables
	group int              // Global only

	it  *hashtable.Iterator
	out *page.Buffer
}

// Op is GenericAggregate. Construct with NewThreadLocal or NewGlobal.
type Op struct {
	operator.SingleInput

	aggFields []int
	fold      Fold
	hash      hashfn.Func
	md        mode

	groups      *operator.ThreadGroups // Global only
	bucketBytes int
	policy      numa.Policy
	outBytes    int

	inSch, sch    schema.Schema
	eqKey         comparator.Conjunction
	payloadOffset int

	groupMu  sync.Mutex
	tables   []*hashtable.Table // Global only, indexed by group
	barriers []*barrier.Barrier // Global only, indexed by group

	states []*threadState
}

// NewThreadLocal builds a GenericAggregate in ThreadLocal mode (spec.md
// §4.6): each of nthreads threads owns an independent HashTable, so no
// locking or barrier is needed. aggFields indexes the group-key columns in
// child's output schema (empty means scalar aggregation over the whole
// input -- hash must then be hashfn.AlwaysZero()).
func NewThreadLocal(child operator.Op, aggFields []int, fold Fold, hash hashfn.Func, nthreads int, policy numa.Policy) *Op {
	return &Op{
		SingleInput: operator.SingleInput{Child: child},
		aggFields:   aggFields,
		fold:        fold,
		hash:        hash,
		md:          threadLocal,
		bucketBytes: defaultBucketBytes,
		policy:      policy,
		outBytes:    defaultOutBytes,
		states:      make([]*threadState, nthreads),
	}
}

// NewGlobal builds a GenericAggregate in Global mode (spec.md §4.6): every
// thread in a group shares one HashTable, under per-bucket locks during
// build, and sweeps a disjoint stride of bucket indices during emit.
// groups lets one Op instance serve several independent aggregate
// instances sharing the same thread pool, the way hashjoin/partition do.
func NewGlobal(child operator.Op, aggFields []int, fold Fold, hash hashfn.Func, groups *operator.ThreadGroups, policy numa.Policy) *Op {
	a := &Op{
		SingleInput: operator.SingleInput{Child: child},
		aggFields:   aggFields,
		fold:        fold,
		hash:        hash,
		md:          globalMode,
		groups:      groups,
		bucketBytes: defaultBucketBytes,
		policy:      policy,
		outBytes:    defaultOutBytes,
	}
	n := groups.NumGroups()
	a.tables = make([]*hashtable.Table, n)
	a.barriers = make([]*barrier.Barrier, n)
	for gi := 0; gi < n; gi++ {
		a.barriers[gi] = barrier.New(groups.Arity(gi))
	}
	a.states = make([]*threadState, a.maxTid()+1)
	return a
}

func (a *Op) maxTid() int {
	max := -1
	for gi := 0; gi < a.groups.NumGroups(); gi++ {
		for _, t := range a.groups.Members(gi) {
			if t > max {
				max = t
			}
		}
	}
	return max
}

func (a *Op) OutSchema() *schema.Schema { return &a.sch }

func (a *Op) Accept(v operator.Visitor) error {
	if err := v.Visit(a); err != nil {
		return err
	}
	return a.Child.Accept(v)
}

// Init builds the output schema (group-key columns, in aggFields order,
// followed by the fold's payload columns) and the equals conjunction used
// to match an input tuple's key against a stored record (spec.md §4.6).
func (a *Op) Init(cfg operator.Config) error {
	if err := a.Child.Init(cfg); err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	a.inSch = *a.Child.OutSchema()

	keyCols := make([]schema.ColumnSpec, len(a.aggFields))
	for i, col := range a.aggFields {
		keyCols[i] = a.inSch.Column(col)
	}
	a.sch = schema.Concat(keyCols, a.fold.PayloadSchema())
	a.payloadOffset = a.sch.Column(len(a.aggFields)).Offset

	pairs := make([][2]schema.ColumnSpec, len(a.aggFields))
	for i, col := range a.aggFields {
		pairs[i] = [2]schema.ColumnSpec{a.sch.Column(i), a.inSch.Column(col)}
	}
	eq, err := comparator.NewEqualsConjunction(pairs)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	a.eqKey = eq
	return nil
}

func (a *Op) ThreadInit(tid int) error {
	node := a.policy.NodeFor(tid)
	outBuf := numa.Allocate(node, a.outBytes, "AGGo")
	out, err := page.New(outBuf, a.sch.TupleSize(), "AGGo")
	if err != nil {
		return fmt.Errorf("aggregate: output page: %w", err)
	}
	ts := &threadState{out: out}

	switch a.md {
	case threadLocal:
		t, err := hashtable.New(a.hash.Buckets(), a.bucketBytes, a.sch.TupleSize(), numa.Policy{Local: true}, "AGbt")
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		ts.table = t

	case globalMode:
		gi, err := a.groups.GroupOf(tid)
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		ts.group = gi
		a.groupMu.Lock()
		if a.tables[gi] == nil {
			t, err := hashtable.New(a.hash.Buckets(), a.bucketBytes, a.sch.TupleSize(), a.policy, "AGbt")
			if err != nil {
				a.groupMu.Unlock()
				return fmt.Errorf("aggregate: %w", err)
			}
			a.tables[gi] = t
		}
		a.groupMu.Unlock()
		// Every member must reach this rendezvous so no thread starts
		// inserting before the group's table exists.
		a.barriers[gi].Wait()
	}
	a.states[tid] = ts
	return nil
}

func (a *Op) table(tid int) *hashtable.Table {
	ts := a.states[tid]
	if a.md == threadLocal {
		return ts.table
	}
	return a.tables[ts.group]
}

// ScanStart runs the full build (spec.md §4.6 steps 1-4) then positions
// this thread's read iterator over its assigned bucket stride: the whole
// table with step 1 for ThreadLocal, or a disjoint [pos, buckets, arity)
// stride for Global so every group member's emit phase is lock-free.
func (a *Op) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	ts := a.states[tid]
	table := a.table(tid)

	if code, err := a.Child.ScanStart(ctx, tid, indexData, indexSchema); err != nil || code == operator.Error {
		return operator.Error, err
	}
	for {
		code, pg, err := a.Child.GetNext(ctx, tid)
		if err != nil {
			return operator.Error, err
		}
		if code == operator.Finished {
			break
		}
		for i := 0; i < pg.TupleCount(); i++ {
			a.remember(table, pg.Tuple(i))
		}
	}
	if _, err := a.Child.ScanStop(ctx, tid); err != nil {
		return operator.Error, err
	}

	start, end, step := 0, table.NumBuckets(), 1
	if a.md == globalMode {
		a.barriers[ts.group].Wait()
		start, end, step = a.groups.IndexInGroup(tid), table.NumBuckets(), a.groups.Arity(ts.group)
	}
	ts.it = table.NewIterator(start, end, step)
	return operator.Ready, nil
}

// remember is GenericAggregate::remember: hash the key, walk the bucket
// chain for a matching group, fold into it if found, else allocate and
// foldStart a new record.
func (a *Op) remember(table *hashtable.Table, tup []byte) {
	h := a.hash.Hash(a.keyBytes(tup))
	if a.md == globalMode {
		table.LockBucket(h)
		defer table.UnlockBucket(h)
	}

	for p := table.Bucket(h); p != nil; p = p.Next() {
		for i := 0; i < p.TupleCount(); i++ {
			cand := p.Tuple(i)
			if a.eqKey.Eval(cand, tup) {
				a.fold.Fold(a.payload(cand), tup)
				return
			}
		}
	}

	// In Global mode the bucket lock taken above already serialises inserts
	// into bucket h (AtomicAllocate would take that same mutex again).
	dest := table.Allocate(h)
	for i, col := range a.aggFields {
		kc := a.inSch.Column(col)
		oc := a.sch.Column(i)
		copy(dest[oc.Offset:oc.Offset+oc.Width], tup[kc.Offset:kc.Offset+kc.Width])
	}
	a.fold.FoldStart(a.payload(dest), tup)
}

// keyBytes hashes on the first group-key column only, even for composite
// keys: the eqKey conjunction still disambiguates every collision exactly,
// so a coarser hash only costs bucket-chain length, never correctness.
// hashfn.AlwaysZero ignores this entirely for the empty-key (scalar
// aggregation) case.
func (a *Op) keyBytes(tup []byte) []byte {
	if len(a.aggFields) == 0 {
		return nil
	}
	c := a.inSch.Column(a.aggFields[0])
	return tup[c.Offset : c.Offset+c.Width]
}

func (a *Op) payload(rec []byte) []byte { return rec[a.payloadOffset:] }

// GetNext walks this thread's bucket stride, copying records into the
// output page and resuming mid-bucket across calls via the iterator's
// own Save/Restore (spec.md §4.6's emit phase).
func (a *Op) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := a.states[tid]
	ts.out.Reset()
	for {
		save := ts.it.Save()
		tup := ts.it.Next()
		if tup == nil {
			return operator.Finished, ts.out, nil
		}
		dest := ts.out.AllocateTuple()
		if dest == nil {
			ts.it.Restore(save)
			return operator.Ready, ts.out, nil
		}
		copy(dest, tup)
	}
}

func (a *Op) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	return operator.Ready, nil
}

func (a *Op) ThreadClose(tid int) error {
	ts := a.states[tid]
	if ts == nil {
		return nil
	}
	if ts.out != nil {
		numa.Release(ts.out.Raw())
	}
	switch a.md {
	case threadLocal:
		if ts.table != nil {
			ts.table.Destroy()
		}
	case globalMode:
		a.barriers[ts.group].Wait()
		if a.groups.IsLeader(tid) {
			a.tables[ts.group].Destroy()
		}
	}
	return nil
}

func (a *Op) Destroy() error { return nil }
