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
	"fmt"

	"github.com/sblanas/pythia-sub000/comparator"
	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

type oldThreadState struct {
	buildPage *page.Buffer

	curProbePage *page.Buffer
	probeDone    bool
	bi, pi       int

	pending []pendingPair
	out     *page.Buffer
}

// OldOp is Pythia's OldMPSMJoinOp (spec.md §4.4.6): join one probe page at
// a time against a thread-local sorted build array, rewinding the build
// cursor to the start whenever a new probe page arrives. Unlike
// SortMergeJoinOp, this variant has no cross-thread union of probe
// iterators and needs no thread-group barrier: each thread's build and
// probe share are assumed to already be partitioned onto disjoint,
// matching key ranges upstream (spec.md §4.4.6). Grounded on
// original_source/operators/join.cpp's OldMPSMJoinOp::getNext.
type OldOp struct {
	operator.DualInput

	buildKeyCol, probeKeyCol int
	proj                     Projection

	buildCapTuples int
	buildPresorted bool
	policy         numa.Policy
	outBytes       int

	buildSch, probeSch, out schema.Schema
	eqBB, ltBP, ltPB, eqPP  *comparator.Comparator

	states []*oldThreadState
}

// NewOld builds an OldMPSMJoinOp for up to nthreads worker threads.
func NewOld(build, probe operator.Op, buildKeyCol, probeKeyCol int, proj Projection, nthreads, buildCapTuples int, buildPresorted bool, policy numa.Policy) *OldOp {
	return &OldOp{
		DualInput:      operator.DualInput{Build: build, Probe: probe},
		buildKeyCol:    buildKeyCol,
		probeKeyCol:    probeKeyCol,
		proj:           proj,
		buildCapTuples: buildCapTuples,
		buildPresorted: buildPresorted,
		policy:         policy,
		outBytes:       defaultOutBytes,
		states:         make([]*oldThreadState, nthreads),
	}
}

func (j *OldOp) OutSchema() *schema.Schema { return &j.out }

func (j *OldOp) Accept(v operator.Visitor) error {
	if err := v.Visit(j); err != nil {
		return err
	}
	if err := j.Build.Accept(v); err != nil {
		return err
	}
	return j.Probe.Accept(v)
}

func (j *OldOp) Init(cfg operator.Config) error {
	if err := j.Build.Init(cfg); err != nil {
		return fmt.Errorf("sortmergejoin: build side: %w", err)
	}
	if err := j.Probe.Init(cfg); err != nil {
		return fmt.Errorf("sortmergejoin: probe side: %w", err)
	}
	j.buildSch = *j.Build.OutSchema()
	j.probeSch = *j.Probe.OutSchema()
	j.out = j.proj.OutSchema(&j.buildSch, &j.probeSch)

	bc := j.buildSch.Column(j.buildKeyCol)
	pc := j.probeSch.Column(j.probeKeyCol)
	var err error
	if j.eqBB, err = comparator.New(comparator.EQ, bc, bc); err != nil {
		return fmt.Errorf("sortmergejoin: %w", err)
	}
	if j.ltBP, err = comparator.New(comparator.LT, bc, pc); err != nil {
		return fmt.Errorf("sortmergejoin: %w", err)
	}
	if j.ltPB, err = comparator.New(comparator.LT, pc, bc); err != nil {
		return fmt.Errorf("sortmergejoin: %w", err)
	}
	if j.eqPP, err = comparator.New(comparator.EQ, pc, pc); err != nil {
		return fmt.Errorf("sortmergejoin: %w", err)
	}
	return nil
}

func (j *OldOp) ThreadInit(tid int) error {
	node := j.policy.NodeFor(tid)
	buildBuf := numa.Allocate(node, j.buildCapTuples*j.buildSch.TupleSize(), "OMPb")
	buildPage, err := page.New(buildBuf, j.buildSch.TupleSize(), "OMPb")
	if err != nil {
		return fmt.Errorf("sortmergejoin: build staging page: %w", err)
	}
	outBuf := numa.Allocate(node, j.outBytes, "OMPo")
	out, err := page.New(outBuf, j.out.TupleSize(), "OMPo")
	if err != nil {
		return fmt.Errorf("sortmergejoin: output page: %w", err)
	}
	j.states[tid] = &oldThreadState{buildPage: buildPage, out: out}
	return nil
}

func (j *OldOp) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	ts := j.states[tid]
	if code, err := j.Build.ScanStart(ctx, tid, indexData, indexSchema); err != nil || code == operator.Error {
		return operator.Error, err
	}
	ts.buildPage.Reset()
	for {
		code, pg, err := j.Build.GetNext(ctx, tid)
		if err != nil {
			return operator.Error, err
		}
		if code == operator.Finished {
			break
		}
		for i := 0; i < pg.TupleCount(); i++ {
			t := ts.buildPage.AllocateTuple()
			if t == nil {
				return operator.Error, fmt.Errorf("sortmergejoin: build staging page exhausted for thread %d", tid)
			}
			copy(t, pg.Tuple(i))
		}
	}
	if _, err := j.Build.ScanStop(ctx, tid); err != nil {
		return operator.Error, err
	}
	if !j.buildPresorted {
		if err := page.SortByColumn(ts.buildPage, &j.buildSch, j.buildKeyCol); err != nil {
			return operator.Error, err
		}
	}

	if code, err := j.Probe.ScanStart(ctx, tid, indexData, indexSchema); err != nil || code == operator.Error {
		return operator.Error, err
	}
	ts.curProbePage, ts.probeDone, ts.bi, ts.pi, ts.pending = nil, false, 0, 0, nil
	return operator.Ready, nil
}

func (j *OldOp) project(dest, buildTup, probeTup []byte) {
	for i, e := range j.proj {
		oc := j.out.Column(i)
		if e.Side == Build {
			bc := j.buildSch.Column(e.Col)
			copy(dest[oc.Offset:oc.Offset+oc.Width], buildTup[bc.Offset:bc.Offset+bc.Width])
		} else {
			pc := j.probeSch.Column(e.Col)
			copy(dest[oc.Offset:oc.Offset+oc.Width], probeTup[pc.Offset:pc.Offset+pc.Width])
		}
	}
}

// GetNext merge-joins the thread-local build array (rewound to the start
// for every new probe page) against one probe page at a time, each page
// assumed already sorted on probeKeyCol by the upstream subtree (spec.md
// §4.4.6's precondition for the MPSM family).
func (j *OldOp) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := j.states[tid]
	ts.out.Reset()

	for {
		for len(ts.pending) > 0 {
			dest := ts.out.AllocateTuple()
			if dest == nil {
				return operator.Ready, ts.out, nil
			}
			p := ts.pending[0]
			ts.pending = ts.pending[1:]
			j.project(dest, p.build, p.probe)
		}

		if ts.curProbePage == nil || ts.pi >= ts.curProbePage.TupleCount() {
			if ts.probeDone {
				if ts.out.TupleCount() > 0 {
					return operator.Ready, ts.out, nil
				}
				return operator.Finished, ts.out, nil
			}
			code, pg, err := j.Probe.GetNext(ctx, tid)
			if err != nil {
				return operator.Error, nil, err
			}
			if code == operator.Finished {
				ts.probeDone = true
				continue
			}
			ts.curProbePage, ts.pi, ts.bi = pg, 0, 0
			if pg.TupleCount() == 0 {
				continue
			}
		}

		buildN, probeN := ts.buildPage.TupleCount(), ts.curProbePage.TupleCount()
		if ts.bi >= buildN || ts.pi >= probeN {
			ts.curProbePage, ts.pi = nil, 0
			continue
		}

		b, p := ts.buildPage.Tuple(ts.bi), ts.curProbePage.Tuple(ts.pi)
		switch {
		case j.ltBP.EvalAt(b, p):
			ts.bi++
		case j.ltPB.EvalAt(p, b):
			ts.pi++
		default:
			bEnd := ts.bi
			for bEnd < buildN && j.eqBB.EvalAt(b, ts.buildPage.Tuple(bEnd)) {
				bEnd++
			}
			pEnd := ts.pi
			for pEnd < probeN && j.eqPP.EvalAt(p, ts.curProbePage.Tuple(pEnd)) {
				pEnd++
			}
			for bi := ts.bi; bi < bEnd; bi++ {
				for pi := ts.pi; pi < pEnd; pi++ {
					ts.pending = append(ts.pending, pendingPair{build: ts.buildPage.Tuple(bi), probe: ts.curProbePage.Tuple(pi)})
				}
			}
			ts.bi, ts.pi = bEnd, pEnd
		}
	}
}

func (j *OldOp) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	return j.Probe.ScanStop(ctx, tid)
}

func (j *OldOp) ThreadClose(tid int) error {
	ts := j.states[tid]
	if ts == nil {
		return nil
	}
	numa.Release(ts.buildPage.Raw())
	numa.Release(ts.out.Raw())
	return nil
}

func (j *OldOp) Destroy() error { return nil }
