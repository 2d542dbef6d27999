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

type presortedState struct {
	buildPage     *page.Buffer
	buildPos      int
	buildDepleted bool

	probePage     *page.Buffer
	probePos      int
	probeDepleted bool

	buf    *page.Buffer
	bufIdx int

	out *page.Buffer
}

// PresortedOp is Pythia's PresortedPrepartitionedMergeJoinOp (spec.md
// §4.4.5): both sides arrive already sorted and partitioned onto matching
// key ranges, so no staging is needed. A small buffer -- sized to hold
// MostFreqBuildKeyOccurrences tuples -- holds every build tuple sharing
// the key the merge is currently standing on; each probe tuple of that
// key is then joined against the whole buffer. Grounded on
// original_source/operators/join.cpp's PresortedPrepartitionedMergeJoinOp.
type PresortedOp struct {
	operator.DualInput

	buildKeyCol, probeKeyCol int
	proj                     Projection

	// MostFreqBuildKeyOccurrences bounds the build-side buffer: the
	// largest number of build tuples expected to share one join key.
	MostFreqBuildKeyOccurrences int

	policy   numa.Policy
	outBytes int

	buildSch, probeSch, out schema.Schema
	ltBP, eqBB, eqBP        *comparator.Comparator

	states []*presortedState
}

// NewPresorted builds a PresortedPrepartitionedMergeJoinOp for up to
// nthreads worker threads.
func NewPresorted(build, probe operator.Op, buildKeyCol, probeKeyCol int, proj Projection, nthreads, mostFreqBuildKeyOccurrences int, policy numa.Policy) *PresortedOp {
	return &PresortedOp{
		DualInput:                   operator.DualInput{Build: build, Probe: probe},
		buildKeyCol:                 buildKeyCol,
		probeKeyCol:                 probeKeyCol,
		proj:                        proj,
		MostFreqBuildKeyOccurrences: mostFreqBuildKeyOccurrences,
		policy:                      policy,
		outBytes:                    defaultOutBytes,
		states:                      make([]*presortedState, nthreads),
	}
}

func (j *PresortedOp) OutSchema() *schema.Schema { return &j.out }

func (j *PresortedOp) Accept(v operator.Visitor) error {
	if err := v.Visit(j); err != nil {
		return err
	}
	if err := j.Build.Accept(v); err != nil {
		return err
	}
	return j.Probe.Accept(v)
}

func (j *PresortedOp) Init(cfg operator.Config) error {
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
	if j.ltBP, err = comparator.New(comparator.LT, bc, pc); err != nil {
		return fmt.Errorf("sortmergejoin: %w", err)
	}
	if j.eqBB, err = comparator.New(comparator.EQ, bc, bc); err != nil {
		return fmt.Errorf("sortmergejoin: %w", err)
	}
	if j.eqBP, err = comparator.New(comparator.EQ, bc, pc); err != nil {
		return fmt.Errorf("sortmergejoin: %w", err)
	}
	return nil
}

func (j *PresortedOp) ThreadInit(tid int) error {
	node := j.policy.NodeFor(tid)
	bufBuf := numa.Allocate(node, j.MostFreqBuildKeyOccurrences*j.buildSch.TupleSize(), "PPJb")
	buf, err := page.New(bufBuf, j.buildSch.TupleSize(), "PPJb")
	if err != nil {
		return fmt.Errorf("sortmergejoin: build-key buffer: %w", err)
	}
	outBuf := numa.Allocate(node, j.outBytes, "PPJo")
	out, err := page.New(outBuf, j.out.TupleSize(), "PPJo")
	if err != nil {
		return fmt.Errorf("sortmergejoin: output page: %w", err)
	}
	j.states[tid] = &presortedState{buf: buf, out: out}
	return nil
}

// advanceBuild moves the build cursor to the next tuple, fetching pages
// from Build as needed. Idempotent once the build side is depleted.
func (j *PresortedOp) advanceBuild(ctx context.Context, tid int) (bool, error) {
	ts := j.states[tid]
	ts.buildPos++
	for ts.buildPage == nil || ts.buildPos >= ts.buildPage.TupleCount() {
		if ts.buildDepleted {
			ts.buildPage = nil
			return false, nil
		}
		code, pg, err := j.Build.GetNext(ctx, tid)
		if err != nil {
			return false, err
		}
		ts.buildDepleted = code == operator.Finished
		ts.buildPage = pg
		ts.buildPos = 0
	}
	return true, nil
}

func (j *PresortedOp) advanceProbe(ctx context.Context, tid int) (bool, error) {
	ts := j.states[tid]
	ts.probePos++
	for ts.probePage == nil || ts.probePos >= ts.probePage.TupleCount() {
		if ts.probeDepleted {
			ts.probePage = nil
			return false, nil
		}
		code, pg, err := j.Probe.GetNext(ctx, tid)
		if err != nil {
			return false, err
		}
		ts.probeDepleted = code == operator.Finished
		ts.probePage = pg
		ts.probePos = 0
	}
	return true, nil
}

// populateBuffer buffers every build tuple sharing the key the build
// cursor currently stands on, advancing the build cursor past them.
func (j *PresortedOp) populateBuffer(ctx context.Context, tid int) (bool, error) {
	ts := j.states[tid]
	ts.buf.Reset()
	src := ts.buildPage.Tuple(ts.buildPos)
	for {
		dest := ts.buf.AllocateTuple()
		if dest == nil {
			return false, fmt.Errorf("sortmergejoin: MostFreqBuildKeyOccurrences=%d too small for thread %d", j.MostFreqBuildKeyOccurrences, tid)
		}
		copy(dest, src)

		hasmore, err := j.advanceBuild(ctx, tid)
		if err != nil {
			return false, err
		}
		if !hasmore {
			return false, nil
		}
		src = ts.buildPage.Tuple(ts.buildPos)
		if !j.eqBB.EvalAt(ts.buf.Tuple(0), src) {
			return true, nil
		}
	}
}

// advanceIteratorsAndPopulateBuffer advances the probe cursor, then
// either confirms the build-key buffer already matches it or walks both
// cursors forward in key order until it finds the next matching key (or
// either side is depleted).
func (j *PresortedOp) advanceIteratorsAndPopulateBuffer(ctx context.Context, tid int) (bool, error) {
	ts := j.states[tid]

	deplete := func() (bool, error) {
		ts.buildDepleted, ts.buildPage = true, nil
		ts.probeDepleted, ts.probePage = true, nil
		ts.buf.Reset()
		return false, nil
	}

	hasmore, err := j.advanceProbe(ctx, tid)
	if err != nil {
		return false, err
	}
	if !hasmore {
		return deplete()
	}
	probe := ts.probePage.Tuple(ts.probePos)

	if ts.buf.TupleCount() > 0 && j.eqBP.EvalAt(ts.buf.Tuple(0), probe) {
		return true, nil
	}

	ts.buf.Reset()
	var build []byte
	if ts.buildPage != nil {
		build = ts.buildPage.Tuple(ts.buildPos)
	}
	if build == nil {
		hasmore, err = j.advanceBuild(ctx, tid)
		if err != nil {
			return false, err
		}
		if !hasmore {
			return deplete()
		}
		build = ts.buildPage.Tuple(ts.buildPos)
	}

	for !j.eqBP.EvalAt(build, probe) {
		if j.ltBP.EvalAt(build, probe) {
			hasmore, err = j.advanceBuild(ctx, tid)
			if err != nil {
				return false, err
			}
			if !hasmore {
				return deplete()
			}
			build = ts.buildPage.Tuple(ts.buildPos)
		} else {
			hasmore, err = j.advanceProbe(ctx, tid)
			if err != nil {
				return false, err
			}
			if !hasmore {
				return deplete()
			}
			probe = ts.probePage.Tuple(ts.probePos)
		}
	}

	if _, err := j.populateBuffer(ctx, tid); err != nil {
		return false, err
	}
	return true, nil
}

func (j *PresortedOp) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	if code, err := j.Build.ScanStart(ctx, tid, indexData, indexSchema); err != nil || code == operator.Error {
		return operator.Error, err
	}
	if code, err := j.Probe.ScanStart(ctx, tid, indexData, indexSchema); err != nil || code == operator.Error {
		return operator.Error, err
	}
	ts := j.states[tid]
	ts.buildPage, ts.buildPos, ts.buildDepleted = nil, 0, false
	ts.probePage, ts.probePos, ts.probeDepleted = nil, 0, false
	ts.buf.Reset()
	ts.bufIdx = 0
	return operator.Ready, nil
}

func (j *PresortedOp) project(dest, buildTup, probeTup []byte) {
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

// GetNext joins every buffered build tuple of the current key against
// the probe tuple standing over that same key, refilling the buffer from
// the next matching key pair once it is exhausted.
func (j *PresortedOp) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	ts := j.states[tid]
	ts.out.Reset()

	for {
		if ts.bufIdx >= ts.buf.TupleCount() {
			ts.bufIdx = 0
			hasmore, err := j.advanceIteratorsAndPopulateBuffer(ctx, tid)
			if err != nil {
				return operator.Error, nil, err
			}
			if !hasmore {
				if ts.out.TupleCount() > 0 {
					return operator.Ready, ts.out, nil
				}
				return operator.Finished, ts.out, nil
			}
			continue
		}

		dest := ts.out.AllocateTuple()
		if dest == nil {
			return operator.Ready, ts.out, nil
		}
		build := ts.buf.Tuple(ts.bufIdx)
		ts.bufIdx++
		probe := ts.probePage.Tuple(ts.probePos)
		j.project(dest, build, probe)
	}
}

func (j *PresortedOp) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	ts := j.states[tid]
	ts.buf.Reset()
	ts.bufIdx = 0
	ts.buildPage, ts.buildPos, ts.buildDepleted = nil, 0, false
	ts.probePage, ts.probePos, ts.probeDepleted = nil, 0, false
	ts.out.Reset()
	if _, err := j.Build.ScanStop(ctx, tid); err != nil {
		return operator.Error, err
	}
	return j.Probe.ScanStop(ctx, tid)
}

func (j *PresortedOp) ThreadClose(tid int) error {
	ts := j.states[tid]
	if ts == nil {
		return nil
	}
	numa.Release(ts.buf.Raw())
	numa.Release(ts.out.Raw())
	return nil
}

func (j *PresortedOp) Destroy() error { return nil }
