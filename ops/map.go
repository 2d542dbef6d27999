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

// Package ops collects Pythia's single-input, per-tuple operators: Filter,
// Project, ThreadIdPrepend, Consume, BitEntropyPrinter, and the Generator
// leaf, grounded on original_source/operators/{filter,threadidprepend,
// consume,bitentropy,generator_int}.cpp.
//
// The original implements these as MapWrapper subclasses that override
// mapinit/map while the base class owns the input-page resumption loop.
// Go has no base-class override point, so runMap plays the MapWrapper
// role as a plain function: every op that maps at most one output tuple
// per input tuple (Filter, Project, ThreadIdPrepend) builds a closure pair
// and hands it to runMap instead of subclassing a shared getNext.
package ops

import (
	"context"

	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
)

// mapState is the per-thread resumption state shared by every map-style
// operator: the current input page, a read cursor into it, and whether the
// child has already signalled Finished.
type mapState struct {
	in   *page.Buffer
	pos  int
	done bool
	out  *page.Buffer
}

// runMap drains child into ts.out, applying keep/write to each input
// tuple, resuming mid-input-page across calls exactly like the original's
// MapWrapper::getNext. keep decides whether a tuple produces output at
// all (Filter's predicate; Project and ThreadIdPrepend always keep);
// write fills the allocated destination tuple from the source.
func runMap(ctx context.Context, child operator.Op, tid int, ts *mapState, keep func(tuple []byte) bool, write func(dest, tuple []byte)) (operator.Code, *page.Buffer, error) {
	for {
		if ts.in == nil || ts.pos >= ts.in.TupleCount() {
			if ts.done {
				return operator.Finished, ts.out, nil
			}
			code, pg, err := child.GetNext(ctx, tid)
			if err != nil {
				return operator.Error, nil, err
			}
			ts.in, ts.pos = pg, 0
			if code == operator.Finished {
				ts.done = true
			}
			continue
		}
		tup := ts.in.Tuple(ts.pos)
		if !keep(tup) {
			ts.pos++
			continue
		}
		dest := ts.out.AllocateTuple()
		if dest == nil {
			return operator.Ready, ts.out, nil
		}
		write(dest, tup)
		ts.pos++
	}
}
