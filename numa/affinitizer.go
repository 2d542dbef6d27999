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

package numa

import (
	"fmt"
	"runtime"
)

// Placement is the (numa, socket, core, context) tuple a thread id maps to.
type Placement struct {
	Node    int
	Socket  int
	Core    int
	Context int
}

// Affinitizer maps thread ids to Placements and pins the calling OS thread
// accordingly, grounded on momentics-hioload-ws/internal/concurrency's
// platformPinCurrentThread.
type Affinitizer struct {
	byTid map[int]Placement
}

// NewAffinitizer builds an Affinitizer from an explicit tid->Placement map,
// as would be parsed from a config "affinitization subtree" (spec.md §6.1).
func NewAffinitizer(byTid map[int]Placement) *Affinitizer {
	return &Affinitizer{byTid: byTid}
}

// NewRoundRobinAffinitizer spreads nthreads threads evenly across the
// available NUMA nodes, one core per thread, when no explicit
// affinitization was configured.
func NewRoundRobinAffinitizer(nthreads int) *Affinitizer {
	nodes := Nodes()
	m := make(map[int]Placement, nthreads)
	for t := 0; t < nthreads; t++ {
		node := nodes[t%len(nodes)]
		m[t] = Placement{Node: node, Core: preferredCPU(node)}
	}
	return &Affinitizer{byTid: m}
}

// Placement returns the placement for tid, or an error if tid was not
// configured.
func (a *Affinitizer) Placement(tid int) (Placement, error) {
	p, ok := a.byTid[tid]
	if !ok {
		return Placement{}, fmt.Errorf("numa: no affinitization entry for thread %d", tid)
	}
	return p, nil
}

// Pin binds the calling OS thread to tid's configured core/node. It must be
// called from the goroutine that will run as tid, and that goroutine must
// not be allowed to migrate OS threads afterward -- callers should
// surround it with runtime.LockOSThread, which Pin does on the caller's
// behalf.
func (a *Affinitizer) Pin(tid int) error {
	p, err := a.Placement(tid)
	if err != nil {
		return err
	}
	runtime.LockOSThread()
	return pinCurrentThread(p.Node, p.Core)
}
