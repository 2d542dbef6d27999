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

// Package numa implements Pythia's NUMA allocation and thread-affinity
// primitives: a process-wide allocator handle tagged per call site
// (spec.md §5), and an Affinitizer mapping thread ids to (node, core).
//
// Real NUMA placement requires libnuma (cgo); golang.org/x/sys/unix alone
// cannot bind a page to a NUMA node or query topology. Following the stance
// already taken by momentics-hioload-ws/internal/concurrency's non-cgo
// build (platformPreferredCPUID, platformCurrentNUMANodeID: "simplified
// implementation"), this package provides best-effort placement: it reads
// /sys/devices/system/node when available to map nodes to CPUs, and always
// falls back to node 0 when it can't. What is real and load-bearing here is
// the mmap/mprotect/madvise lifecycle (grounded on vm/malloc.go) and the
// per-call-site tagging/statistics spec.md §5 requires.
package numa

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Policy selects how HashTable (or any other NUMA-aware allocator client)
// places its buckets across nodes.
type Policy struct {
	// Local means every allocation lands on the calling thread's current
	// node.
	Local bool
	// Nodes, when Local is false, is the striping list: bucket b is
	// placed on Nodes[b % len(Nodes)].
	Nodes []int
}

// NodeFor returns the node index bucket b should be placed on under p.
func (p Policy) NodeFor(b int) int {
	if p.Local || len(p.Nodes) == 0 {
		return CurrentNode()
	}
	return p.Nodes[b%len(p.Nodes)]
}

// stat tracks allocation call counts per 4-char origin tag, exposed for
// advisory statistics (spec.md §4.2's statBuckets/statSpills analogue at
// the allocator level).
var (
	statMu sync.Mutex
	stats  = map[string]int64{}
)

func recordAlloc(origin string, n int) {
	statMu.Lock()
	stats[origin] += int64(n)
	statMu.Unlock()
}

// Stats returns a snapshot of allocation counts by origin tag.
func Stats() map[string]int64 {
	statMu.Lock()
	defer statMu.Unlock()
	out := make(map[string]int64, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// Allocate returns a zeroed, page-aligned buffer of size bytes, advisorily
// placed on node (best effort; see package doc), tagged with a 4-char
// origin for statistics. Allocation failure is a hard fault: the engine
// assumes the working set fits in memory (spec.md §4.2).
func Allocate(node int, size int, origin string) []byte {
	if len(origin) != 4 {
		panic(fmt.Sprintf("numa: origin tag must be exactly 4 chars, got %q", origin))
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic("numa: mmap failed: " + err.Error())
	}
	bindToNode(buf, node)
	recordAlloc(origin, 1)
	return buf
}

// Release returns buf, previously returned by Allocate, to the OS.
func Release(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Madvise(buf, unix.MADV_DONTNEED)
	_ = unix.Munmap(buf)
}
