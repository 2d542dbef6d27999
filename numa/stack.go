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

	"golang.org/x/sys/unix"
)

// GuardedStack is a NUMA-local scratch region framed by two PROT_NONE guard
// pages, mirroring spec.md §4.3's allocateStackOnNode: two guard pages
// framing stacksize bytes. Go goroutines do not expose their runtime stack
// for placement, so this guards the NUMA-local scratch buffer a MergeOp
// worker is handed (e.g. its per-thread staging buffers) rather than an
// actual call stack -- the part of the original's "worker stack" that
// remains under the engine's control in a goroutine-based port.
type GuardedStack struct {
	region []byte
	usable []byte
}

const guardPageSize = 4096

// NewGuardedStack allocates a stacksize-byte region on node, framed by
// PROT_NONE guard pages, tagged with origin for NUMA allocator statistics.
func NewGuardedStack(node, size int, origin string) (*GuardedStack, error) {
	total := guardPageSize + size + guardPageSize
	region, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("numa: mmap guarded stack: %w", err)
	}
	if err := unix.Mprotect(region[:guardPageSize], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("numa: mprotect low guard page: %w", err)
	}
	if err := unix.Mprotect(region[guardPageSize+size:], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("numa: mprotect high guard page: %w", err)
	}
	usable := region[guardPageSize : guardPageSize+size]
	bindToNode(usable, node)
	recordAlloc(origin, 1)
	return &GuardedStack{region: region, usable: usable}, nil
}

// Bytes returns the usable region between the two guard pages.
func (g *GuardedStack) Bytes() []byte { return g.usable }

// Release unmaps the entire guarded region, guard pages included.
func (g *GuardedStack) Release() error {
	return unix.Munmap(g.region)
}
