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

//go:build linux

// Linux NUMA topology discovery, grounded on the approach
// momentics-hioload-ws/internal/concurrency/affinity_linux.go takes for its
// non-cgo build: best-effort discovery with a safe fallback, rather than a
// hard dependency on libnuma.
package numa

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

var nodeRe = regexp.MustCompile(`^node(\d+)$`)

var topology struct {
	once  sync.Once
	nodes []int
	// cpusOf[n] lists the logical CPU ids local to node n.
	cpusOf map[int][]int
}

func loadTopology() {
	topology.cpusOf = map[int][]int{}
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		topology.nodes = []int{0}
		return
	}
	for _, e := range entries {
		m := nodeRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		topology.nodes = append(topology.nodes, n)
		cpuEntries, _ := os.ReadDir(filepath.Join("/sys/devices/system/node", e.Name()))
		for _, c := range cpuEntries {
			var cpu int
			if _, err := fscanCPU(c.Name(), &cpu); err == nil {
				topology.cpusOf[n] = append(topology.cpusOf[n], cpu)
			}
		}
	}
	if len(topology.nodes) == 0 {
		topology.nodes = []int{0}
	}
	sort.Ints(topology.nodes)
}

func fscanCPU(name string, cpu *int) (int, error) {
	m := regexp.MustCompile(`^cpu(\d+)$`).FindStringSubmatch(name)
	if m == nil {
		return 0, os.ErrInvalid
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	*cpu = v
	return 1, nil
}

// Nodes returns the configured NUMA node ids, or [0] if unavailable.
func Nodes() []int {
	topology.once.Do(loadTopology)
	return topology.nodes
}

// CurrentNode returns a best-effort guess at the calling OS thread's
// current NUMA node: the node owning the CPU unix.SchedGetaffinity's first
// set bit belongs to, or 0 if that can't be determined.
func CurrentNode() int {
	topology.once.Do(loadTopology)
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0
	}
	node, lowest := 0, -1
	for n, cpus := range topology.cpusOf {
		for _, c := range cpus {
			if set.IsSet(c) && (lowest < 0 || c < lowest) {
				node, lowest = n, c
			}
		}
	}
	return node
}

// preferredCPU returns a CPU id local to node, or 0 if unknown.
func preferredCPU(node int) int {
	topology.once.Do(loadTopology)
	if cpus := topology.cpusOf[node]; len(cpus) > 0 {
		return cpus[0]
	}
	return 0
}

// bindToNode advises the kernel that buf's pages should be faulted in
// while the calling thread is pinned near node; since we cannot call
// libnuma's mbind(2) without cgo, this is limited to a madvise hint plus
// pinning the calling OS thread to a CPU of node. The thread stays pinned
// after bindToNode returns, and buf's pages are not touched here: under
// Linux's default first-touch policy they land on the node of whichever
// thread first writes them.
func bindToNode(buf []byte, node int) {
	_ = unix.Madvise(buf, unix.MADV_WILLNEED)
	pinCurrentThread(node, preferredCPU(node))
}

// pinCurrentThread binds the calling OS thread to a CPU local to node.
func pinCurrentThread(node, cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
