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

//go:build !linux

package numa

// Nodes reports a single NUMA node on platforms without topology
// discovery, matching momentics-hioload-ws's affinity_stub.go stance.
func Nodes() []int { return []int{0} }

// CurrentNode always reports node 0 outside Linux.
func CurrentNode() int { return 0 }

func preferredCPU(node int) int { return 0 }

func bindToNode(buf []byte, node int) {}

func pinCurrentThread(node, cpu int) error { return nil }
