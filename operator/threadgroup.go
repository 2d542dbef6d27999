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

package operator

import "fmt"

// ThreadGroups partitions the participating thread ids into groups, one
// designated leader per group (the first tid listed), per spec.md §4.4.1.
// Every join and the partition operator is parameterized by one of these.
type ThreadGroups struct {
	groups  [][]int
	groupOf map[int]int
}

// NewThreadGroups validates and indexes an explicit partition of thread
// ids, as would be read from a config's `threadgroups = [[tids...], ...]`.
func NewThreadGroups(groups [][]int) (*ThreadGroups, error) {
	tg := &ThreadGroups{groups: groups, groupOf: map[int]int{}}
	for gi, g := range groups {
		if len(g) == 0 {
			return nil, fmt.Errorf("operator: thread group %d is empty", gi)
		}
		for _, tid := range g {
			if _, dup := tg.groupOf[tid]; dup {
				return nil, fmt.Errorf("operator: thread %d listed in more than one group", tid)
			}
			tg.groupOf[tid] = gi
		}
	}
	return tg, nil
}

// Singleton builds one group containing every tid in [0, n).
func Singleton(n int) *ThreadGroups {
	g := make([]int, n)
	for i := range g {
		g[i] = i
	}
	tg, _ := NewThreadGroups([][]int{g})
	return tg
}

// NumGroups returns the number of groups.
func (tg *ThreadGroups) NumGroups() int { return len(tg.groups) }

// GroupOf returns the group index tid belongs to.
func (tg *ThreadGroups) GroupOf(tid int) (int, error) {
	gi, ok := tg.groupOf[tid]
	if !ok {
		return 0, fmt.Errorf("operator: thread %d is not a member of any thread group", tid)
	}
	return gi, nil
}

// Members returns the tids in group gi.
func (tg *ThreadGroups) Members(gi int) []int { return tg.groups[gi] }

// Arity returns len(Members(gi)).
func (tg *ThreadGroups) Arity(gi int) int { return len(tg.groups[gi]) }

// IsLeader reports whether tid is the designated leader (first tid listed)
// of its group.
func (tg *ThreadGroups) IsLeader(tid int) bool {
	gi, err := tg.GroupOf(tid)
	if err != nil {
		return false
	}
	return tg.groups[gi][0] == tid
}

// IndexInGroup returns tid's position within its group's member list.
func (tg *ThreadGroups) IndexInGroup(tid int) int {
	gi, err := tg.GroupOf(tid)
	if err != nil {
		return -1
	}
	for i, t := range tg.groups[gi] {
		if t == tid {
			return i
		}
	}
	return -1
}
