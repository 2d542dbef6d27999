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

package hashtable

import "github.com/sblanas/pythia-sub000/page"

// Iterator visits buckets in [start, end) with stride step, scanning each
// bucket's chain page-by-page in tuple order (spec.md §4.2). It is reused
// across getNext calls by hash join/aggregation, which save and restore its
// position when an output page fills up mid-bucket.
type Iterator struct {
	t          *Table
	start, end int
	step       int

	bucket  int
	cur     *page.LinkedBuffer
	tupleIx int
}

// NewIterator creates an Iterator over buckets [start, end) with stride
// step. Thread-local aggregation uses step=1 over the thread's own table;
// global-mode aggregation starts at the thread's index in its group and
// uses the group's arity as step, so group members sweep disjoint strides.
func (t *Table) NewIterator(start, end, step int) *Iterator {
	it := &Iterator{t: t, start: start, end: end, step: step}
	it.Reset()
	return it
}

// Reset repositions the iterator at the first bucket of its range.
func (it *Iterator) Reset() {
	it.bucket = it.start
	it.cur = nil
	it.tupleIx = 0
	if it.bucket < it.end {
		it.cur = it.t.Bucket(it.bucket)
	}
}

// PlaceAt repositions the iterator to start scanning from bucket h.
func (it *Iterator) PlaceAt(h int) {
	it.bucket = h
	it.cur = it.t.Bucket(h)
	it.tupleIx = 0
}

// Next returns the next tuple in the iteration order, or nil when the
// range [start,end) is exhausted.
func (it *Iterator) Next() []byte {
	for {
		if it.bucket >= it.end {
			return nil
		}
		if it.cur == nil {
			it.bucket += it.step
			it.tupleIx = 0
			if it.bucket < it.end {
				it.cur = it.t.Bucket(it.bucket)
			}
			continue
		}
		if it.tupleIx >= it.cur.TupleCount() {
			it.cur = it.cur.Next()
			it.tupleIx = 0
			continue
		}
		tup := it.cur.Tuple(it.tupleIx)
		it.tupleIx++
		return tup
	}
}

// Save captures the iterator's current position so it can be restored with
// Restore -- used when an output page fills mid-bucket and getNext must
// return Ready, resuming later at the same spot.
type Save struct {
	bucket  int
	cur     *page.LinkedBuffer
	tupleIx int
}

func (it *Iterator) Save() Save {
	return Save{bucket: it.bucket, cur: it.cur, tupleIx: it.tupleIx}
}

func (it *Iterator) Restore(s Save) {
	it.bucket, it.cur, it.tupleIx = s.bucket, s.cur, s.tupleIx
}

// Bucket returns the current bucket index.
func (it *Iterator) Bucket() int { return it.bucket }
