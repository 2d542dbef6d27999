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

// Package hashtable implements Pythia's HashTable (spec.md §4.2): a
// fixed-size array of bucket heads, each head a chain of equal-size pages.
// Its allocation path is grounded on the teacher's CAS-retry bitmap scan
// (vm/malloc.go's Malloc/Free), and its bucket/payload layout on
// vm/hash_aggregate.go's aggtable (group-key + payload rows chained per
// hash bucket).
package hashtable

import (
	"fmt"
	"sync"

	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/page"
)

// bucketHead is one slot of the bucket-head array: a pointer to the first
// page of the bucket's chain, a per-bucket lock, and a spill counter.
type bucketHead struct {
	mu     sync.Mutex
	head   *page.LinkedBuffer
	tail   *page.LinkedBuffer
	spills int64
	_      [32]byte // pad to a cache line; avoids false sharing across adjacent bucket heads under concurrent atomicAllocate
}

// Table is the HashTable of spec.md §4.2.
type Table struct {
	buckets       []bucketHead
	bucketBytes   int
	tupleSize     int
	policy        numa.Policy
	origin        string
	statBuckets   int64
	statSpillsSum int64
}

// New allocates the bucket-head array; per-bucket page allocation is
// deferred until first insert, per spec.md §4.2.
func New(nbuckets, bucketCapacityBytes, tupleSize int, policy numa.Policy, origin string) (*Table, error) {
	if nbuckets <= 0 {
		return nil, fmt.Errorf("hashtable: nbuckets must be positive, got %d", nbuckets)
	}
	if tupleSize <= 0 || bucketCapacityBytes < tupleSize {
		return nil, fmt.Errorf("hashtable: bad bucketCapacityBytes=%d tupleSize=%d", bucketCapacityBytes, tupleSize)
	}
	return &Table{
		buckets:     make([]bucketHead, nbuckets),
		bucketBytes: bucketCapacityBytes,
		tupleSize:   tupleSize,
		policy:      policy,
		origin:      origin,
		statBuckets: int64(nbuckets),
	}, nil
}

// NumBuckets returns the number of buckets.
func (t *Table) NumBuckets() int { return len(t.buckets) }

// TupleSize returns the fixed tuple width stored in this table.
func (t *Table) TupleSize() int { return t.tupleSize }

func (t *Table) newPage(bucket int) *page.LinkedBuffer {
	node := t.policy.NodeFor(bucket)
	buf := numa.Allocate(node, t.bucketBytes, t.origin)
	lb, err := page.NewLinked(buf, t.tupleSize, t.origin)
	if err != nil {
		panic("hashtable: " + err.Error())
	}
	return lb
}

// Allocate reserves a tuple-sized slot in bucket h's last page, extending
// the chain if full. Non-atomic: for single-producer-per-bucket use.
func (t *Table) Allocate(h int) []byte {
	bh := &t.buckets[h]
	if bh.head == nil {
		bh.head = t.newPage(h)
		bh.tail = bh.head
	}
	if tup := bh.tail.AllocateTuple(); tup != nil {
		return tup
	}
	bh.spills++
	np := t.newPage(h)
	bh.tail.SetNext(np)
	bh.tail = np
	return bh.tail.AllocateTuple()
}

// AtomicAllocate is the concurrent counterpart to Allocate: safe under
// concurrent inserts to the same bucket h from multiple threads. Every call
// takes the per-bucket lock briefly to read (or create) the tail page; the
// slot itself is reserved by a Buffer.AtomicAllocate CAS outside the lock,
// and a full tail is replaced by linking a new page under the lock. The
// tail read is not lock-free.
func (t *Table) AtomicAllocate(h int) []byte {
	bh := &t.buckets[h]
	for {
		bh.mu.Lock()
		if bh.head == nil {
			bh.head = t.newPage(h)
			bh.tail = bh.head
		}
		tail := bh.tail
		bh.mu.Unlock()

		if tup, ok := tail.AtomicAllocate(1); ok {
			return tup
		}

		bh.mu.Lock()
		if bh.tail == tail {
			// still the tail we observed as full: link a new page.
			np := t.newPage(h)
			bh.tail.SetNext(np)
			bh.tail = np
			bh.spills++
		}
		bh.mu.Unlock()
		// retry: either we linked the page, or another thread already did.
	}
}

// LockBucket/UnlockBucket provide per-bucket mutual exclusion for
// read-modify-write access to aggregate payloads (spec.md §4.2/§4.6).
func (t *Table) LockBucket(h int)   { t.buckets[h].mu.Lock() }
func (t *Table) UnlockBucket(h int) { t.buckets[h].mu.Unlock() }

// BucketClear resets the free cursor of every page in buckets
// [startTid, len, step) without freeing them, used by group leaders/members
// between probe end and the next build (spec.md §4.2).
func (t *Table) BucketClear(start, step int) {
	for h := start; h < len(t.buckets); h += step {
		for p := t.buckets[h].head; p != nil; p = p.Next() {
			p.Reset()
		}
	}
}

// Destroy frees every page and the bucket-head array.
func (t *Table) Destroy() {
	for i := range t.buckets {
		for p := t.buckets[i].head; p != nil; {
			next := p.Next()
			numa.Release(p.Raw())
			p = next
		}
		t.buckets[i].head = nil
		t.buckets[i].tail = nil
	}
}

// StatBuckets and StatSpills report advisory statistics (spec.md §4.2).
func (t *Table) StatBuckets() int64 { return t.statBuckets }
func (t *Table) StatSpills() int64 {
	var n int64
	for i := range t.buckets {
		n += t.buckets[i].spills
	}
	return n
}

// Bucket returns the page chain head for bucket h (nil if empty), used by
// Iterator.
func (t *Table) Bucket(h int) *page.LinkedBuffer { return t.buckets[h].head }
