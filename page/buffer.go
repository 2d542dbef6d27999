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

// Package page implements Pythia's TupleBuffer: a fixed-capacity,
// row-major byte region with a monotonically advancing allocation cursor.
// Its lock-free allocation loop mirrors the CAS-retry shape of the
// teacher's VM page allocator (vm/malloc.go's Malloc/Free bitmap scan).
package page

import (
	"fmt"
	"sync/atomic"
)

// Buffer is a fixed-capacity contiguous byte region holding fixed-width
// tuples packed back to back. A Buffer never moves its bytes once
// allocated; readers may observe it concurrently with a single writer
// advancing free via AllocateTuple, or with many writers via AtomicAllocate.
type Buffer struct {
	data      []byte
	tupleSize int
	// free is the number of bytes currently in use, always a multiple of
	// tupleSize. It is advanced non-atomically by AllocateTuple (single
	// producer) or atomically by AtomicAllocate (concurrent producers).
	free int64
	// owning is true if this Buffer allocated and must release data on
	// Destroy; non-owning Buffers are views onto an mmap'd file or a
	// slice of a larger page (see SubRange).
	owning bool
	// origin is the 4-char NUMA allocation tag this page was allocated
	// under, or "" for non-owning views.
	origin string
}

// New wraps an existing, zeroed byte slice as an owning Buffer with room
// for len(data)/tupleSize tuples.
func New(data []byte, tupleSize int, origin string) (*Buffer, error) {
	if tupleSize <= 0 {
		return nil, fmt.Errorf("page: tupleSize must be positive, got %d", tupleSize)
	}
	return &Buffer{data: data, tupleSize: tupleSize, owning: true, origin: origin}, nil
}

// NewView wraps data as a non-owning Buffer that is already considered
// "full" up to usedBytes -- used for a view onto an mmap'd file (shm.Table)
// or a slice of a larger owning page.
func NewView(data []byte, tupleSize, usedBytes int) (*Buffer, error) {
	if tupleSize <= 0 {
		return nil, fmt.Errorf("page: tupleSize must be positive, got %d", tupleSize)
	}
	if usedBytes < 0 || usedBytes > len(data) {
		return nil, fmt.Errorf("page: usedBytes %d out of range [0,%d]", usedBytes, len(data))
	}
	return &Buffer{data: data, tupleSize: tupleSize, free: int64(usedBytes)}, nil
}

// TupleSize returns the fixed tuple width of this page.
func (b *Buffer) TupleSize() int { return b.tupleSize }

// Capacity returns the total byte capacity of the page.
func (b *Buffer) Capacity() int { return len(b.data) }

// UsedSpace returns the number of bytes currently allocated.
func (b *Buffer) UsedSpace() int { return int(atomic.LoadInt64(&b.free)) }

// TupleCount returns UsedSpace()/TupleSize(). A zero-value Buffer (no
// tupleSize set, used as a throwaway empty page on a Finished return) has
// zero tuples rather than dividing by zero.
func (b *Buffer) TupleCount() int {
	if b.tupleSize <= 0 {
		return 0
	}
	return b.UsedSpace() / b.tupleSize
}

// Remaining returns the number of whole tuples that can still be allocated.
func (b *Buffer) Remaining() int {
	if b.tupleSize <= 0 {
		return 0
	}
	return (len(b.data) - b.UsedSpace()) / b.tupleSize
}

// Reset resets the free cursor to zero without releasing the underlying
// storage; used by HashTable.BucketClear and by operators recycling their
// output page across getNext calls at scanStart.
func (b *Buffer) Reset() { atomic.StoreInt64(&b.free, 0) }

// Tuple returns a view of the i'th tuple, or nil if i is out of range.
func (b *Buffer) Tuple(i int) []byte {
	if i < 0 || i >= b.TupleCount() {
		return nil
	}
	off := i * b.tupleSize
	return b.data[off : off+b.tupleSize : off+b.tupleSize]
}

// AllocateTuple reserves space for one tuple and returns a writable view of
// it, or nil if the page is full. Non-atomic: for single-producer use only
// (e.g. a thread building its own output page).
func (b *Buffer) AllocateTuple() []byte {
	off := b.free
	if off+int64(b.tupleSize) > int64(len(b.data)) {
		return nil
	}
	b.free = off + int64(b.tupleSize)
	return b.data[off : off+int64(b.tupleSize) : off+int64(b.tupleSize)]
}

// AtomicAllocate reserves space for n tuples using a CAS loop so that
// concurrent producers never overlap, returning a writable view of the
// reserved region and true, or (nil, false) if the page cannot fit n more
// tuples. This is the concurrent counterpart to AllocateTuple, grounded on
// vm/malloc.go's CAS-retry bitmap scan.
func (b *Buffer) AtomicAllocate(n int) ([]byte, bool) {
	want := int64(n * b.tupleSize)
	for {
		cur := atomic.LoadInt64(&b.free)
		next := cur + want
		if next > int64(len(b.data)) {
			return nil, false
		}
		if atomic.CompareAndSwapInt64(&b.free, cur, next) {
			return b.data[cur:next:next], true
		}
	}
}

// SubRange returns a non-owning view over tuples [lo, hi) of this page
// without copying -- the "sub-range iterator" of spec.md §3.
func (b *Buffer) SubRange(lo, hi int) (*Buffer, error) {
	n := b.TupleCount()
	if lo < 0 || hi > n || lo > hi {
		return nil, fmt.Errorf("page: subrange [%d,%d) out of range [0,%d)", lo, hi, n)
	}
	start := lo * b.tupleSize
	end := hi * b.tupleSize
	return &Buffer{
		data:      b.data[start:end:end],
		tupleSize: b.tupleSize,
		free:      int64(end - start),
	}, nil
}

// Bytes returns the raw used portion of the page, for I/O (shm.Writer) or
// hashing.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.UsedSpace()]
}

// Raw returns the full backing array, including unused capacity; used by
// the NUMA allocator to release the page.
func (b *Buffer) Raw() []byte { return b.data }

// Owning reports whether this page owns its storage (and thus must be
// released by a NUMA allocator rather than just dropped).
func (b *Buffer) Owning() bool { return b.owning }

// Origin returns the 4-char NUMA allocation tag this page was created
// under.
func (b *Buffer) Origin() string { return b.origin }
