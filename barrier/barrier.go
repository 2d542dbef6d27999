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

// Package barrier implements a reusable arrive-and-wait group barrier,
// used by every join and the partition operator to synchronize a thread
// group between phases (spec.md §4.4.1: "implementation via mutex +
// condvar, not a spinning primitive"). It is the re-arrivable counterpart
// to the teacher's one-shot sync.WaitGroup fan-out in vm/table.go's
// SplitInput.
package barrier

import "sync"

// Barrier lets exactly arity goroutines rendezvous repeatedly: each call to
// Wait blocks until arity calls have been made for the current generation,
// then releases all of them and advances to the next generation so the
// barrier can be reused.
type Barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	arity int
	count int
	gen   uint64
}

// New creates a Barrier for a group of the given arity. arity must be >= 1.
func New(arity int) *Barrier {
	if arity < 1 {
		panic("barrier: arity must be >= 1")
	}
	b := &Barrier{arity: arity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Arity returns the number of parties this barrier expects per generation.
func (b *Barrier) Arity() int { return b.arity }

// Wait blocks the calling goroutine until Arity() goroutines total have
// called Wait for the current generation, then returns for all of them.
func (b *Barrier) Wait() {
	b.mu.Lock()
	gen := b.gen
	b.count++
	if b.count == b.arity {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	for b.gen == gen {
		b.cond.Wait()
	}
	b.mu.Unlock()
}
