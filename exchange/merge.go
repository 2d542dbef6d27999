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

// Package exchange implements Pythia's Merge (exchange) operator (spec.md
// §4.3): under a strictly single-threaded root driver (tid=0), it spawns N
// worker goroutines that drive its child subtree in parallel and
// multiplexes their outputs back to the caller one page at a time.
//
// The per-worker mailbox field set ({flag, command, result, finished}) and
// the consumer-side round robin with a remembered prevthread are grounded
// on original_source/operators/merge.cpp. Goroutine fan-out and the
// synchronous "issue to all, wait for all" shape for non-getNext lifecycle
// calls are grounded on the teacher's vm/table.go SplitInput. Worker scratch
// is guard-paged via numa.GuardedStack (spec.md §4.3's allocateStackOnNode).
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/sblanas/pythia-sub000/internal/plog"
	"github.com/sblanas/pythia-sub000/numa"
	"github.com/sblanas/pythia-sub000/operator"
	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

type flag int

const (
	flagEmpty flag = iota
	flagGo
	flagBusy
	flagStop
)

type command int

const (
	cmdThreadInit command = iota
	cmdScanStart
	cmdGetNext
	cmdScanStop
	cmdThreadClose
)

// workerMailbox holds one worker's command/result handoff, padded to avoid
// false sharing across adjacent workers, per spec.md §4.3.
type workerMailbox struct {
	mu   sync.Mutex
	cond *sync.Cond

	f   flag
	cmd command

	resCode operator.Code
	resPage *page.Buffer
	resErr  error

	finished bool // true once this worker's child subtree has reported Finished
	depleted bool // true once a Finished worker's last page has also been consumed

	tid   int
	stack *numa.GuardedStack
}

// Op is Pythia's exchange/merge operator.
type Op struct {
	operator.SingleInput

	threads     int
	affinitizer *numa.Affinitizer
	stackBytes  int
	sch         schema.Schema

	consumerMu sync.Mutex
	consumerCv *sync.Cond

	workers    []*workerMailbox
	prevthread int
}

// New builds a Merge operator spawning `threads` workers over child. If
// affinitizer is nil, workers are spread round-robin across NUMA nodes.
func New(child operator.Op, threads int, affinitizer *numa.Affinitizer) *Op {
	if affinitizer == nil {
		affinitizer = numa.NewRoundRobinAffinitizer(threads)
	}
	return &Op{
		SingleInput: operator.SingleInput{Child: child},
		threads:     threads,
		affinitizer: affinitizer,
		stackBytes:  1 << 20,
	}
}

func (m *Op) Init(cfg operator.Config) error {
	if err := m.Child.Init(cfg); err != nil {
		return err
	}
	m.sch = *m.Child.OutSchema()
	m.consumerCv = sync.NewCond(&m.consumerMu)
	return nil
}

func (m *Op) OutSchema() *schema.Schema { return &m.sch }

func (m *Op) Accept(v operator.Visitor) error {
	if err := v.Visit(m); err != nil {
		return err
	}
	return m.Child.Accept(v)
}

// ThreadInit spawns all workers (consumer-side, must be called with tid=0
// per spec.md §4.3), issues ThreadInit to each and waits until all are
// Empty. The first-page prefetch happens later, in ScanStart.
func (m *Op) ThreadInit(tid int) error {
	m.workers = make([]*workerMailbox, m.threads)
	m.prevthread = m.threads - 1
	for i := 0; i < m.threads; i++ {
		wm := &workerMailbox{tid: i}
		wm.cond = sync.NewCond(&wm.mu)
		stack, err := numa.NewGuardedStack(i%len(numa.Nodes()), m.stackBytes, "mrgw")
		if err != nil {
			return fmt.Errorf("exchange: guarded stack for worker %d: %w", i, err)
		}
		wm.stack = stack
		m.workers[i] = wm
		go m.workerLoop(wm)
	}
	return m.fanOutSync(cmdThreadInit)
}

// workerLoop is the per-worker mailbox loop: wait on flag==Go, execute the
// command on the child subtree, publish the result, signal the consumer,
// wait again.
func (m *Op) workerLoop(wm *workerMailbox) {
	ctx := context.Background()
	for {
		wm.mu.Lock()
		for wm.f != flagGo && wm.f != flagStop {
			wm.cond.Wait()
		}
		if wm.f == flagStop {
			wm.mu.Unlock()
			return
		}
		cmd := wm.cmd
		wm.f = flagBusy
		wm.mu.Unlock()

		var code operator.Code
		var pg *page.Buffer
		var err error
		switch cmd {
		case cmdThreadInit:
			err = m.Child.ThreadInit(wm.tid)
		case cmdScanStart:
			code, err = m.Child.ScanStart(ctx, wm.tid, nil, nil)
		case cmdGetNext:
			code, pg, err = m.Child.GetNext(ctx, wm.tid)
		case cmdScanStop:
			code, err = m.Child.ScanStop(ctx, wm.tid)
		case cmdThreadClose:
			err = m.Child.ThreadClose(wm.tid)
		}

		wm.mu.Lock()
		wm.resCode, wm.resPage, wm.resErr = code, pg, err
		if cmd == cmdGetNext && code == operator.Finished {
			wm.finished = true
		}
		wm.f = flagEmpty
		wm.cond.Broadcast()
		wm.mu.Unlock()

		m.consumerMu.Lock()
		m.consumerCv.Broadcast()
		m.consumerMu.Unlock()
	}
}

// issue sets a worker's mailbox to Go with the given command and wakes it.
func (m *Op) issue(wm *workerMailbox, cmd command) {
	wm.mu.Lock()
	wm.cmd = cmd
	wm.f = flagGo
	wm.cond.Signal()
	wm.mu.Unlock()
}

// fanOutSync issues cmd to every worker and waits for all of them to
// report Empty, used for every lifecycle call except GetNext.
func (m *Op) fanOutSync(cmd command) error {
	for _, wm := range m.workers {
		m.issue(wm, cmd)
	}
	var firstErr error
	for _, wm := range m.workers {
		wm.mu.Lock()
		for wm.f != flagEmpty {
			wm.cond.Wait()
		}
		if wm.resErr != nil && firstErr == nil {
			firstErr = wm.resErr
		}
		wm.mu.Unlock()
	}
	return firstErr
}

// ScanStart fans DoScanStart out to every worker, waits for all of them,
// then prefetches the first page from each worker with DoGetNext -- the
// exact ordering original_source/operators/merge.cpp's scanStart uses.
func (m *Op) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (operator.Code, error) {
	for _, wm := range m.workers {
		wm.mu.Lock()
		wm.depleted = false
		wm.finished = false
		wm.mu.Unlock()
	}
	if err := m.fanOutSync(cmdScanStart); err != nil {
		return operator.Error, err
	}
	for _, wm := range m.workers {
		m.issue(wm, cmdGetNext)
	}
	return operator.Ready, nil
}

// GetNext implements the consumer-side round robin of spec.md §4.3: for
// each worker starting after prevthread, skip Busy/Go workers and depleted
// Finished ones; return the first worker with a ready page, re-issuing
// GetNext to it unless it has already reached Finished; if a worker reports
// Finished with others still live, mark it depleted and return Ready with
// its final page; only once every worker is depleted does GetNext return
// Finished.
func (m *Op) GetNext(ctx context.Context, tid int) (operator.Code, *page.Buffer, error) {
	for {
		allDepleted := true
		start := (m.prevthread + 1) % m.threads
		for i := 0; i < m.threads; i++ {
			idx := (start + i) % m.threads
			wm := m.workers[idx]

			wm.mu.Lock()
			if wm.depleted {
				wm.mu.Unlock()
				continue
			}
			allDepleted = false
			if wm.f == flagBusy || wm.f == flagGo {
				wm.mu.Unlock()
				continue
			}
			// wm.f == flagEmpty: a result is waiting.
			code, pg, err := wm.resCode, wm.resPage, wm.resErr
			finished := wm.finished
			if finished {
				wm.depleted = true
			}
			wm.mu.Unlock()

			if err != nil {
				return operator.Error, pg, err
			}
			m.prevthread = idx
			if !finished {
				m.issue(wm, cmdGetNext)
			}
			plog.Tracef("exchange: worker %d -> %s", idx, code)
			return operator.Ready, pg, nil
		}
		if allDepleted {
			return operator.Finished, &page.Buffer{}, nil
		}
		// every live worker is Busy/Go: block until one signals.
		m.consumerMu.Lock()
		m.consumerCv.Wait()
		m.consumerMu.Unlock()
	}
}

func (m *Op) ScanStop(ctx context.Context, tid int) (operator.Code, error) {
	for _, wm := range m.workers {
		wm.mu.Lock()
		wm.depleted = false
		wm.finished = false
		wm.mu.Unlock()
	}
	if err := m.fanOutSync(cmdScanStop); err != nil {
		return operator.Error, err
	}
	return operator.Ready, nil
}

// ThreadClose fans ThreadClose out to every worker and waits for all of
// them to report Empty, then sets every mailbox to Stop, wakes the workers
// and releases their stacks. It does not wait for the worker goroutines to
// return.
func (m *Op) ThreadClose(tid int) error {
	if err := m.fanOutSync(cmdThreadClose); err != nil {
		return err
	}
	for _, wm := range m.workers {
		wm.mu.Lock()
		wm.f = flagStop
		wm.cond.Signal()
		wm.mu.Unlock()
	}
	for _, wm := range m.workers {
		_ = wm.stack.Release()
	}
	return nil
}

func (m *Op) Destroy() error { return m.Child.Destroy() }
