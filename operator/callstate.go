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

import (
	"context"
	"fmt"
	"sync"

	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// state is the per-thread lifecycle state CallStateChecker asserts
// transitions between, grounded on original_source/unit_tests/common.h's
// state-machine checks for getNext/scanStart/scanStop ordering.
type state int

const (
	stateFresh state = iota
	stateScanning
	stateStopped
	stateClosed
)

// CallStateChecker wraps a child operator and fails fast (spec.md §7,
// "Protocol violation") if its lifecycle calls arrive out of order,
// returning an ErrProtocol-wrapped error rather than panicking. It checks
// only where it is explicitly inserted into a plan, matching spec.md §7's
// CallStateChecker example.
type CallStateChecker struct {
	SingleInput
	mu     sync.Mutex
	states map[int]state
	sch    schema.Schema
}

// NewCallStateChecker wraps child with lifecycle assertions.
func NewCallStateChecker(child Op) *CallStateChecker {
	return &CallStateChecker{SingleInput: SingleInput{Child: child}, states: map[int]state{}}
}

func (c *CallStateChecker) Init(cfg Config) error {
	if err := c.Child.Init(cfg); err != nil {
		return err
	}
	c.sch = *c.Child.OutSchema()
	return nil
}

func (c *CallStateChecker) OutSchema() *schema.Schema { return &c.sch }

func (c *CallStateChecker) ThreadInit(tid int) error {
	c.mu.Lock()
	c.states[tid] = stateFresh
	c.mu.Unlock()
	return c.Child.ThreadInit(tid)
}

func (c *CallStateChecker) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (Code, error) {
	c.mu.Lock()
	s := c.states[tid]
	if s == stateScanning {
		c.mu.Unlock()
		return Error, fmt.Errorf("%w: ScanStart called twice for thread %d without ScanStop", ErrProtocol, tid)
	}
	c.states[tid] = stateScanning
	c.mu.Unlock()
	return c.Child.ScanStart(ctx, tid, indexData, indexSchema)
}

func (c *CallStateChecker) GetNext(ctx context.Context, tid int) (Code, *page.Buffer, error) {
	c.mu.Lock()
	s := c.states[tid]
	c.mu.Unlock()
	if s != stateScanning {
		return Error, nil, fmt.Errorf("%w: GetNext called for thread %d before ScanStart", ErrProtocol, tid)
	}
	return c.Child.GetNext(ctx, tid)
}

func (c *CallStateChecker) ScanStop(ctx context.Context, tid int) (Code, error) {
	c.mu.Lock()
	s := c.states[tid]
	if s != stateScanning {
		c.mu.Unlock()
		return Error, fmt.Errorf("%w: ScanStop called for thread %d without matching ScanStart", ErrProtocol, tid)
	}
	c.states[tid] = stateStopped
	c.mu.Unlock()
	return c.Child.ScanStop(ctx, tid)
}

func (c *CallStateChecker) ThreadClose(tid int) error {
	c.mu.Lock()
	c.states[tid] = stateClosed
	c.mu.Unlock()
	return c.Child.ThreadClose(tid)
}

func (c *CallStateChecker) Destroy() error { return c.Child.Destroy() }

func (c *CallStateChecker) Accept(v Visitor) error {
	if err := v.Visit(c); err != nil {
		return err
	}
	return c.Child.Accept(v)
}
