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

// Package operator defines Pythia's operator protocol (spec.md §4.1): the
// five lifecycle calls every physical operator exposes, plus the
// SingleInput/DualInput/ZeroInput embeddable mixins that supply the default
// scanStart/scanStop forwarding behavior spec.md describes, and the visitor
// used to walk the tree for threadInit/threadClose/destroy without coupling
// each operator to tree-walking logic.
//
// This mirrors the teacher's split of vm.QuerySink/vm.RowConsumer into
// small composable interfaces (vm/doc.go), adapted from Sneller's
// push-model chunk streaming to spec.md's pull-model page iteration.
package operator

import (
	"context"
	"fmt"

	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// Code is the three-valued result of a getNext/scanStart/scanStop call.
type Code int

const (
	Ready Code = iota
	Finished
	Error
)

func (c Code) String() string {
	switch c {
	case Ready:
		return "Ready"
	case Finished:
		return "Finished"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Config is the subset of the structured configuration an operator needs
// at init time; it is deliberately small since the config-to-plan
// constructor is out of scope (spec.md §1) -- operators are wired directly
// by Go code in tests and by the minimal config package for the driver
// binary.
type Config interface {
	// Int, Str, Bool, Float read scalar parameters by path.
	Int(path string) (int, error)
	Str(path string) (string, error)
	Bool(path string) (bool, error)
	Float(path string) (float64, error)
}

// Op is the operator protocol every physical operator implements.
type Op interface {
	// Init wires constants from the plan node, builds the output Schema,
	// and allocates fixed-size per-thread slots (but not per-thread
	// pages). Called once.
	Init(cfg Config) error

	// ThreadInit allocates this thread's output Page and any per-thread
	// scratch, on the NUMA node local to the calling thread. Called once
	// per worker thread; must not propagate to children -- the Visitor
	// does that.
	ThreadInit(tid int) error

	// ScanStart begins a scan. indexData/indexSchema carry the optional
	// "index data page" side channel (spec.md §4.1); non-index operators
	// must propagate them unchanged to their child(ren).
	ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (Code, error)

	// GetNext produces the next page. Once Finished has been returned
	// for a tid, all subsequent calls for that tid must return Finished
	// with a (possibly empty) valid page in the same call. Error
	// indicates an unrecoverable failure; the returned page need not be
	// safe to read.
	GetNext(ctx context.Context, tid int) (Code, *page.Buffer, error)

	// ScanStop ends the scan; a new ScanStart may follow.
	ScanStop(ctx context.Context, tid int) (Code, error)

	// ThreadClose releases per-thread resources. Called once per worker
	// thread; must not propagate to children.
	ThreadClose(tid int) error

	// Destroy releases per-plan resources. Called once, after every
	// thread has called ThreadClose.
	Destroy() error

	// OutSchema returns this operator's output schema. Valid only after
	// Init has returned successfully.
	OutSchema() *schema.Schema

	// Accept is the double-dispatch entry point used by Visitor and the
	// pretty printer.
	Accept(v Visitor) error
}

// ErrProtocol is wrapped by errors signalling a lifecycle call made out of
// order (spec.md §7, "Protocol violation").
var ErrProtocol = fmt.Errorf("operator: protocol violation")
