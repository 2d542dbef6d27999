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

	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// ZeroInput is embedded by leaf operators (scans, generators). It supplies
// the spec.md §4.1 default: ScanStart/ScanStop always succeed with no
// children to forward to.
type ZeroInput struct{}

func (ZeroInput) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (Code, error) {
	return Ready, nil
}

func (ZeroInput) ScanStop(ctx context.Context, tid int) (Code, error) { return Ready, nil }

func (ZeroInput) Children() []Op { return nil }

// SingleInput is embedded by operators with exactly one child (Filter,
// Project, ThreadIdPrepend, Consume, ...). It supplies the spec.md §4.1
// default: ScanStart/ScanStop forward unchanged to Child.
type SingleInput struct {
	Child Op
}

func (s SingleInput) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (Code, error) {
	return s.Child.ScanStart(ctx, tid, indexData, indexSchema)
}

func (s SingleInput) ScanStop(ctx context.Context, tid int) (Code, error) {
	return s.Child.ScanStop(ctx, tid)
}

func (s SingleInput) Children() []Op { return []Op{s.Child} }

// DualInput is embedded by two-input operators (joins). It supplies the
// spec.md §4.1 default: ScanStart/ScanStop forward to both children; joins
// that need a more specific build/probe choreography (HashJoinOp,
// SortMergeJoinOp, ...) override ScanStart/ScanStop entirely rather than
// using this default.
type DualInput struct {
	Build Op
	Probe Op
}

func (d DualInput) ScanStart(ctx context.Context, tid int, indexData *page.Buffer, indexSchema *schema.Schema) (Code, error) {
	if c, err := d.Build.ScanStart(ctx, tid, indexData, indexSchema); err != nil || c == Error {
		return Error, err
	}
	return d.Probe.ScanStart(ctx, tid, indexData, indexSchema)
}

func (d DualInput) ScanStop(ctx context.Context, tid int) (Code, error) {
	if c, err := d.Build.ScanStop(ctx, tid); err != nil || c == Error {
		return Error, err
	}
	return d.Probe.ScanStop(ctx, tid)
}

func (d DualInput) Children() []Op { return []Op{d.Build, d.Probe} }
