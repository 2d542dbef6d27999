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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sblanas/pythia-sub000/page"
	"github.com/sblanas/pythia-sub000/schema"
)

// leaf and wrapper are bare-bones Op implementations used only to
// exercise the tree-walking helpers (RecursiveThreadInit/ThreadClose/
// Destroy, Print) independent of any concrete operator package.
type leaf struct {
	ZeroInput
	name string
	log  *[]string
}

func (l *leaf) Init(cfg Config) error { return nil }
func (l *leaf) ThreadInit(tid int) error {
	*l.log = append(*l.log, "init:"+l.name)
	return nil
}
func (l *leaf) ThreadClose(tid int) error {
	*l.log = append(*l.log, "close:"+l.name)
	return nil
}
func (l *leaf) Destroy() error {
	*l.log = append(*l.log, "destroy:"+l.name)
	return nil
}
func (l *leaf) OutSchema() *schema.Schema       { return nil }
func (l *leaf) Accept(v Visitor) error          { return v.Visit(l) }
func (l *leaf) GetNext(ctx context.Context, tid int) (Code, *page.Buffer, error) {
	return Finished, nil, nil
}

type wrapper struct {
	SingleInput
	name string
	log  *[]string
}

func (w *wrapper) Init(cfg Config) error { return w.Child.Init(cfg) }
func (w *wrapper) ThreadInit(tid int) error {
	*w.log = append(*w.log, "init:"+w.name)
	return nil
}
func (w *wrapper) ThreadClose(tid int) error {
	*w.log = append(*w.log, "close:"+w.name)
	return nil
}
func (w *wrapper) Destroy() error {
	*w.log = append(*w.log, "destroy:"+w.name)
	return nil
}
func (w *wrapper) OutSchema() *schema.Schema { return w.Child.OutSchema() }
func (w *wrapper) Accept(v Visitor) error {
	if err := v.Visit(w); err != nil {
		return err
	}
	return w.Child.Accept(v)
}
func (w *wrapper) GetNext(ctx context.Context, tid int) (Code, *page.Buffer, error) {
	return w.Child.GetNext(ctx, tid)
}

func TestRecursiveThreadInitIsPreOrder(t *testing.T) {
	var log []string
	l := &leaf{name: "leaf", log: &log}
	w := &wrapper{SingleInput: SingleInput{Child: l}, name: "wrapper", log: &log}

	if err := RecursiveThreadInit(w, 0); err != nil {
		t.Fatalf("RecursiveThreadInit: %v", err)
	}
	want := []string{"init:wrapper", "init:leaf"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", log, want)
	}
}

func TestRecursiveThreadCloseAndDestroyArePostOrder(t *testing.T) {
	var log []string
	l := &leaf{name: "leaf", log: &log}
	w := &wrapper{SingleInput: SingleInput{Child: l}, name: "wrapper", log: &log}

	if err := RecursiveThreadClose(w, 0); err != nil {
		t.Fatalf("RecursiveThreadClose: %v", err)
	}
	if err := RecursiveDestroy(w); err != nil {
		t.Fatalf("RecursiveDestroy: %v", err)
	}
	want := []string{"close:leaf", "close:wrapper", "destroy:leaf", "destroy:wrapper"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", log, want)
	}
}

func TestCodeString(t *testing.T) {
	cases := map[Code]string{Ready: "Ready", Finished: "Finished", Error: "Error"}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", code, got, want)
		}
	}
}

func TestPrettyPrinterVisitsEveryNodeInAcceptOrder(t *testing.T) {
	var log []string
	l := &leaf{name: "leaf", log: &log}
	w := &wrapper{SingleInput: SingleInput{Child: l}, name: "wrapper", log: &log}

	var buf bytes.Buffer
	pp := NewPrettyPrinter(&buf)
	if err := w.Accept(pp); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %v", lines)
	}
	if !strings.HasPrefix(lines[1], " ") {
		t.Fatalf("second visited node should be indented one level deeper: %q", lines[1])
	}
}

func TestPrintNestsChildrenUnderParent(t *testing.T) {
	var log []string
	l := &leaf{name: "leaf", log: &log}
	w := &wrapper{SingleInput: SingleInput{Child: l}, name: "wrapper", log: &log}

	var buf bytes.Buffer
	Print(&buf, w)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %v", lines)
	}
	if strings.HasPrefix(lines[0], " ") {
		t.Fatalf("root line should not be indented: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "  ") {
		t.Fatalf("child line should be indented: %q", lines[1])
	}
}
