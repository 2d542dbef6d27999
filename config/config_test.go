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

package config

import (
	"testing"

	"github.com/sblanas/pythia-sub000/operator"
)

const sampleYAML = `
path: /tmp/pythia
buffsize: 67108864
treeroot:
  name: root
  type: filter
  threshold: 5
  ratio: 0.25
  verbose: true
  input:
    name: scan1
    type: scan
    paths:
      - /data/a.tbl
      - /data/b.tbl
`

func mustParse(t *testing.T) *Node {
	t.Helper()
	n, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return n
}

func TestTopLevelScalars(t *testing.T) {
	n := mustParse(t)
	s, err := n.Str("path")
	if err != nil || s != "/tmp/pythia" {
		t.Fatalf("Str(path) = %q, %v", s, err)
	}
	i, err := n.Int("buffsize")
	if err != nil || i != 67108864 {
		t.Fatalf("Int(buffsize) = %d, %v", i, err)
	}
}

func TestNestedGroupAccess(t *testing.T) {
	n := mustParse(t)
	root, err := n.Group("treeroot")
	if err != nil {
		t.Fatalf("Group(treeroot): %v", err)
	}
	typ, err := root.Str("type")
	if err != nil || typ != "filter" {
		t.Fatalf("Str(type) = %q, %v", typ, err)
	}
	thresh, err := root.Int("threshold")
	if err != nil || thresh != 5 {
		t.Fatalf("Int(threshold) = %d, %v", thresh, err)
	}
	ratio, err := root.Float("ratio")
	if err != nil || ratio != 0.25 {
		t.Fatalf("Float(ratio) = %v, %v", ratio, err)
	}
	verbose, err := root.Bool("verbose")
	if err != nil || !verbose {
		t.Fatalf("Bool(verbose) = %v, %v", verbose, err)
	}
}

func TestPathTokensAreInterchangeable(t *testing.T) {
	n := mustParse(t)
	a, errA := n.Str("treeroot:input.type")
	b, errB := n.Str("treeroot/input/type")
	if errA != nil || errB != nil || a != b || a != "scan" {
		t.Fatalf("path token forms disagree: %q(%v) vs %q(%v)", a, errA, b, errB)
	}
}

func TestListAccess(t *testing.T) {
	n := mustParse(t)
	paths, err := n.List("treeroot:input:paths")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	first, err := paths[0].Str("")
	if err != nil || first != "/data/a.tbl" {
		t.Fatalf("Str(\"\") on scalar list element = %q, %v", first, err)
	}
}

func TestMissingKeyIsError(t *testing.T) {
	n := mustParse(t)
	if _, err := n.Str("treeroot:nosuchkey"); err == nil {
		t.Fatal("expected error for missing key")
	}
	if n.Exists("treeroot:nosuchkey") {
		t.Fatal("Exists should report false for a missing key")
	}
	if !n.Exists("treeroot:type") {
		t.Fatal("Exists should report true for a present key")
	}
}

func TestNodeSatisfiesOperatorConfig(t *testing.T) {
	var _ operator.Config = (*Node)(nil)
}
