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

// Package config implements Pythia's structured configuration language
// (spec.md §6.1): a group/list/scalar tree addressed by path tokens
// `:./`. It decodes the textual form via sigs.k8s.io/yaml (the teacher's
// own dependency) rather than a hand-rolled recursive-descent parser, so
// the surface stays libconfig-flavored while the parser itself is
// well-tested. The config-to-plan constructor -- walking a Node tree and
// instantiating the matching operator.Op for each named group's "type" --
// is explicitly out of scope (spec.md §1); this package only exposes the
// tree and the typed accessors operator.Config requires.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

// Node is one point in the decoded configuration tree: a group (keyed
// map), a list (indexed sequence), or a scalar leaf.
type Node struct {
	raw any
}

// Parse decodes a YAML document (or the subset of it that looks like
// Pythia's libconfig-style group/list/scalar grammar) into a Node tree.
func Parse(data []byte) (*Node, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &Node{raw: v}, nil
}

// splitPath tokenizes a path on any of ':', '.', '/' -- spec.md §6.1's
// path token set.
func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == ':' || r == '.' || r == '/'
	})
}

func (n *Node) resolve(path string) (any, error) {
	cur := n.raw
	for _, tok := range splitPath(path) {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[tok]
			if !ok {
				return nil, fmt.Errorf("config: path %q: no key %q", path, tok)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil, fmt.Errorf("config: path %q: index %q out of range", path, tok)
			}
			cur = m[idx]
		default:
			return nil, fmt.Errorf("config: path %q: %q is not a group or list", path, tok)
		}
	}
	return cur, nil
}

// Group returns the sub-tree rooted at path, which must resolve to a
// group (map) or list.
func (n *Node) Group(path string) (*Node, error) {
	v, err := n.resolve(path)
	if err != nil {
		return nil, err
	}
	return &Node{raw: v}, nil
}

// List returns one Node per element of the list at path.
func (n *Node) List(path string) ([]*Node, error) {
	v, err := n.resolve(path)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("config: path %q is not a list", path)
	}
	out := make([]*Node, len(items))
	for i, it := range items {
		out[i] = &Node{raw: it}
	}
	return out, nil
}

// Exists reports whether path resolves to anything.
func (n *Node) Exists(path string) bool {
	_, err := n.resolve(path)
	return err == nil
}

// Int reads path as a scalar integer.
func (n *Node) Int(path string) (int, error) {
	v, err := n.resolve(path)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		i, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("config: path %q: %w", path, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("config: path %q: not an integer (%T)", path, v)
	}
}

// Str reads path as a scalar string.
func (n *Node) Str(path string) (string, error) {
	v, err := n.resolve(path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config: path %q: not a string (%T)", path, v)
	}
	return s, nil
}

// Bool reads path as a scalar boolean.
func (n *Node) Bool(path string) (bool, error) {
	v, err := n.resolve(path)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("config: path %q: not a boolean (%T)", path, v)
	}
	return b, nil
}

// Float reads path as a scalar floating-point number.
func (n *Node) Float(path string) (float64, error) {
	v, err := n.resolve(path)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("config: path %q: not a float (%T)", path, v)
	}
	return f, nil
}
