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

package page

import "testing"

func TestLinkedBufferChaining(t *testing.T) {
	head, err := NewLinked(make([]byte, 8), 8, "test")
	if err != nil {
		t.Fatalf("NewLinked: %v", err)
	}
	if head.Len() != 1 {
		t.Fatalf("Len = %d, want 1", head.Len())
	}
	if head.Next() != nil {
		t.Fatal("expected nil Next on a single-node chain")
	}

	mid, err := NewLinked(make([]byte, 8), 8, "test")
	if err != nil {
		t.Fatalf("NewLinked: %v", err)
	}
	head.SetNext(mid)
	if head.Len() != 2 {
		t.Fatalf("Len = %d, want 2", head.Len())
	}
	if head.Last() != mid {
		t.Fatal("Last should return the tail of the chain")
	}

	tail, err := NewLinked(make([]byte, 8), 8, "test")
	if err != nil {
		t.Fatalf("NewLinked: %v", err)
	}
	mid.SetNext(tail)
	if head.Len() != 3 {
		t.Fatalf("Len = %d, want 3", head.Len())
	}
	if head.Last() != tail {
		t.Fatal("Last should return the new tail after extending the chain")
	}
}
