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

// LinkedBuffer is a Buffer plus a next pointer, forming a singly-linked
// list. It models a hash-table bucket (hashtable.Table) and a chunked
// "Table" in out-of-core loaders (spec.md §3), grounded on
// original_source/util/buffer.h's chunked representation.
type LinkedBuffer struct {
	Buffer
	next *LinkedBuffer
}

// NewLinked wraps data as the head of (or a link in) a chain.
func NewLinked(data []byte, tupleSize int, origin string) (*LinkedBuffer, error) {
	b, err := New(data, tupleSize, origin)
	if err != nil {
		return nil, err
	}
	return &LinkedBuffer{Buffer: *b}, nil
}

// Next returns the next page in the chain, or nil at the tail.
func (l *LinkedBuffer) Next() *LinkedBuffer { return l.next }

// SetNext links next onto l, extending the chain.
func (l *LinkedBuffer) SetNext(next *LinkedBuffer) { l.next = next }

// Last walks to, and returns, the tail of the chain starting at l.
func (l *LinkedBuffer) Last() *LinkedBuffer {
	cur := l
	for cur.next != nil {
		cur = cur.next
	}
	return cur
}

// Len returns the number of pages in the chain starting at l.
func (l *LinkedBuffer) Len() int {
	n := 0
	for cur := l; cur != nil; cur = cur.next {
		n++
	}
	return n
}
