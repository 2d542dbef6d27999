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

// Package hashfn implements the hash functions named by spec.md §6.1's
// config surface ("modulo", "knuth", "bytes", "exactrange", "alwayszero"),
// each mapping a tuple's key bytes to a bucket/partition index in
// [0, buckets).
package hashfn

import (
	"encoding/binary"
	"fmt"

	"github.com/dchest/siphash"
)

// Func maps a key's raw bytes to a value in [0, Buckets()).
type Func interface {
	Hash(key []byte) int
	Buckets() int
}

type modulo struct {
	buckets int
}

// Modulo returns a Func that treats key as a little-endian unsigned integer
// and reduces it mod buckets.
func Modulo(buckets int) Func { return modulo{buckets: buckets} }

func (m modulo) Buckets() int { return m.buckets }
func (m modulo) Hash(key []byte) int {
	return int(beUint(key) % uint64(m.buckets))
}

type knuth struct {
	buckets int
	bits    uint
}

// Knuth returns a Func implementing Knuth's multiplicative hashing
// (fib hashing): key times a 64-bit multiplier holding 2654435761 in both
// 32-bit halves, shifted right by (64-bits), then reduced to buckets
// via modulo of the shifted result. bits is chosen as the number of bits
// needed to represent buckets-1.
func Knuth(buckets int) Func {
	bits := uint(0)
	for (1 << bits) < buckets {
		bits++
	}
	return knuth{buckets: buckets, bits: bits}
}

func (k knuth) Buckets() int { return k.buckets }
func (k knuth) Hash(key []byte) int {
	const knuthConst = 2654435761 << 32 | 2654435761
	v := beUint(key) * knuthConst
	shifted := v >> (64 - k.bits)
	return int(shifted) % k.buckets
}

type bytesHash struct {
	buckets int
	k0, k1  uint64
}

// Bytes returns a Func hashing arbitrary-width keys with SipHash-2-4
// (github.com/dchest/siphash, the teacher's own dependency for exactly
// this purpose in vm/interphash.go), reduced mod buckets.
func Bytes(buckets int) Func {
	return bytesHash{buckets: buckets, k0: 0x0706050403020100, k1: 0x0f0e0d0c0b0a0908}
}

func (h bytesHash) Buckets() int { return h.buckets }
func (h bytesHash) Hash(key []byte) int {
	v := siphash.Hash(h.k0, h.k1, key)
	return int(v % uint64(h.buckets))
}

type alwaysZero struct{ buckets int }

// AlwaysZero returns a Func that hashes every key to bucket 0, required so
// that aggregation with an empty GROUP BY list (spec.md §4.6) realizes
// scalar aggregation into a single bucket.
func AlwaysZero() Func { return alwaysZero{buckets: 1} }

func (a alwaysZero) Buckets() int        { return a.buckets }
func (a alwaysZero) Hash(key []byte) int { return 0 }

// ExactRangeValueHasher is the uniform range splitter used by the range
// partition operator (spec.md §4.5): bucket selection by integer
// comparison against a uniform split of [min, max] into `buckets` equal
// ranges.
type ExactRangeValueHasher struct {
	min, max int64
	buckets  int
	step     float64
}

// NewExactRange builds an ExactRangeValueHasher over the inclusive integer
// range [min, max] split into buckets partitions.
func NewExactRange(min, max int64, buckets int) (*ExactRangeValueHasher, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("hashfn: buckets must be positive, got %d", buckets)
	}
	if max < min {
		return nil, fmt.Errorf("hashfn: max %d < min %d", max, min)
	}
	step := float64(max-min+1) / float64(buckets)
	if step <= 0 {
		step = 1
	}
	return &ExactRangeValueHasher{min: min, max: max, buckets: buckets, step: step}, nil
}

func (e *ExactRangeValueHasher) Buckets() int { return e.buckets }

// MinimumForBucket returns min + i*step, the inclusive lower bound of
// bucket i's key range.
func (e *ExactRangeValueHasher) MinimumForBucket(i int) int64 {
	return e.min + int64(float64(i)*e.step)
}

// Bucket returns the bucket index v (an integer key, as int64) falls into.
func (e *ExactRangeValueHasher) Bucket(v int64) int {
	if v < e.min {
		return 0
	}
	if v > e.max {
		return e.buckets - 1
	}
	b := int(float64(v-e.min) / e.step)
	if b >= e.buckets {
		b = e.buckets - 1
	}
	return b
}

// Hash implements Func by interpreting key as a little-endian int64; a key
// shorter than 8 bytes is read as an unsigned 32-bit value from its first
// 4 bytes.
func (e *ExactRangeValueHasher) Hash(key []byte) int {
	return e.Bucket(int64(beUint(key)))
}

func beUint(key []byte) uint64 {
	var buf [8]byte
	copy(buf[:], key)
	if len(key) < 8 {
		return uint64(binary.LittleEndian.Uint32(buf[:4]))
	}
	return binary.LittleEndian.Uint64(buf[:])
}
