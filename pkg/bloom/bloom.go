// Package bloom implements the probabilistic set membership filter each
// SSTable carries to avoid unnecessary disk reads on a miss.
//
// The hash function and bit layout are part of the on-disk format: they
// are persisted inside every SSTable file, so a future change to either is
// a breaking format change (see spec.md §9, "Hash function portability").
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Filter is a fixed-size bitset plus k independent hash functions, sized
// from an expected element count and a target false-positive rate.
type Filter struct {
	bits []byte // packed bitset, ceil(m/8) bytes
	m    int32  // number of bits
	k    int32  // number of hash functions
}

// New sizes a Filter for n expected insertions at false-positive rate p,
// using m = ceil(-n*ln(p)/ln(2)^2) and k = max(1, round(m/n * ln(2))).
func New(n int, p float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if p <= 0 {
		p = 0.01
	}

	const ln2 = math.Ln2
	m := int32(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if m < 1 {
		m = 1
	}
	k := int32(math.Round(float64(m) / float64(n) * ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
	}
}

// Add records key's membership.
func (f *Filter) Add(key []byte) {
	for i := int32(0); i < f.k; i++ {
		f.setBit(f.index(key, i))
	}
}

// MightContain reports whether key may be a member: false means definitely
// absent, true means possibly present.
func (f *Filter) MightContain(key []byte) bool {
	for i := int32(0); i < f.k; i++ {
		if !f.getBit(f.index(key, i)) {
			return false
		}
	}
	return true
}

func (f *Filter) index(key []byte, seed int32) int64 {
	h := int64(hash(seed, key))
	if h < 0 {
		h = -h
	}
	return h % int64(f.m)
}

func (f *Filter) setBit(i int64) {
	f.bits[i/8] |= 1 << uint(i%8)
}

func (f *Filter) getBit(i int64) bool {
	return f.bits[i/8]&(1<<uint(i%8)) != 0
}

// hash implements the murmur-style finalizer specified by spec.md §4.2:
// h starts at seed, folds in each byte as h = 31*h + b (32-bit wraparound),
// then runs one avalanche finalizer pass.
func hash(seed int32, b []byte) int32 {
	h := seed
	for _, c := range b {
		h = 31*h + int32(c)
	}

	uh := uint32(h)
	uh ^= uh >> 16
	uh *= 0x85EBCA6B
	uh ^= uh >> 13
	uh *= 0xC2B2AE35
	uh ^= uh >> 16
	return int32(uh)
}

// Bytes serializes the filter as: bit_set_size (int32), num_hash_functions
// (int32), then the packed bitset. Integers are big-endian, matching the
// SSTable file format the blob is embedded in.
func (f *Filter) Bytes() []byte {
	out := make([]byte, 8+len(f.bits))
	binary.BigEndian.PutUint32(out[0:4], uint32(f.m))
	binary.BigEndian.PutUint32(out[4:8], uint32(f.k))
	copy(out[8:], f.bits)
	return out
}

// Parse reconstructs a Filter from the byte layout produced by Bytes.
func Parse(b []byte) (*Filter, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("bloom: blob too short: %d bytes", len(b))
	}
	m := int32(binary.BigEndian.Uint32(b[0:4]))
	k := int32(binary.BigEndian.Uint32(b[4:8]))
	if m <= 0 || k <= 0 {
		return nil, fmt.Errorf("bloom: invalid header m=%d k=%d", m, k)
	}
	want := int((m + 7) / 8)
	if len(b)-8 < want {
		return nil, fmt.Errorf("bloom: bitset truncated: want %d bytes, have %d", want, len(b)-8)
	}

	bits := make([]byte, want)
	copy(bits, b[8:8+want])
	return &Filter{bits: bits, m: m, k: k}, nil
}

// EncodedSize reports how many bytes Bytes would produce, without building it.
func (f *Filter) EncodedSize() int {
	return 8 + len(f.bits)
}
