package model

import "encoding/binary"

// RNG is a small, explicit xorshift128+ generator kept as part of an LP's
// snapshotable state (per the specification's design note: "the LP's RNG
// must be part of the snapshotable state so coast-forward reproduces draws
// exactly"). Its entire state is sixteen bytes, serialized verbatim by
// Bytes/SetBytes so a snapshot restore reproduces subsequent draws
// byte-for-byte.
type RNG struct {
	s0, s1 uint64
}

// NewRNG seeds the generator. A zero seed is remapped to a fixed non-zero
// value since an all-zero xorshift128+ state never produces non-zero
// output.
func NewRNG(seed uint64) *RNG {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	r := &RNG{s0: seed, s1: seed ^ 0xbf58476d1ce4e5b9}
	// burn a few iterations to mix a trivially-structured seed
	for i := 0; i < 8; i++ {
		r.next()
	}
	return r
}

func (r *RNG) next() uint64 {
	x, y := r.s0, r.s1
	r.s0 = y
	x ^= x << 23
	x ^= x >> 17
	x ^= y ^ (y >> 26)
	r.s1 = x
	return x + y
}

// Float64 returns a uniform value in [0, 1).
func (r *RNG) Float64() float64 {
	return float64(r.next()>>11) / (1 << 53)
}

// Bytes serializes the generator's full state.
func (r *RNG) Bytes() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], r.s0)
	binary.LittleEndian.PutUint64(b[8:16], r.s1)
	return b
}

// SetBytes restores the generator's state from a prior Bytes call.
func (r *RNG) SetBytes(b []byte) {
	if len(b) < 16 {
		return
	}
	r.s0 = binary.LittleEndian.Uint64(b[0:8])
	r.s1 = binary.LittleEndian.Uint64(b[8:16])
}
