// Package checksum implements the rolling keyed checksum carried by every connected datagram.
//
// It is an integrity tag against corruption and casual tampering only; it provides no cryptographic strength.
package checksum

import "hash"

// seed values of the running state
const (
	seedR  uint16 = 55665
	seedC1 uint16 = 52845
	seedC2 uint16 = 22719
)

// Size is the length of the encoded tag.
const Size = 4

// State is the running checksum.
// The zero value is NOT ready for use; use New.
type State struct {
	r, c1, c2 uint16
	sum       uint32
}

var _ hash.Hash32 = (*State)(nil)

// New returns a freshly seeded State.
func New() *State {
	s := &State{}
	s.Reset()
	return s
}

// Compute returns the tag of b.
func Compute(b []byte) uint32 {
	s := New()
	s.Write(b)
	return s.sum
}

// Write folds p into the running state. It never fails.
func (s *State) Write(p []byte) (int, error) {
	for _, b := range p {
		cipher := b ^ byte(s.r>>8)
		s.r = (uint16(cipher)+s.r)*s.c1 + s.c2
		s.sum += uint32(cipher)
	}
	return len(p), nil
}

// Sum32 returns the tag of everything written since the last Reset.
func (s *State) Sum32() uint32 {
	return s.sum
}

// Sum appends the little-endian tag to b.
func (s *State) Sum(b []byte) []byte {
	return append(b, byte(s.sum), byte(s.sum>>8), byte(s.sum>>16), byte(s.sum>>24))
}

// Reset restores the seed.
func (s *State) Reset() {
	s.r, s.c1, s.c2, s.sum = seedR, seedC1, seedC2, 0
}

func (s *State) Size() int { return Size }

func (s *State) BlockSize() int { return 1 }
