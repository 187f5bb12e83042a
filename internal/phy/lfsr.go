package phy

import "math/bits"

// LFSR is the PCIe scrambling generator, x^16 + x^5 + x^4 + x^3 + 1, kept in
// the byte-stepped Galois form so one call advances a whole symbol.
type LFSR struct {
	state uint16
}

const lfsrSeed = 0xFFFF

// NewLFSR returns a generator in its reset state.
func NewLFSR() *LFSR { return &LFSR{state: lfsrSeed} }

// Reset reloads the seed. Called on every COM.
func (l *LFSR) Reset() { l.state = lfsrSeed }

// State returns the raw 16-bit register.
func (l *LFSR) State() uint16 { return l.state }

// Output returns the scrambling byte for the current symbol.
func (l *LFSR) Output() byte { return bits.Reverse8(byte(l.state >> 8)) }

// Advance steps the register by eight bit times.
func (l *LFSR) Advance() { l.state = lfsrStep(l.state) }

func lfsrStep(s uint16) uint16 {
	hi := s & 0xFF00
	return (s>>8 | (s&0xFF)<<8) ^ hi>>5 ^ hi>>4 ^ hi>>3
}

// Peek returns the next n output bytes without changing the state. With
// n = 4 it yields the bytes for a whole word, which is what the hardware
// computes combinationally each cycle.
func (l *LFSR) Peek(n int) []byte {
	out := make([]byte, n)
	s := l.state
	for i := range out {
		out[i] = bits.Reverse8(byte(s >> 8))
		s = lfsrStep(s)
	}
	return out
}
