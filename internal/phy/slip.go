package phy

import "pcielink/internal/pcie"

// SymbolSlip realigns the receive stream so that a comma lands in slot 0.
//
// It keeps the previous and current input words and emits the four symbols
// that start at offset k of their concatenation. The output therefore lags
// the input by one word. When several commas share a word the lowest slot
// wins.
type SymbolSlip struct {
	comma   pcie.Symbol
	enabled bool
	offset  int
	aligned bool
	prev    pcie.Word
}

// NewSymbolSlip creates an aligner keyed on comma.
func NewSymbolSlip(comma pcie.Symbol) *SymbolSlip {
	return &SymbolSlip{comma: comma, enabled: true}
}

// SetEnabled maps to the lane's rx_align control.
func (s *SymbolSlip) SetEnabled(en bool) { s.enabled = en }

// Offset returns the current slip in symbols.
func (s *SymbolSlip) Offset() int { return s.offset }

// Aligned reports whether a comma has been seen since the last reset.
func (s *SymbolSlip) Aligned() bool { return s.aligned }

// Reset drops the window and the learned offset.
func (s *SymbolSlip) Reset() {
	s.offset = 0
	s.aligned = false
	s.prev = pcie.Word{}
}

// Process consumes one input word and returns the slipped word.
func (s *SymbolSlip) Process(in pcie.Word) pcie.Word {
	if i := in.Index(s.comma); i >= 0 {
		if s.enabled {
			s.offset = i
		} else {
			s.offset = 0
		}
		s.aligned = true
	}

	var out pcie.Word
	for j := 0; j < pcie.WordSize; j++ {
		src := s.offset + j
		if src < pcie.WordSize {
			out.Symbols[j] = s.prev.Symbols[src]
			out.Valid[j] = s.prev.Valid[src]
		} else {
			out.Symbols[j] = in.Symbols[src-pcie.WordSize]
			out.Valid[j] = in.Valid[src-pcie.WordSize]
		}
	}
	s.prev = in
	return out
}
