package phy

import "pcielink/internal/pcie"

// tsBodyLen is the number of symbols that follow COM in a training sequence
// or 16-symbol EIEOS. They are sent in the clear but still clock the LFSR.
const tsBodyLen = 15

// Scrambler applies the LFSR to data symbols. Scrambling and descrambling
// are the same XOR, so one type serves both directions.
//
// The LFSR free-runs whether or not scrambling is enabled, so a late enable
// on one side of the link stays in step with the other.
type Scrambler struct {
	lfsr     LFSR
	enabled  bool
	afterCOM bool
	exempt   int
}

// NewScrambler returns a scrambler with scrambling disabled.
func NewScrambler() *Scrambler {
	return &Scrambler{lfsr: LFSR{state: lfsrSeed}}
}

// SetEnabled turns the XOR on or off. The LTSSM drives it.
func (s *Scrambler) SetEnabled(en bool) { s.enabled = en }

// Enabled reports whether data symbols are being XORed.
func (s *Scrambler) Enabled() bool { return s.enabled }

// Reset returns the LFSR to its seed and forgets any ordered set in progress.
func (s *Scrambler) Reset() {
	s.lfsr.Reset()
	s.afterCOM = false
	s.exempt = 0
}

// Process scrambles or descrambles one word.
func (s *Scrambler) Process(in pcie.Word) pcie.Word {
	out := in
	for i, sym := range in.Symbols {
		if !in.Valid[i] {
			continue
		}
		switch {
		case sym == pcie.COM:
			s.lfsr.Reset()
			s.afterCOM = true
			s.exempt = 0
			continue
		case sym == pcie.SKP:
			s.afterCOM = false
			continue
		}

		if s.afterCOM {
			s.afterCOM = false
			if !sym.IsControl() || sym == pcie.PAD || sym == pcie.EIE {
				s.exempt = tsBodyLen
			}
		}

		if !sym.IsControl() && s.enabled && s.exempt == 0 {
			out.Symbols[i] = pcie.Data(sym.Byte() ^ s.lfsr.Output())
		}
		if s.exempt > 0 {
			s.exempt--
		}
		s.lfsr.Advance()
	}
	return out
}
