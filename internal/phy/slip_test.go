package phy

import (
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"pcielink/internal/pcie"
)

func TestSymbolSlipAlignment(t *testing.T) {
	d0, d1, d2, d3 := pcie.Data(0x10), pcie.Data(0x11), pcie.Data(0x12), pcie.Data(0x13)
	in := []pcie.Word{
		pcie.NewWord(pcie.COM, pcie.SKP, pcie.SKP, pcie.SKP),
		pcie.NewWord(d0, d1, d2, d3),
		pcie.NewWord(d0, d1, d2, d3),
		pcie.NewWord(d0, d1, d2, pcie.COM),
		pcie.NewWord(pcie.SKP, pcie.SKP, pcie.SKP, d3),
		pcie.NewWord(d0, d1, d2, d3),
	}
	want := []pcie.Word{
		{},
		pcie.NewWord(pcie.COM, pcie.SKP, pcie.SKP, pcie.SKP),
		pcie.NewWord(d0, d1, d2, d3),
		pcie.NewWord(d3, d0, d1, d2),
		pcie.NewWord(pcie.COM, pcie.SKP, pcie.SKP, pcie.SKP),
		pcie.NewWord(d3, d0, d1, d2),
	}

	s := NewSymbolSlip(pcie.COM)
	var got []pcie.Word
	for _, w := range in {
		got = append(got, s.Process(w))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Process() mismatch (-want +got):\n%s", diff)
	}
	if s.Offset() != 3 {
		t.Errorf("Offset() = %d, want 3", s.Offset())
	}
}

func TestSymbolSlipDisabled(t *testing.T) {
	s := NewSymbolSlip(pcie.COM)
	s.SetEnabled(false)
	s.Process(pcie.NewWord(0, 0, pcie.COM, pcie.SKP))
	if s.Offset() != 0 {
		t.Errorf("Offset() = %d with alignment disabled, want 0", s.Offset())
	}
	if !s.Aligned() {
		t.Errorf("Aligned() = false after comma")
	}
	s.Reset()
	if s.Aligned() {
		t.Errorf("Aligned() = true after Reset")
	}
}

func TestSymbolSlipMultipleCommas(t *testing.T) {
	s := NewSymbolSlip(pcie.COM)
	s.Process(pcie.NewWord(0, pcie.COM, 0, pcie.COM))
	if s.Offset() != 1 {
		t.Errorf("Offset() = %d, want lowest comma slot 1", s.Offset())
	}
}

// Every ordered set placed at an arbitrary symbol offset comes out with COM
// in slot 0 once the slip has seen it.
func TestSymbolSlipProperty(t *testing.T) {
	f := func(k uint8, payload [24]byte) bool {
		off := int(k % pcie.WordSize)
		var stream []pcie.Symbol
		for i := 0; i < off; i++ {
			stream = append(stream, pcie.Data(payload[i]))
		}
		for m := 0; m < 3; m++ {
			stream = append(stream, pcie.COM, pcie.SKP, pcie.SKP, pcie.SKP)
			for i := 0; i < 8; i++ {
				stream = append(stream, pcie.Data(payload[8*m+i]))
			}
		}
		for len(stream)%pcie.WordSize != 0 {
			stream = append(stream, 0)
		}

		s := NewSymbolSlip(pcie.COM)
		seen := false
		for i := 0; i < len(stream); i += pcie.WordSize {
			out := s.Process(pcie.NewWord(stream[i : i+pcie.WordSize]...))
			idx := out.Index(pcie.COM)
			if idx >= 0 {
				if idx != 0 {
					return false
				}
				seen = true
			}
		}
		return seen
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
