package phy

import (
	"errors"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"pcielink/internal/pcie"
)

func TestTSSymbols(t *testing.T) {
	ts := TS{Valid: true, NFTS: 0xFF, Rate: Rate{Gen1: true, Gen2: true}, ID: TS1}
	got := ts.Symbols()
	want := [TSLen]pcie.Symbol{pcie.COM, pcie.PAD, pcie.PAD, 0xFF, 0x06, 0x00}
	for i := 6; i < TSLen; i++ {
		want[i] = pcie.TS1ID
	}
	if got != want {
		t.Errorf("Symbols() = %v, want %v", got, want)
	}

	ts = TS{Valid: true, LinkValid: true, Link: 7, LaneValid: true, Lane: 0, ID: TS2,
		Ctrl: Ctrl{DisableScrambling: true}}
	got = ts.Symbols()
	if got[1] != pcie.Data(7) || got[2] != pcie.Data(0) || got[5] != pcie.Data(0x08) || got[15] != pcie.TS2ID {
		t.Errorf("Symbols() = %v", got)
	}
}

func TestParseTSRoundTrip(t *testing.T) {
	f := func(link, lane, nfts, rate, ctrl uint8, linkValid, laneValid, ts2 bool) bool {
		in := TS{
			Valid:     true,
			LinkValid: linkValid,
			LaneValid: laneValid,
			NFTS:      nfts,
			Rate:      parseRate(rate),
			Ctrl:      parseCtrl(ctrl & 0x1F),
		}
		if linkValid {
			in.Link = link
		}
		if laneValid {
			in.Lane = lane
		}
		if ts2 {
			in.ID = TS2
		}
		out, err := ParseTS(in.Symbols())
		return err == nil && cmp.Equal(in, out)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestParseTSErrors(t *testing.T) {
	base := TS{Valid: true, ID: TS1}.Symbols()

	inverted := base
	for i := 6; i < TSLen; i++ {
		inverted[i] = pcie.TS1IDInv
	}
	mixed := base
	mixed[10] = pcie.TS2ID
	badID := base
	for i := 6; i < TSLen; i++ {
		badID[i] = pcie.Data(0x55)
	}
	noCOM := base
	noCOM[0] = pcie.SKP
	ctrlField := base
	ctrlField[4] = pcie.SKP

	tests := []struct {
		name     string
		in       [TSLen]pcie.Symbol
		inverted bool
	}{
		{"inverted", inverted, true},
		{"mixed id", mixed, false},
		{"bad id", badID, false},
		{"no COM", noCOM, false},
		{"control in rate", ctrlField, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTS(tt.in)
			if err == nil {
				t.Fatalf("ParseTS() error = nil")
			}
			if got := errors.Is(err, ErrTSInverted); got != tt.inverted {
				t.Errorf("errors.Is(err, ErrTSInverted) = %v, want %v (err %v)", got, tt.inverted, err)
			}
		})
	}
}

func TestTSMatches(t *testing.T) {
	ts := TS{Valid: true, LinkValid: true, Link: 3, LaneValid: true, Lane: 0}
	if !ts.Matches(3, 0) {
		t.Errorf("Matches(3, 0) = false")
	}
	if ts.Matches(3, 1) || ts.Padded() {
		t.Errorf("Matches(3, 1) or Padded() unexpectedly true")
	}
	if !(TS{}).Padded() {
		t.Errorf("zero TS not Padded()")
	}
}
