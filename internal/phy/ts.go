package phy

import (
	"errors"
	"fmt"

	"pcielink/internal/pcie"
)

// TSID distinguishes the two training sequences.
type TSID uint8

const (
	TS1 TSID = iota
	TS2
)

func (id TSID) String() string {
	if id == TS2 {
		return "TS2"
	}
	return "TS1"
}

func (id TSID) symbol() pcie.Symbol {
	if id == TS2 {
		return pcie.TS2ID
	}
	return pcie.TS1ID
}

// Rate is the data rate identifier byte of a TS.
type Rate struct {
	Gen1             bool
	Gen2             bool
	AutonomousChange bool
	SpeedChange      bool
}

func (r Rate) encode() byte {
	var b byte
	if r.Gen1 {
		b |= 1 << 1
	}
	if r.Gen2 {
		b |= 1 << 2
	}
	if r.AutonomousChange {
		b |= 1 << 6
	}
	if r.SpeedChange {
		b |= 1 << 7
	}
	return b
}

func parseRate(b byte) Rate {
	return Rate{
		Gen1:             b&(1<<1) != 0,
		Gen2:             b&(1<<2) != 0,
		AutonomousChange: b&(1<<6) != 0,
		SpeedChange:      b&(1<<7) != 0,
	}
}

// Ctrl is the training control byte of a TS.
type Ctrl struct {
	HotReset          bool
	DisableLink       bool
	Loopback          bool
	DisableScrambling bool
	ComplianceReceive bool
}

func (c Ctrl) encode() byte {
	var b byte
	for i, set := range []bool{c.HotReset, c.DisableLink, c.Loopback, c.DisableScrambling, c.ComplianceReceive} {
		if set {
			b |= 1 << i
		}
	}
	return b
}

func parseCtrl(b byte) Ctrl {
	return Ctrl{
		HotReset:          b&(1<<0) != 0,
		DisableLink:       b&(1<<1) != 0,
		Loopback:          b&(1<<2) != 0,
		DisableScrambling: b&(1<<3) != 0,
		ComplianceReceive: b&(1<<4) != 0,
	}
}

// TS is a parsed or to-be-sent training sequence.
type TS struct {
	Valid     bool
	LinkValid bool
	Link      uint8
	LaneValid bool
	Lane      uint8
	NFTS      uint8
	Rate      Rate
	Ctrl      Ctrl
	ID        TSID
}

// TSLen is the length of a training sequence in symbols.
const TSLen = 16

// Symbols lays the TS out as sent on the wire.
func (ts TS) Symbols() [TSLen]pcie.Symbol {
	var s [TSLen]pcie.Symbol
	s[0] = pcie.COM
	s[1] = pcie.PAD
	if ts.LinkValid {
		s[1] = pcie.Data(ts.Link)
	}
	s[2] = pcie.PAD
	if ts.LaneValid {
		s[2] = pcie.Data(ts.Lane)
	}
	s[3] = pcie.Data(ts.NFTS)
	s[4] = pcie.Data(ts.Rate.encode())
	s[5] = pcie.Data(ts.Ctrl.encode())
	for i := 6; i < TSLen; i++ {
		s[i] = ts.ID.symbol()
	}
	return s
}

// Words splits the TS into the four words PhyTX emits.
func (ts TS) Words() [TSLen / pcie.WordSize]pcie.Word {
	s := ts.Symbols()
	var w [TSLen / pcie.WordSize]pcie.Word
	for i := range w {
		w[i] = pcie.NewWord(s[4*i : 4*i+4]...)
	}
	return w
}

// Matches reports whether ts carries the given link and lane numbers.
func (ts TS) Matches(link, lane uint8) bool {
	return ts.LinkValid && ts.Link == link && ts.LaneValid && ts.Lane == lane
}

// Padded reports whether both link and lane are PAD.
func (ts TS) Padded() bool { return !ts.LinkValid && !ts.LaneValid }

func (ts TS) String() string {
	link, lane := "PAD", "PAD"
	if ts.LinkValid {
		link = fmt.Sprint(ts.Link)
	}
	if ts.LaneValid {
		lane = fmt.Sprint(ts.Lane)
	}
	return fmt.Sprintf("%s(link=%s lane=%s nfts=%d rate=%02x ctrl=%02x)",
		ts.ID, link, lane, ts.NFTS, ts.Rate.encode(), ts.Ctrl.encode())
}

// ErrTSInverted is returned by ParseTS when the identifier symbols show
// swapped lane polarity.
var ErrTSInverted = errors.New("training sequence received with inverted polarity")

// ParseTS decodes a 16-symbol training sequence. The ten identifier symbols
// must agree. Inverted identifiers yield ErrTSInverted.
func ParseTS(s [TSLen]pcie.Symbol) (TS, error) {
	if s[0] != pcie.COM {
		return TS{}, fmt.Errorf("training sequence starts with %v, not COM", s[0])
	}
	var ts TS
	switch s[6] {
	case pcie.TS1ID:
		ts.ID = TS1
	case pcie.TS2ID:
		ts.ID = TS2
	case pcie.TS1IDInv, pcie.TS2IDInv:
		for _, id := range s[7:] {
			if id != s[6] {
				return TS{}, fmt.Errorf("inconsistent training sequence identifier %v", id)
			}
		}
		return TS{}, ErrTSInverted
	default:
		return TS{}, fmt.Errorf("bad training sequence identifier %v", s[6])
	}
	for _, id := range s[7:] {
		if id != s[6] {
			return TS{}, fmt.Errorf("inconsistent training sequence identifier %v", id)
		}
	}

	for i := 3; i < 6; i++ {
		if s[i].IsControl() {
			return TS{}, fmt.Errorf("control symbol %v in training sequence field %d", s[i], i)
		}
	}
	if link, ok := numberField(s[1]); ok {
		ts.LinkValid, ts.Link = true, link
	} else if s[1] != pcie.PAD {
		return TS{}, fmt.Errorf("bad link number symbol %v", s[1])
	}
	if lane, ok := numberField(s[2]); ok {
		ts.LaneValid, ts.Lane = true, lane
	} else if s[2] != pcie.PAD {
		return TS{}, fmt.Errorf("bad lane number symbol %v", s[2])
	}
	ts.NFTS = s[3].Byte()
	ts.Rate = parseRate(s[4].Byte())
	ts.Ctrl = parseCtrl(s[5].Byte())
	ts.Valid = true
	return ts, nil
}

func numberField(s pcie.Symbol) (uint8, bool) {
	if s.IsControl() {
		return 0, false
	}
	return s.Byte(), true
}
