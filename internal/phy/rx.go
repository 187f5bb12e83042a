package phy

import (
	"errors"

	"pcielink/internal/common"
	"pcielink/internal/pcie"
)

// invertHoldoff is the minimum number of ticks between two polarity flips,
// long enough for the lane to settle and a fresh TS to arrive.
const invertHoldoff = 200

type rxState int

const (
	rxIdle rxState = iota
	rxTSData
	rxTSID1
	rxTSID2
)

// Mailbox is a single-slot handoff for parsed training sequences. PhyRX is
// the only writer and the LTSSM takes it once per tick.
type Mailbox struct {
	ts          TS
	consecutive bool
	full        bool
}

func (m *Mailbox) put(ts TS, consecutive bool) {
	m.ts, m.consecutive, m.full = ts, consecutive, true
}

// Take empties the mailbox.
func (m *Mailbox) Take() (ts TS, consecutive bool, ok bool) {
	if !m.full {
		return TS{}, false, false
	}
	m.full = false
	return m.ts, m.consecutive, true
}

// RxEvents is what PhyRX observed on the current tick.
type RxEvents struct {
	TSReceived   bool
	Consecutive  bool
	Inverted     bool
	BadTS        bool
	InTS         bool
	SKPSet       bool
	EIOS         bool
	EIEOS        bool
	IdleWord     bool
	SawSTPOrSDP  bool
	ErrorSymbols int

	// Data is the word handed to the packet deframers; DataValid is false
	// for ordered sets.
	Data      pcie.Word
	DataValid bool
}

// RxStats are running counters kept by PhyRX.
type RxStats struct {
	TS         uint64
	BadTS      uint64
	Inversions uint64
	SKPSets    uint64
	EIOS       uint64
	ErrorSyms  uint64
}

// Inverter is the part of the lane PhyRX drives when it sees inverted
// training sequences.
type Inverter interface {
	SetRxInvert(invert bool)
	RxInverted() bool
}

// Receiver is PhyRX: it picks ordered sets out of the aligned, descrambled
// word stream and passes everything else up to the packet layers.
type Receiver struct {
	state       rxState
	buf         [TSLen]pcie.Symbol
	last        TS
	haveLast    bool
	mailbox     Mailbox
	inv         Inverter
	sinceInvert int
	ev          RxEvents
	stats       RxStats
	log         common.Logger
}

// NewReceiver creates PhyRX. inv may be nil when polarity is fixed.
func NewReceiver(inv Inverter, log common.Logger) *Receiver {
	return &Receiver{
		inv:         inv,
		sinceInvert: invertHoldoff,
		log:         common.OrNoOp(log),
	}
}

// Mailbox returns the TS handoff slot.
func (r *Receiver) Mailbox() *Mailbox { return &r.mailbox }

// Events returns the observations of the last Process call.
func (r *Receiver) Events() RxEvents { return r.ev }

// Stats returns the running counters.
func (r *Receiver) Stats() RxStats { return r.stats }

// Last returns the most recent valid TS.
func (r *Receiver) Last() (TS, bool) { return r.last, r.haveLast }

// Abort drops a partially received ordered set.
func (r *Receiver) Abort() { r.state = rxIdle }

// Process consumes one aligned, descrambled word.
func (r *Receiver) Process(w pcie.Word) {
	r.ev = RxEvents{}
	if r.sinceInvert < invertHoldoff {
		r.sinceInvert++
	}
	for i, s := range w.Symbols {
		if w.Valid[i] && s == pcie.Error {
			r.ev.ErrorSymbols++
		}
	}
	r.stats.ErrorSyms += uint64(r.ev.ErrorSymbols)

	startsOS := w.Valid[0] && w.Symbols[0] == pcie.COM
	if r.state != rxIdle && startsOS {
		// truncated ordered set, start over on this word
		r.ev.BadTS = true
		r.stats.BadTS++
		r.state = rxIdle
	}

	switch r.state {
	case rxIdle:
		r.idle(w, startsOS)
	case rxTSData:
		copy(r.buf[4:8], w.Symbols[:])
		r.ev.InTS = true
		r.state = rxTSID1
	case rxTSID1:
		copy(r.buf[8:12], w.Symbols[:])
		r.ev.InTS = true
		r.state = rxTSID2
	case rxTSID2:
		copy(r.buf[12:16], w.Symbols[:])
		r.ev.InTS = true
		r.state = rxIdle
		if !w.AllValid() {
			r.ev.BadTS = true
			r.stats.BadTS++
			return
		}
		r.finishTS()
	}
}

func (r *Receiver) idle(w pcie.Word, startsOS bool) {
	if !startsOS {
		if w.Valid[0] && w.Symbols[0] == pcie.EIE {
			// tail of a 16-symbol EIEOS
			return
		}
		if !w.AnyValid() {
			return
		}
		r.ev.Data = w
		r.ev.DataValid = true
		r.ev.IdleWord = w.IsLogicalIdle()
		r.ev.SawSTPOrSDP = w.Contains(pcie.STP) || w.Contains(pcie.SDP)
		return
	}

	next := w.Symbols[1]
	switch {
	case !w.Valid[1]:
	case next == pcie.SKP:
		r.ev.SKPSet = true
		r.stats.SKPSets++
	case next == pcie.IDL:
		r.ev.EIOS = true
		r.stats.EIOS++
	case next == pcie.EIE:
		r.ev.EIEOS = true
	case next == pcie.FTS:
	case next == pcie.PAD || !next.IsControl():
		if !w.AllValid() {
			return
		}
		copy(r.buf[0:4], w.Symbols[:])
		r.ev.InTS = true
		r.state = rxTSData
	}
}

func (r *Receiver) finishTS() {
	ts, err := ParseTS(r.buf)
	if err != nil {
		r.ev.BadTS = true
		r.stats.BadTS++
		if errors.Is(err, ErrTSInverted) {
			r.ev.Inverted = true
			r.flipPolarity()
		}
		return
	}
	consecutive := r.haveLast && ts == r.last
	r.last, r.haveLast = ts, true
	r.mailbox.put(ts, consecutive)
	r.ev.TSReceived = true
	r.ev.Consecutive = consecutive
	r.stats.TS++
}

func (r *Receiver) flipPolarity() {
	if r.inv == nil || r.sinceInvert < invertHoldoff {
		return
	}
	r.sinceInvert = 0
	r.stats.Inversions++
	r.inv.SetRxInvert(!r.inv.RxInverted())
	r.log.Logf(common.SeverityInfo, "rx polarity inverted, rx_invert=%v", r.inv.RxInverted())
}
