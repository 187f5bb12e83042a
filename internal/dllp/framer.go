package dllp

import "pcielink/internal/pcie"

// Source hands the framer the next DLLP to send. The DLL implements it and
// decides priority at the moment the wire becomes free.
type Source interface {
	NextDLLP() (DLLP, bool)
}

// Transmitter frames DLLPs into two words each, SDP in slot 0.
type Transmitter struct {
	src     Source
	pending pcie.Word
	busy    bool
	sent    uint64
	last    DLLP
}

// NewTransmitter creates a DLLP framer pulling from src.
func NewTransmitter(src Source) *Transmitter {
	return &Transmitter{src: src}
}

// Busy reports whether the second half of a DLLP is still to go out.
func (t *Transmitter) Busy() bool { return t.busy }

// Sent returns the number of DLLPs started.
func (t *Transmitter) Sent() uint64 { return t.sent }

// Last returns the most recently started DLLP.
func (t *Transmitter) Last() DLLP { return t.last }

// NextWord returns the next word of the current DLLP, or starts a new one.
func (t *Transmitter) NextWord() (pcie.Word, bool) {
	if t.busy {
		t.busy = false
		return t.pending, true
	}
	d, ok := t.src.NextDLLP()
	if !ok {
		return pcie.Word{}, false
	}
	s := d.Symbols()
	t.pending = pcie.NewWord(s[4:8]...)
	t.busy = true
	t.sent++
	t.last = d
	return pcie.NewWord(s[0:4]...), true
}

// Reset drops a half-sent DLLP.
func (t *Transmitter) Reset() { t.busy = false }

type rxState int

const (
	rxHunt rxState = iota
	rxBody
	rxEnd
)

// RxStats counts deframer outcomes.
type RxStats struct {
	Good       uint64
	BadCRC     uint64
	BadFraming uint64
}

// Receiver picks SDP ... END frames out of the data word stream. Anything
// that is not a DLLP is ignored.
type Receiver struct {
	state rxState
	buf   [6]byte
	n     int
	out   []DLLP
	stats RxStats
}

// NewReceiver creates a DLLP deframer.
func NewReceiver() *Receiver {
	return &Receiver{out: make([]DLLP, 0, 2)}
}

// Stats returns the deframer counters.
func (r *Receiver) Stats() RxStats { return r.stats }

// Abort drops a partial DLLP.
func (r *Receiver) Abort() { r.state = rxHunt }

// Process scans one word. The returned slice holds the DLLPs that passed
// their CRC and is only valid until the next call.
func (r *Receiver) Process(w pcie.Word) []DLLP {
	r.out = r.out[:0]
	for i, s := range w.Symbols {
		if w.Valid[i] {
			r.symbol(s)
		}
	}
	return r.out
}

func (r *Receiver) symbol(s pcie.Symbol) {
	switch r.state {
	case rxHunt:
		if s == pcie.SDP {
			r.state, r.n = rxBody, 0
		}
	case rxBody:
		if s.IsControl() {
			r.stats.BadFraming++
			r.state = rxHunt
			r.symbol(s)
			return
		}
		r.buf[r.n] = s.Byte()
		r.n++
		if r.n == len(r.buf) {
			r.state = rxEnd
		}
	case rxEnd:
		r.state = rxHunt
		if s != pcie.END {
			r.stats.BadFraming++
			r.symbol(s)
			return
		}
		d, ok := Decode(r.buf)
		if !ok {
			r.stats.BadCRC++
			return
		}
		r.stats.Good++
		r.out = append(r.out, d)
	}
}
