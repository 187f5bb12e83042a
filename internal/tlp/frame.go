package tlp

import (
	"fmt"

	"pcielink/internal/crc"
	"pcielink/internal/pcie"
)

// overhead is STP, two sequence bytes, four LCRC bytes and END.
const overhead = 8

// MaxBodyLen bounds the header plus payload the receiver will capture: a
// four dword header and a 1024 dword payload.
const MaxBodyLen = 4*dwordLen + 1024*dwordLen

// Status is the outcome of deframing one TLP.
type Status uint8

const (
	OK Status = iota
	BadLCRC
	Nullified
	Malformed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case BadLCRC:
		return "BadLCRC"
	case Nullified:
		return "Nullified"
	case Malformed:
		return "Malformed"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Frame is a deframed TLP.
type Frame struct {
	Seq    pcie.Seq
	Body   []byte
	Status Status
}

// lcrc computes the link CRC over the sequence field and body.
func lcrc(seq pcie.Seq, body []byte) [4]byte {
	l := crc.NewLCRC()
	l.Write([]byte{byte(seq>>8) & 0xF, byte(seq)})
	l.Write(body)
	return l.Sum()
}

// Encode frames body as STP, seq_hi, seq_lo, body, LCRC, END. A nullified
// TLP ends in EDB and carries the inverted LCRC. Body must be a whole number
// of dwords, so the frame fills whole words.
func Encode(seq pcie.Seq, body []byte, nullify bool) ([]pcie.Word, error) {
	if len(body) == 0 || len(body)%dwordLen != 0 || len(body) > MaxBodyLen {
		return nil, fmt.Errorf("%w: body length %d", ErrBadLength, len(body))
	}
	c := lcrc(seq, body)
	end := pcie.END
	if nullify {
		for i := range c {
			c[i] = ^c[i]
		}
		end = pcie.EDB
	}

	syms := make([]pcie.Symbol, 0, len(body)+overhead)
	syms = append(syms, pcie.STP, pcie.Data(byte(seq>>8)&0xF), pcie.Data(byte(seq)))
	for _, b := range body {
		syms = append(syms, pcie.Data(b))
	}
	for _, b := range c {
		syms = append(syms, pcie.Data(b))
	}
	syms = append(syms, end)

	words := make([]pcie.Word, len(syms)/pcie.WordSize)
	for i := range words {
		words[i] = pcie.NewWord(syms[i*pcie.WordSize : (i+1)*pcie.WordSize]...)
	}
	return words, nil
}

// WordLen returns the number of words Encode produces for a body.
func WordLen(bodyLen int) int { return (bodyLen + overhead) / pcie.WordSize }

// Buffer is the retry buffer as seen by the transmitter: it can be pointed
// at a stored TLP and then drained word by word.
type Buffer interface {
	Send(seq pcie.Seq) bool
	Next() (pcie.Word, bool)
}

// Transmitter streams framed TLPs out of the retry buffer. It is the
// buffer's only reader.
type Transmitter struct {
	buf  Buffer
	busy bool
	cur  pcie.Seq
	sent uint64
}

// NewTransmitter creates a TLP transmitter reading from buf.
func NewTransmitter(buf Buffer) *Transmitter {
	return &Transmitter{buf: buf}
}

// Start begins sending seq. It fails when seq is not stored.
func (t *Transmitter) Start(seq pcie.Seq) bool {
	if !t.buf.Send(seq) {
		return false
	}
	t.busy, t.cur = true, seq
	t.sent++
	return true
}

// Busy reports whether a TLP is partway out.
func (t *Transmitter) Busy() bool { return t.busy }

// Current returns the sequence number of the TLP being sent.
func (t *Transmitter) Current() pcie.Seq { return t.cur }

// Sent returns the number of TLPs started, replays included.
func (t *Transmitter) Sent() uint64 { return t.sent }

// NextWord returns the next word of the TLP in flight.
func (t *Transmitter) NextWord() (pcie.Word, bool) {
	if !t.busy {
		return pcie.Word{}, false
	}
	w, ok := t.buf.Next()
	if !ok {
		t.busy = false
		return pcie.Word{}, false
	}
	if w.Contains(pcie.END) || w.Contains(pcie.EDB) {
		t.busy = false
	}
	return w, true
}

// Reset abandons the TLP in flight.
func (t *Transmitter) Reset() { t.busy = false }

// RxStats counts deframer outcomes.
type RxStats struct {
	Good      uint64
	BadLCRC   uint64
	Nullified uint64
	Malformed uint64
}

// Receiver collects STP ... END/EDB frames from the data word stream and
// checks their length and LCRC.
type Receiver struct {
	capturing bool
	buf       []byte
	out       []Frame
	stats     RxStats
}

// NewReceiver creates a TLP deframer.
func NewReceiver() *Receiver {
	return &Receiver{buf: make([]byte, 0, 64)}
}

// Stats returns the deframer counters.
func (r *Receiver) Stats() RxStats { return r.stats }

// Abort drops a partial TLP.
func (r *Receiver) Abort() {
	r.capturing = false
	r.buf = r.buf[:0]
}

// Process scans one word. The returned frames own their bodies; the slice
// itself is only valid until the next call.
func (r *Receiver) Process(w pcie.Word) []Frame {
	r.out = r.out[:0]
	for i, s := range w.Symbols {
		if w.Valid[i] {
			r.symbol(s)
		}
	}
	return r.out
}

func (r *Receiver) symbol(s pcie.Symbol) {
	if !r.capturing {
		if s == pcie.STP {
			r.capturing = true
			r.buf = r.buf[:0]
		}
		return
	}
	switch {
	case s == pcie.END || s == pcie.EDB:
		r.capturing = false
		r.finish(s == pcie.EDB)
	case s.IsControl():
		// anything else cuts the frame short
		r.capturing = false
		r.emit(Frame{Status: Malformed})
		r.symbol(s)
	default:
		if len(r.buf) >= 2+MaxBodyLen+4 {
			r.capturing = false
			r.emit(Frame{Status: Malformed})
			return
		}
		r.buf = append(r.buf, s.Byte())
	}
}

func (r *Receiver) finish(nullified bool) {
	n := len(r.buf)
	if n < 2+dwordLen+4 || (n-6)%dwordLen != 0 {
		r.emit(Frame{Status: Malformed})
		return
	}
	seq := pcie.Seq(r.buf[0]&0xF)<<8 | pcie.Seq(r.buf[1])
	body := r.buf[2 : n-4]
	var got [4]byte
	copy(got[:], r.buf[n-4:])
	want := lcrc(seq, body)

	f := Frame{Seq: seq, Status: OK}
	if nullified {
		for i := range want {
			want[i] = ^want[i]
		}
		f.Status = Nullified
	}
	if got != want {
		f.Status = BadLCRC
	}
	if f.Status == OK {
		f.Body = append([]byte(nil), body...)
	}
	r.emit(f)
}

func (r *Receiver) emit(f Frame) {
	switch f.Status {
	case OK:
		r.stats.Good++
	case BadLCRC:
		r.stats.BadLCRC++
	case Nullified:
		r.stats.Nullified++
	case Malformed:
		r.stats.Malformed++
	}
	r.out = append(r.out, f)
}
