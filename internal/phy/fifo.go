package phy

import (
	"pcielink/internal/common"
	"pcielink/internal/pcie"
)

// ElasticFIFO is the bounded word queue between a receive clock and the
// fabric clock. On overflow the incoming word is dropped and input is
// discarded until the next word that starts with COM, so the consumer only
// ever sees ordered-set aligned data after a slip.
type ElasticFIFO struct {
	buf       []pcie.Word
	head      int
	n         int
	resync    bool
	overflows int
}

// NewElasticFIFO creates a FIFO holding up to depth words.
func NewElasticFIFO(depth int) *ElasticFIFO {
	if depth < 1 {
		depth = 1
	}
	return &ElasticFIFO{buf: make([]pcie.Word, depth)}
}

// Push appends w. It returns a recoverable ErrFIFOOverflow error when the
// word had to be dropped.
func (f *ElasticFIFO) Push(w pcie.Word) error {
	if f.resync {
		if !(w.Valid[0] && w.Symbols[0] == pcie.COM) {
			return nil
		}
		f.resync = false
	}
	if f.n == len(f.buf) {
		f.overflows++
		f.resync = true
		return common.NewErrorMsg(pcie.ErrSevWarn, pcie.ErrFIFOOverflow, "resyncing at next COM")
	}
	f.buf[(f.head+f.n)%len(f.buf)] = w
	f.n++
	return nil
}

// Pop removes the oldest word. An empty FIFO yields a word with no valid
// slots.
func (f *ElasticFIFO) Pop() pcie.Word {
	if f.n == 0 {
		return pcie.Word{}
	}
	w := f.buf[f.head]
	f.head = (f.head + 1) % len(f.buf)
	f.n--
	return w
}

// Len returns the number of queued words.
func (f *ElasticFIFO) Len() int { return f.n }

// Overflows returns the number of dropped words that triggered a resync.
func (f *ElasticFIFO) Overflows() int { return f.overflows }

// Resyncing reports whether input is being discarded until the next COM.
func (f *ElasticFIFO) Resyncing() bool { return f.resync }
