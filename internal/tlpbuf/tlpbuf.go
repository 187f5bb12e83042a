// Package tlpbuf is the retry buffer: a fixed pool of slots holding framed
// TLPs until they are acknowledged. Sequence numbers are handles, not slot
// indices.
package tlpbuf

import (
	"math/bits"
	"sort"

	"pcielink/internal/common"
	"pcielink/internal/pcie"
)

type slot struct {
	valid    bool
	complete bool
	seq      pcie.Seq
	order    uint64
	words    []pcie.Word
}

// Buffer holds up to N framed TLPs of at most depth words each. The DLL is
// its only writer and the TLP transmitter its only reader.
type Buffer struct {
	slots   []slot
	depth   int
	writing int
	sending int
	readPos int
	stored  uint64
}

// New creates a buffer of n slots, each depth words deep. depth must be a
// power of two.
func New(n, depth int) (*Buffer, error) {
	if n < 1 {
		return nil, common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal, "retry buffer needs at least one slot, got %d", n)
	}
	if depth < 1 || bits.OnesCount(uint(depth)) != 1 {
		return nil, common.NewErrorf(pcie.ErrSevError, pcie.ErrBufferDepth, "depth %d", depth)
	}
	b := &Buffer{
		slots:   make([]slot, n),
		depth:   depth,
		writing: -1,
		sending: -1,
	}
	for i := range b.slots {
		b.slots[i].words = make([]pcie.Word, 0, depth)
	}
	return b, nil
}

// Slots returns the pool size.
func (b *Buffer) Slots() int { return len(b.slots) }

// Depth returns the per-slot capacity in words.
func (b *Buffer) Depth() int { return b.depth }

func (b *Buffer) find(seq pcie.Seq) int {
	for i := range b.slots {
		if b.slots[i].valid && b.slots[i].seq == seq {
			return i
		}
	}
	return -1
}

// reserve picks a free slot. A deleted slot that is still being streamed
// out stays pinned until the transmitter is done with it.
func (b *Buffer) reserve() int {
	for i := range b.slots {
		if !b.slots[i].valid && i != b.sending {
			return i
		}
	}
	return -1
}

// StoreWord streams one word of the TLP with sequence number seq into the
// buffer. The first valid word for an absent seq reserves a slot; an invalid
// word following at least one valid word marks the end.
func (b *Buffer) StoreWord(seq pcie.Seq, w pcie.Word) error {
	if !w.AllValid() {
		if b.writing >= 0 && b.slots[b.writing].seq == seq && len(b.slots[b.writing].words) > 0 {
			b.slots[b.writing].complete = true
			b.writing = -1
		}
		return nil
	}

	i := b.find(seq)
	if i < 0 {
		if i = b.reserve(); i < 0 {
			return common.NewErrorf(pcie.ErrSevError, pcie.ErrRetryBufferFull, "no free slot for seq %d", seq)
		}
		b.stored++
		b.slots[i] = slot{valid: true, seq: seq, order: b.stored, words: b.slots[i].words[:0]}
	} else if b.slots[i].complete {
		b.slots[i].complete = false
		b.slots[i].words = b.slots[i].words[:0]
	}
	b.writing = i

	s := &b.slots[i]
	if len(s.words) == b.depth {
		s.valid = false
		b.writing = -1
		return common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal, "seq %d exceeds slot depth %d", seq, b.depth)
	}
	s.words = append(s.words, w)
	return nil
}

// Store writes a whole framed TLP.
func (b *Buffer) Store(seq pcie.Seq, words []pcie.Word) error {
	for _, w := range words {
		if err := b.StoreWord(seq, w); err != nil {
			return err
		}
	}
	return b.StoreWord(seq, pcie.Word{})
}

// Has reports whether a complete TLP with seq is stored.
func (b *Buffer) Has(seq pcie.Seq) bool {
	i := b.find(seq)
	return i >= 0 && b.slots[i].complete
}

// Send points the output at seq. It returns false, and leaves the output
// idle, when seq is absent.
func (b *Buffer) Send(seq pcie.Seq) bool {
	i := b.find(seq)
	if i < 0 || !b.slots[i].complete {
		b.sending = -1
		return false
	}
	b.sending, b.readPos = i, 0
	return true
}

// Abort stops the current read out and unpins its slot.
func (b *Buffer) Abort() { b.sending = -1 }

// Sending reports whether a TLP is being read out.
func (b *Buffer) Sending() bool { return b.sending >= 0 }

// Next returns the next word of the TLP selected by Send.
func (b *Buffer) Next() (pcie.Word, bool) {
	if b.sending < 0 {
		return pcie.Word{}, false
	}
	s := &b.slots[b.sending]
	if b.readPos >= len(s.words) {
		b.sending = -1
		return pcie.Word{}, false
	}
	w := s.words[b.readPos]
	b.readPos++
	if b.readPos == len(s.words) {
		b.sending = -1
	}
	return w, true
}

// Delete frees the slot holding seq.
func (b *Buffer) Delete(seq pcie.Seq) bool {
	i := b.find(seq)
	if i < 0 {
		return false
	}
	b.slots[i].valid = false
	b.slots[i].complete = false
	if b.writing == i {
		b.writing = -1
	}
	return true
}

// DeleteThrough frees every TLP whose sequence number is at or before ack,
// and returns how many were freed.
func (b *Buffer) DeleteThrough(ack pcie.Seq) int {
	n := 0
	for i := range b.slots {
		if b.slots[i].valid && pcie.AtOrBefore(b.slots[i].seq, ack) {
			b.slots[i].valid = false
			b.slots[i].complete = false
			if b.writing == i {
				b.writing = -1
			}
			n++
		}
	}
	return n
}

// Full reports whether no slot can be reserved.
func (b *Buffer) Full() bool { return b.reserve() < 0 }

// Empty reports whether no TLP is held.
func (b *Buffer) Empty() bool { return b.Len() == 0 }

// Len returns the number of held TLPs.
func (b *Buffer) Len() int {
	n := 0
	for i := range b.slots {
		if b.slots[i].valid {
			n++
		}
	}
	return n
}

// Seqs returns the sequence numbers held, oldest store first.
func (b *Buffer) Seqs() []pcie.Seq {
	type held struct {
		order uint64
		seq   pcie.Seq
	}
	var hs []held
	for i := range b.slots {
		if b.slots[i].valid {
			hs = append(hs, held{b.slots[i].order, b.slots[i].seq})
		}
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].order < hs[j].order })
	seqs := make([]pcie.Seq, len(hs))
	for i, h := range hs {
		seqs[i] = h.seq
	}
	return seqs
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	for i := range b.slots {
		b.slots[i].valid = false
		b.slots[i].complete = false
	}
	b.writing, b.sending = -1, -1
}
