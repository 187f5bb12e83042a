package phy

import "pcielink/internal/pcie"

const (
	// skpIntervalSymbols sits inside the 1180..1538 symbol window that a
	// transmitter must schedule SKP ordered sets in.
	skpIntervalSymbols = 1300
	skpMaxPending      = 15
)

// TxDirector is the read-only view of the LTSSM that PhyTX needs. The LTSSM
// owns the TS record; PhyTX only reads it.
type TxDirector interface {
	TS() TS
	TxIdle() bool
	TxElecIdle() bool
	HigherLayersEnabled() bool
}

// WordSource supplies framed DLLP and TLP words. ok is false when there is
// nothing to send.
type WordSource interface {
	NextWord() (w pcie.Word, ok bool)
}

// TxEvents is what PhyTX did on the current tick.
type TxEvents struct {
	StartSendTS  bool
	SendingTS    bool
	SKPSent      bool
	IdleWordSent bool
	DataSent     bool
	ElecIdle     bool
}

// TxStats are running counters kept by PhyTX.
type TxStats struct {
	TS       uint64
	SKPSets  uint64
	Data     uint64
	IdleWord uint64
}

// Transmitter is PhyTX. It multiplexes training sequences, SKP ordered sets,
// higher layer data and idle into one word per tick.
type Transmitter struct {
	dir        TxDirector
	src        WordSource
	skpSymbols int
	skpPending int
	tsWords    [TSLen / pcie.WordSize]pcie.Word
	tsIdx      int
	inPacket   bool
	ev         TxEvents
	stats      TxStats
}

// NewTransmitter creates PhyTX.
func NewTransmitter(dir TxDirector, src WordSource) *Transmitter {
	return &Transmitter{dir: dir, src: src}
}

// Events returns what happened on the last Next call.
func (t *Transmitter) Events() TxEvents { return t.ev }

// Stats returns the running counters.
func (t *Transmitter) Stats() TxStats { return t.stats }

// SKPPending returns the number of owed SKP ordered sets.
func (t *Transmitter) SKPPending() int { return t.skpPending }

// InPacket reports whether a DLLP or TLP is partway out.
func (t *Transmitter) InPacket() bool { return t.inPacket }

// Next produces the word for this tick.
func (t *Transmitter) Next() TxWord {
	t.ev = TxEvents{}
	t.skpSymbols += pcie.WordSize
	if t.skpSymbols >= skpIntervalSymbols {
		t.skpSymbols -= skpIntervalSymbols
		if t.skpPending < skpMaxPending {
			t.skpPending++
		}
	}

	if t.tsIdx > 0 {
		w := t.tsWords[t.tsIdx]
		t.tsIdx = (t.tsIdx + 1) % len(t.tsWords)
		t.ev.SendingTS = true
		return TxWord{Word: w}
	}

	elecIdle := t.dir.TxElecIdle()
	if t.skpPending > 0 && !t.inPacket && !elecIdle {
		t.skpPending--
		t.ev.SKPSent = true
		t.stats.SKPSets++
		return TxWord{Word: pcie.NewWord(pcie.COM, pcie.SKP, pcie.SKP, pcie.SKP)}
	}

	if ts := t.dir.TS(); ts.Valid && !t.inPacket {
		t.tsWords = ts.Words()
		t.tsIdx = 1
		t.ev.StartSendTS = true
		t.ev.SendingTS = true
		t.stats.TS++
		return TxWord{Word: t.tsWords[0]}
	}

	if t.dir.HigherLayersEnabled() || t.inPacket {
		if w, ok := t.src.NextWord(); ok {
			t.track(w)
			t.ev.DataSent = true
			t.stats.Data++
			return TxWord{Word: w}
		}
		// a source that runs dry mid-packet has abandoned it
		t.inPacket = false
		return t.idleWord()
	}

	if t.dir.TxIdle() {
		return t.idleWord()
	}

	if elecIdle {
		t.ev.ElecIdle = true
		var tw TxWord
		for i := range tw.ElecIdle {
			tw.ElecIdle[i] = true
		}
		return tw
	}
	return t.idleWord()
}

func (t *Transmitter) idleWord() TxWord {
	t.ev.IdleWordSent = true
	t.stats.IdleWord++
	return TxWord{Word: pcie.IdleWord}
}

func (t *Transmitter) track(w pcie.Word) {
	for i, s := range w.Symbols {
		if !w.Valid[i] {
			continue
		}
		switch s {
		case pcie.STP, pcie.SDP:
			t.inPacket = true
		case pcie.END, pcie.EDB:
			t.inPacket = false
		}
	}
}

// Reset forgets any TS or packet in flight. SKP credit is kept.
func (t *Transmitter) Reset() {
	t.tsIdx = 0
	t.inPacket = false
}
