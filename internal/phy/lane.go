package phy

import "pcielink/internal/pcie"

// RxStatus is the receiver state reported by the SERDES each tick.
type RxStatus struct {
	Locked  bool
	Present bool
	Aligned bool
}

// TxWord is what the stack hands the SERDES each tick.
type TxWord struct {
	pcie.Word
	SetDisp  [pcie.WordSize]bool
	Disp     [pcie.WordSize]bool
	ElecIdle [pcie.WordSize]bool
}

// Lane is the contract with the physical layer below the symbol pipeline:
// 8b/10b, clock recovery, electrical idle and receiver detection live behind
// it.
type Lane interface {
	RxWord() pcie.Word
	RxStatus() RxStatus
	SetRxInvert(invert bool)
	RxInverted() bool
	SetRxAlign(align bool)

	// StartDetect pulses det_enable. DetectResult reports det_valid and
	// det_status once the measurement completes.
	StartDetect()
	DetectResult() (valid, present bool)

	TxWord(w TxWord)
	SetSpeed(s pcie.Speed)
}

// LinkOptions shapes a VirtualLink.
type LinkOptions struct {
	// Skew delays the stream by this many symbols (0..3) in both
	// directions, so the receiver has to slip to find the comma.
	Skew int
	// InvertAtoB and InvertBtoA swap the differential pair on one
	// direction. Data symbols arrive complemented until the receiver
	// sets rx_invert.
	InvertAtoB bool
	InvertBtoA bool
	// FIFODepth is the elastic buffer depth per direction.
	FIFODepth int
	// DetectLatency is the number of ticks a receiver detection takes.
	DetectLatency int
}

// VirtualLink joins two VirtualLanes back to back.
type VirtualLink struct {
	A, B *VirtualLane
}

type wire struct {
	fifo     *ElasticFIFO
	skew     int
	carry    pcie.Word
	idle     bool
	inverted bool
	speed    pcie.Speed
	drops    int
}

func (d *wire) push(w TxWord) {
	out := w.Word
	idle := true
	for i, e := range w.ElecIdle {
		if e {
			out.Valid[i] = false
		} else {
			idle = false
		}
	}
	d.idle = idle
	if d.skew > 0 {
		var shifted pcie.Word
		for j := 0; j < pcie.WordSize; j++ {
			src := pcie.WordSize - d.skew + j
			if src < pcie.WordSize {
				shifted.Symbols[j] = d.carry.Symbols[src]
				shifted.Valid[j] = d.carry.Valid[src]
			} else {
				shifted.Symbols[j] = out.Symbols[src-pcie.WordSize]
				shifted.Valid[j] = out.Valid[src-pcie.WordSize]
			}
		}
		d.carry = out
		out = shifted
	}
	if d.fifo.Push(out) != nil {
		d.drops++
	}
}

// NewVirtualLink builds a link with the given options.
func NewVirtualLink(opts LinkOptions) *VirtualLink {
	if opts.FIFODepth <= 0 {
		opts.FIFODepth = 8
	}
	if opts.DetectLatency <= 0 {
		opts.DetectLatency = 1
	}
	skew := opts.Skew % pcie.WordSize
	ab := &wire{fifo: NewElasticFIFO(opts.FIFODepth), skew: skew, idle: true, inverted: opts.InvertAtoB}
	ba := &wire{fifo: NewElasticFIFO(opts.FIFODepth), skew: skew, idle: true, inverted: opts.InvertBtoA}
	a := &VirtualLane{name: "A", tx: ab, rx: ba, detectLatency: opts.DetectLatency, rxAlign: true}
	b := &VirtualLane{name: "B", tx: ba, rx: ab, detectLatency: opts.DetectLatency, rxAlign: true}
	return &VirtualLink{A: a, B: b}
}

// SetConnected plugs or unplugs the cable for both ends.
func (v *VirtualLink) SetConnected(connected bool) {
	v.A.disconnected = !connected
	v.B.disconnected = !connected
}

// VirtualLane is one end of a VirtualLink.
type VirtualLane struct {
	name          string
	tx, rx        *wire
	rxInvert      bool
	rxAlign       bool
	detectLatency int
	detectCount   int
	detecting     bool
	detectDone    bool
	speed         pcie.Speed
	disconnected  bool
}

// Disconnect removes the partner: the receiver sees silence and receiver
// detection fails until Reconnect.
func (l *VirtualLane) Disconnect() { l.disconnected = true }

// Reconnect restores the partner.
func (l *VirtualLane) Reconnect() { l.disconnected = false }

// Name returns "A" or "B".
func (l *VirtualLane) Name() string { return l.name }

// Drops returns the number of words lost to overflow on the outgoing wire.
func (l *VirtualLane) Drops() int { return l.tx.drops }

func (l *VirtualLane) RxWord() pcie.Word {
	w := l.rx.fifo.Pop()
	if l.disconnected {
		return pcie.Word{}
	}
	if l.rx.speed != l.speed {
		for i := range w.Symbols {
			if w.Valid[i] {
				w.Symbols[i] = pcie.Error
			}
		}
		return w
	}
	if l.rx.inverted != l.rxInvert {
		for i := range w.Symbols {
			w.Symbols[i] = w.Symbols[i].Invert()
		}
	}
	return w
}

func (l *VirtualLane) RxStatus() RxStatus {
	present := !l.rx.idle && !l.disconnected
	return RxStatus{Locked: present, Present: present, Aligned: present && l.rxAlign}
}

func (l *VirtualLane) SetRxInvert(invert bool) { l.rxInvert = invert }
func (l *VirtualLane) RxInverted() bool        { return l.rxInvert }
func (l *VirtualLane) SetRxAlign(align bool)   { l.rxAlign = align }

func (l *VirtualLane) StartDetect() {
	l.detecting = true
	l.detectDone = false
	l.detectCount = 0
}

func (l *VirtualLane) DetectResult() (valid, present bool) {
	if l.detecting {
		l.detectCount++
		if l.detectCount >= l.detectLatency {
			l.detecting = false
			l.detectDone = true
		}
	}
	return l.detectDone, l.detectDone && !l.disconnected
}

func (l *VirtualLane) TxWord(w TxWord) {
	l.tx.speed = l.speed
	l.tx.push(w)
}

func (l *VirtualLane) SetSpeed(s pcie.Speed) { l.speed = s }

// RxOverflows returns the number of elastic buffer overflows on the
// incoming wire.
func (l *VirtualLane) RxOverflows() int { return l.rx.fifo.Overflows() }
