// Package link assembles the physical, training, data link and transaction
// layers into a Port that advances one word per tick.
package link

import (
	"fmt"

	"pcielink/internal/common"
	"pcielink/internal/dll"
	"pcielink/internal/dllp"
	"pcielink/internal/ltssm"
	"pcielink/internal/pcie"
	"pcielink/internal/phy"
	"pcielink/internal/tlp"
)

// Direction tells a Tracer which way a word is travelling.
type Direction uint8

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// EventKind classifies trace events.
type EventKind uint8

const (
	EventLTSSM EventKind = iota
	EventDLL
	EventDLLP
	EventTLP
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLTSSM:
		return "LTSSM"
	case EventDLL:
		return "DLL"
	case EventDLLP:
		return "DLLP"
	case EventTLP:
		return "TLP"
	case EventError:
		return "ERROR"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is a notable occurrence inside a Port.
type Event struct {
	Kind EventKind
	Text string
}

// Tracer observes a Port. Words are reported after descrambling on receive
// and before scrambling on transmit.
type Tracer interface {
	TraceWord(tick pcie.Tick, port string, dir Direction, w pcie.Word)
	TraceEvent(tick pcie.Tick, port string, ev Event)
}

// rxOverflower is implemented by lanes that model an elastic buffer.
type rxOverflower interface {
	RxOverflows() int
}

// linkStatusSink is implemented by transaction layers that mirror the link
// state into configuration space.
type linkStatusSink interface {
	SetLinkStatus(speed pcie.Speed, training bool)
}

// Stats are the Port counters.
type Stats struct {
	TSReceived    uint64
	TSSent        uint64
	BadTS         uint64
	SKPReceived   uint64
	SKPSent       uint64
	Inversions    uint64
	ErrorSymbols  uint64
	DLLPsReceived uint64
	DLLPsSent     uint64
	DLLPCRCErrors uint64
	TLPsReceived  uint64
	TLPsSent      uint64
	TLPsDelivered uint64
	LCRCErrors    uint64
	NaksSent      uint64
	NaksReceived  uint64
	Replays       uint64
	FIFOOverflows uint64
	Transitions   uint64
}

// Status is a snapshot of both state machines.
type Status struct {
	LTSSM       ltssm.Status
	DLL         dll.State
	Outstanding int
}

// Port is one end of a link. Tick runs the receive pipeline, the state
// machines and then the transmit pipeline, in that order.
type Port struct {
	cfg  Config
	lane phy.Lane
	tl   tlp.Layer
	log  common.Logger

	slip   *phy.SymbolSlip
	descr  *phy.Scrambler
	scr    *phy.Scrambler
	rx     *phy.Receiver
	tx     *phy.Transmitter
	dllpRx *dllp.Receiver
	tlpRx  *tlp.Receiver
	ltssm  *ltssm.LTSSM
	dll    *dll.DLL

	now      pcie.Tick
	prevTx   phy.TxEvents
	dllState dll.State

	tracers      []Tracer
	onTransition ltssm.TransitionFunc
}

// New builds a Port on lane. tl receives every TLP the data link layer
// delivers and may be nil.
func New(cfg *Config, lane phy.Lane, tl tlp.Layer, log common.Logger) (*Port, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if lane == nil {
		return nil, common.NewErrorMsg(pcie.ErrSevError, pcie.ErrNotInit, "port needs a lane")
	}
	p := &Port{
		cfg:    *cfg,
		lane:   lane,
		tl:     tl,
		log:    common.OrNoOp(log),
		slip:   phy.NewSymbolSlip(pcie.COM),
		descr:  phy.NewScrambler(),
		scr:    phy.NewScrambler(),
		dllpRx: dllp.NewReceiver(),
		tlpRx:  tlp.NewReceiver(),
	}
	p.rx = phy.NewReceiver(lane, p.log)

	var err error
	if p.ltssm, err = ltssm.New(&p.cfg.LTSSM, lane, p.rx.Mailbox(), p.log); err != nil {
		return nil, err
	}
	if p.dll, err = dll.New(&p.cfg.DLL, p.ltssm, p.log); err != nil {
		return nil, err
	}
	p.tx = phy.NewTransmitter(p.ltssm, p.dll)
	p.ltssm.OnTransition(p.transition)
	p.dllState = p.dll.State()
	return p, nil
}

// Name returns the configured port name.
func (p *Port) Name() string { return p.cfg.Name }

// Now returns the number of ticks run.
func (p *Port) Now() pcie.Tick { return p.now }

// LTSSM exposes the training state machine.
func (p *Port) LTSSM() *ltssm.LTSSM { return p.ltssm }

// DLL exposes the data link layer.
func (p *Port) DLL() *dll.DLL { return p.dll }

// Submit queues a TLP for transmission.
func (p *Port) Submit(body []byte) (pcie.Seq, error) { return p.dll.Submit(body) }

// SetTracer replaces the installed tracers.
func (p *Port) SetTracer(t ...Tracer) { p.tracers = t }

// OnTransition installs a hook called after every LTSSM state change.
func (p *Port) OnTransition(f ltssm.TransitionFunc) { p.onTransition = f }

// Status returns the current link state.
func (p *Port) Status() Status {
	return Status{
		LTSSM:       p.ltssm.Status(),
		DLL:         p.dll.State(),
		Outstanding: len(p.dll.Outstanding()),
	}
}

// Stats gathers the counters of every layer.
func (p *Port) Stats() Stats {
	rx, tx := p.rx.Stats(), p.tx.Stats()
	dp, tp := p.dllpRx.Stats(), p.tlpRx.Stats()
	d := p.dll.Stats()
	s := Stats{
		TSReceived:    rx.TS,
		TSSent:        tx.TS,
		BadTS:         rx.BadTS,
		SKPReceived:   rx.SKPSets,
		SKPSent:       tx.SKPSets,
		Inversions:    rx.Inversions,
		ErrorSymbols:  rx.ErrorSyms,
		DLLPsReceived: dp.Good,
		DLLPsSent:     d.AcksSent + d.NaksSent + d.FCSent,
		DLLPCRCErrors: dp.BadCRC,
		TLPsReceived:  tp.Good,
		TLPsSent:      d.TLPsSent,
		TLPsDelivered: d.TLPsDelivered,
		LCRCErrors:    tp.BadLCRC,
		NaksSent:      d.NaksSent,
		NaksReceived:  d.NaksReceived,
		Replays:       d.Replays,
		Transitions:   p.ltssm.Transitions(),
	}
	if o, ok := p.lane.(rxOverflower); ok {
		s.FIFOOverflows = uint64(o.RxOverflows())
	}
	return s
}

// Tick advances the port by one word.
func (p *Port) Tick() {
	p.now++

	w := p.slip.Process(p.lane.RxWord())
	w = p.descr.Process(w)
	p.traceWord(RX, w)
	p.rx.Process(w)
	ev := p.rx.Events()
	if ev.DataValid {
		p.deframe(ev.Data)
	}

	p.ltssm.Tick(ev, p.prevTx)
	p.dll.Tick(p.ltssm.LinkUp())
	if s := p.dll.State(); s != p.dllState {
		p.traceEvent(EventDLL, fmt.Sprintf("%v -> %v", p.dllState, s))
		p.dllState = s
	}
	if p.tl != nil {
		p.tl.Tick(p.dll)
	}

	scrambling := p.ltssm.Scrambling()
	p.scr.SetEnabled(scrambling)
	p.descr.SetEnabled(scrambling)

	out := p.tx.Next()
	p.prevTx = p.tx.Events()
	p.traceWord(TX, out.Word)
	out.Word = p.scr.Process(out.Word)
	p.lane.TxWord(out)
}

func (p *Port) deframe(w pcie.Word) {
	for _, d := range p.dllpRx.Process(w) {
		p.traceEvent(EventDLLP, d.String())
		p.dll.HandleDLLP(d)
	}
	for _, f := range p.tlpRx.Process(w) {
		if f.Status != tlp.OK {
			p.traceEvent(EventError, fmt.Sprintf("TLP %d %v", f.Seq, f.Status))
		}
		body, ok := p.dll.HandleFrame(f)
		if !ok {
			continue
		}
		if len(p.tracers) > 0 {
			if h, err := tlp.ParseHeader(body); err == nil {
				p.traceEvent(EventTLP, fmt.Sprintf("seq %d %v len %d", f.Seq, h.Type, len(body)))
			}
		}
		if p.tl != nil {
			p.tl.HandleTLP(body)
		}
	}
}

// transition drops every partial reception, since none of them survive a
// state change, and keeps the transaction layer's view of the link current.
func (p *Port) transition(from, to ltssm.State, tick pcie.Tick) {
	p.rx.Abort()
	p.dllpRx.Abort()
	p.tlpRx.Abort()
	if to == ltssm.DetectQuiet {
		p.slip.Reset()
	}
	if s, ok := p.tl.(linkStatusSink); ok {
		s.SetLinkStatus(p.ltssm.Status().Speed, training(to))
	}
	p.traceEvent(EventLTSSM, fmt.Sprintf("%v -> %v", from, to))
	if p.onTransition != nil {
		p.onTransition(from, to, tick)
	}
}

func training(s ltssm.State) bool {
	return s >= ltssm.ConfigLinkwidthStart && s <= ltssm.RecoveryIdle
}

func (p *Port) traceWord(dir Direction, w pcie.Word) {
	for _, t := range p.tracers {
		t.TraceWord(p.now, p.cfg.Name, dir, w)
	}
}

func (p *Port) traceEvent(kind EventKind, text string) {
	for _, t := range p.tracers {
		t.TraceEvent(p.now, p.cfg.Name, Event{Kind: kind, Text: text})
	}
}
