// Package dll is the data link layer: flow control initialisation, sequence
// numbering, Ack/Nak and replay from the retry buffer.
package dll

import (
	"pcielink/internal/common"
	"pcielink/internal/dllp"
	"pcielink/internal/pcie"
	"pcielink/internal/tlp"
	"pcielink/internal/tlpbuf"
)

// State is the data link control state.
type State int

const (
	Inactive State = iota
	InitFC1
	InitFC2
	Active
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "DL_Inactive"
	case InitFC1:
		return "DL_Init_FC1"
	case InitFC2:
		return "DL_Init_FC2"
	case Active:
		return "DL_Active"
	}
	return "DL_?"
}

const (
	// maxOutstanding is half the sequence space.
	maxOutstanding = pcie.SeqMod / 2
	numClasses     = 3
	hdrMod         = 1 << 8
	dataMod        = 1 << 12
)

// Retrainer is told when replays keep failing. The LTSSM implements it.
type Retrainer interface {
	RequestRetrain()
}

// Stats are the running DLL counters.
type Stats struct {
	TLPsSent      uint64
	TLPsReplayed  uint64
	TLPsDelivered uint64
	Duplicates    uint64
	SeqGaps       uint64
	BadTLPs       uint64
	Nullified     uint64
	AcksSent      uint64
	NaksSent      uint64
	AcksReceived  uint64
	NaksReceived  uint64
	Replays       uint64
	Timeouts      uint64
	Rollovers     uint64
	FCSent        uint64
	FCReceived    uint64
}

type credit struct {
	hdr, data int
}

type limit struct {
	credit
	infHdr, infData bool
}

// DLL is one end of the data link layer. It is the retry buffer's only
// writer and, through its TLP transmitter, drives the buffer's only reader.
type DLL struct {
	cfg     Config
	log     common.Logger
	retrain Retrainer

	state State
	now   pcie.Tick

	buf    *tlpbuf.Buffer
	tlpTx  *tlp.Transmitter
	dllpTx *dllp.Transmitter

	// transmit side, kept across link down
	nextSeq   pcie.Seq
	ackd      pcie.Seq
	sentNext  pcie.Seq
	replayNum uint8
	partner   [numClasses]limit
	consumed  [numClasses]credit
	fcInit    bool

	// receive side
	expected  pcie.Seq
	allocated [numClasses]credit

	// transient, reset on link down
	queue        []pcie.Seq
	replayTimer  int
	updateTimer  int
	ackPending   bool
	nakPending   bool
	nakScheduled bool
	gotFC        [numClasses]bool
	gotFC2       bool
	fcIdx        int
	fcLeft       int
	rotationDone bool

	stats Stats
}

// New creates a DLL in DL_Inactive. retrain may be nil.
func New(cfg *Config, retrain Retrainer, log common.Logger) (*DLL, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	buf, err := tlpbuf.New(cfg.RetrySlots, cfg.RetryDepth)
	if err != nil {
		return nil, err
	}
	d := &DLL{
		cfg:     *cfg,
		log:     common.OrNoOp(log),
		retrain: retrain,
		buf:     buf,
		ackd:    pcie.Seq(0).Prev(),
	}
	d.tlpTx = tlp.NewTransmitter(buf)
	d.dllpTx = dllp.NewTransmitter(d)
	for k := range d.allocated {
		h, dc := cfg.Credits.Class(tlp.Kind(k))
		d.allocated[k] = credit{h, dc}
	}
	return d, nil
}

// State returns the control state.
func (d *DLL) State() State { return d.state }

// Up reports DL_Active.
func (d *DLL) Up() bool { return d.state == Active }

// Stats returns the running counters.
func (d *DLL) Stats() Stats { return d.stats }

// Outstanding returns the unacknowledged sequence numbers, oldest first.
func (d *DLL) Outstanding() []pcie.Seq { return d.buf.Seqs() }

// NextSeq returns the sequence number the next submitted TLP will get.
func (d *DLL) NextSeq() pcie.Seq { return d.nextSeq }

// AckdSeq returns the last sequence number the partner acknowledged.
func (d *DLL) AckdSeq() pcie.Seq { return d.ackd }

// ExpectedSeq returns the sequence number the receiver waits for.
func (d *DLL) ExpectedSeq() pcie.Seq { return d.expected }

// ReplayNum returns the 2-bit replay counter.
func (d *DLL) ReplayNum() uint8 { return d.replayNum }

// PartnerCredits returns the partner's advertised limits for class k.
// Zero with inf set means infinite.
func (d *DLL) PartnerCredits(k tlp.Kind) (hdr, data int, infHdr, infData bool) {
	p := d.partner[k]
	return p.hdr, p.data, p.infHdr, p.infData
}

func (d *DLL) setState(s State) {
	if s == d.state {
		return
	}
	d.log.Logf(common.SeverityInfo, "dll %v -> %v at tick %d", d.state, s, d.now)
	d.state = s
	d.fcIdx, d.fcLeft, d.rotationDone = 0, 0, false
	switch s {
	case Active:
		d.fcInit = true
		d.updateTimer, d.replayTimer = 0, 0
		// anything still unacknowledged from before the link went down
		d.queue = d.buf.Seqs()
	}
}

func (d *DLL) linkDown() {
	d.setState(Inactive)
	d.tlpTx.Reset()
	d.dllpTx.Reset()
	d.buf.Abort()
	d.queue = nil
	d.replayTimer, d.updateTimer = 0, 0
	d.ackPending, d.nakPending, d.nakScheduled = false, false, false
	d.gotFC = [numClasses]bool{}
	d.gotFC2 = false
}

// Tick advances the control state machine. linkUp is the LTSSM's L0
// indication for this tick.
func (d *DLL) Tick(linkUp bool) {
	d.now++
	if !linkUp {
		if d.state != Inactive {
			d.linkDown()
		}
		return
	}
	switch d.state {
	case Inactive:
		d.setState(InitFC1)
	case InitFC1:
		if d.gotFC[0] && d.gotFC[1] && d.gotFC[2] && d.rotationDone {
			d.setState(InitFC2)
		}
	case InitFC2:
		if d.gotFC2 && d.rotationDone {
			d.setState(Active)
		}
	case Active:
		d.activeTick()
	}
}

func (d *DLL) activeTick() {
	d.updateTimer++
	if d.updateTimer >= d.cfg.UpdateFCInterval && !d.tlpTx.Busy() && d.fcLeft == 0 {
		d.updateTimer = 0
		d.fcIdx, d.fcLeft = 0, numClasses
	}
	if d.buf.Empty() || d.tlpTx.Busy() || len(d.queue) > 0 {
		return
	}
	d.replayTimer++
	if d.replayTimer >= d.cfg.ReplayTimeout {
		d.stats.Timeouts++
		d.log.Logf(common.SeverityWarning, "dll: replay timer expired at tick %d, %d outstanding", d.now, d.buf.Len())
		d.replay()
	}
}

func (d *DLL) replay() {
	d.replayNum = (d.replayNum + 1) & 3
	d.stats.Replays++
	d.replayTimer = 0
	d.queue = d.buf.Seqs()
	if d.replayNum == 0 {
		d.stats.Rollovers++
		d.log.Logf(common.SeverityWarning, "dll: replay number rolled over, retraining")
		if d.retrain != nil {
			d.retrain.RequestRetrain()
		}
	}
}

// Submit accepts a TLP body for transmission and returns the sequence
// number it was given.
func (d *DLL) Submit(body []byte) (pcie.Seq, error) {
	if d.state != Active {
		return 0, common.NewErrorMsg(pcie.ErrSevWarn, pcie.ErrLinkDown, d.state.String())
	}
	h, err := tlp.ParseHeader(body)
	if err != nil {
		return 0, common.NewErrorMsg(pcie.ErrSevError, pcie.ErrMalformedTLP, err.Error())
	}
	if d.buf.Full() || pcie.Diff(d.nextSeq, d.ackd) >= maxOutstanding {
		return 0, common.NewErrorf(pcie.ErrSevWarn, pcie.ErrRetryBufferFull, "%d outstanding", d.buf.Len())
	}
	k, dc := h.Type.Kind(), h.DataCredits()
	if !d.creditsAvailable(k, dc) {
		return 0, common.NewErrorf(pcie.ErrSevWarn, pcie.ErrNoCredits, "%v needs 1 header and %d data credits", k, dc)
	}
	words, err := tlp.Encode(d.nextSeq, body, false)
	if err != nil {
		return 0, common.NewErrorMsg(pcie.ErrSevError, pcie.ErrMalformedTLP, err.Error())
	}
	seq := d.nextSeq
	if err := d.buf.Store(seq, words); err != nil {
		return 0, err
	}
	d.consumed[k].hdr += 1
	d.consumed[k].data += dc
	d.nextSeq = seq.Next()
	d.queue = append(d.queue, seq)
	return seq, nil
}

// creditsAvailable applies the modular credit check: the limit minus what
// would be consumed must not wrap past half the counter range.
func (d *DLL) creditsAvailable(k tlp.Kind, data int) bool {
	p, c := d.partner[k], d.consumed[k]
	if !p.infHdr && (p.hdr-(c.hdr+1))&(hdrMod-1) > hdrMod/2 {
		return false
	}
	if data > 0 && !p.infData && (p.data-(c.data+data))&(dataMod-1) > dataMod/2 {
		return false
	}
	return true
}

// HandleDLLP processes a DLLP that passed its CRC check.
func (d *DLL) HandleDLLP(p dllp.DLLP) {
	if d.state == Inactive {
		return
	}
	if phase, class, ok := p.Type.IsFC(); ok {
		d.handleFC(phase, class, p)
		return
	}
	if d.state != Active {
		return
	}
	switch p.Type {
	case dllp.Ack:
		d.stats.AcksReceived++
		d.ackThrough(p.Seq())
	case dllp.Nak:
		d.stats.NaksReceived++
		d.log.Logf(common.SeverityWarning, "dll: Nak %d received, replaying", p.Seq())
		d.ackThrough(p.Seq())
		if !d.buf.Empty() {
			d.replay()
		}
	}
}

func (d *DLL) handleFC(phase dllp.FCPhase, class dllp.FCClass, p dllp.DLLP) {
	d.stats.FCReceived++
	if int(class) >= numClasses {
		return
	}
	switch phase {
	case dllp.PhaseInit1, dllp.PhaseInit2:
		if d.state == Active {
			return
		}
		d.gotFC[class] = true
		if phase == dllp.PhaseInit2 {
			d.gotFC2 = true
		}
		// after the first initialisation the partner's UpdateFCs keep the
		// limits current
		if !d.fcInit {
			d.partner[class] = limit{
				credit:  credit{int(p.Header), int(p.Data)},
				infHdr:  p.Header == 0,
				infData: p.Data == 0,
			}
		}
	case dllp.PhaseUpdate:
		if d.state == InitFC1 {
			return
		}
		if d.state == InitFC2 {
			d.gotFC2 = true
		}
		l := &d.partner[class]
		if !l.infHdr {
			l.hdr = int(p.Header)
		}
		if !l.infData {
			l.data = int(p.Data)
		}
	}
}

// ackThrough retires everything up to and including s when s acknowledges
// something outstanding.
func (d *DLL) ackThrough(s pcie.Seq) {
	if !pcie.Before(d.ackd, s) || !pcie.AtOrBefore(s, d.nextSeq.Prev()) {
		return
	}
	d.buf.DeleteThrough(s)
	d.ackd = s
	d.replayNum = 0
	d.replayTimer = 0
	q := d.queue[:0]
	for _, seq := range d.queue {
		if pcie.Before(s, seq) {
			q = append(q, seq)
		}
	}
	d.queue = q
}

// HandleFrame processes a deframed TLP. It returns the body when the TLP is
// the next in sequence and should go up to the transaction layer.
func (d *DLL) HandleFrame(f tlp.Frame) ([]byte, bool) {
	if d.state != Active && d.state != InitFC2 {
		return nil, false
	}
	switch f.Status {
	case tlp.Nullified:
		d.stats.Nullified++
		return nil, false
	case tlp.BadLCRC, tlp.Malformed:
		d.stats.BadTLPs++
		d.scheduleNak()
		return nil, false
	}
	if d.state == InitFC2 {
		d.gotFC2 = true
	}
	switch {
	case f.Seq == d.expected:
		d.expected = d.expected.Next()
		d.nakScheduled = false
		d.ackPending = true
		d.stats.TLPsDelivered++
		d.returnCredits(f.Body)
		return f.Body, true
	case pcie.Before(f.Seq, d.expected):
		d.stats.Duplicates++
		d.ackPending = true
	default:
		d.stats.SeqGaps++
		d.scheduleNak()
	}
	return nil, false
}

func (d *DLL) scheduleNak() {
	if d.nakScheduled {
		return
	}
	d.nakScheduled, d.nakPending = true, true
	d.log.Logf(common.SeverityWarning, "dll: scheduling Nak %d at tick %d", d.expected.Prev(), d.now)
}

// returnCredits frees the receive buffer space a delivered TLP used. The
// transaction layer consumes TLPs as they arrive.
func (d *DLL) returnCredits(body []byte) {
	h, err := tlp.ParseHeader(body)
	if err != nil {
		return
	}
	k := h.Type.Kind()
	hdr, data := d.cfg.Credits.Class(k)
	if hdr != 0 {
		d.allocated[k].hdr = (d.allocated[k].hdr + 1) % hdrMod
	}
	if data != 0 {
		d.allocated[k].data = (d.allocated[k].data + h.DataCredits()) % dataMod
	}
}

// NextDLLP picks the DLLP to send: Nak or Ack first, then flow control.
func (d *DLL) NextDLLP() (dllp.DLLP, bool) {
	if d.state == Inactive {
		return dllp.DLLP{}, false
	}
	switch {
	case d.nakPending:
		d.nakPending, d.ackPending = false, false
		d.stats.NaksSent++
		return dllp.NewNak(d.expected.Prev()), true
	case d.ackPending:
		d.ackPending = false
		d.stats.AcksSent++
		return dllp.NewAck(d.expected.Prev()), true
	}
	switch d.state {
	case InitFC1:
		return d.nextFC(dllp.PhaseInit1), true
	case InitFC2:
		return d.nextFC(dllp.PhaseInit2), true
	}
	if d.fcLeft > 0 {
		d.fcLeft--
		return d.nextFC(dllp.PhaseUpdate), true
	}
	return dllp.DLLP{}, false
}

func (d *DLL) nextFC(phase dllp.FCPhase) dllp.DLLP {
	k := d.fcIdx
	a := d.allocated[k]
	hdr, data := d.cfg.Credits.Class(tlp.Kind(k))
	if hdr == 0 {
		a.hdr = 0
	}
	if data == 0 {
		a.data = 0
	}
	d.fcIdx = (d.fcIdx + 1) % numClasses
	if d.fcIdx == 0 {
		d.rotationDone = true
	}
	d.stats.FCSent++
	return dllp.NewFC(phase, dllp.FCClass(k), uint8(a.hdr), uint16(a.data))
}

// NextWord feeds PhyTX. At a packet boundary an in-flight TLP finishes
// first, then DLLPs, then replays and new TLPs in sequence order.
func (d *DLL) NextWord() (pcie.Word, bool) {
	if d.tlpTx.Busy() {
		w, ok := d.tlpTx.NextWord()
		if !d.tlpTx.Busy() {
			d.replayTimer = 0
		}
		return w, ok
	}
	if w, ok := d.dllpTx.NextWord(); ok {
		return w, true
	}
	if d.state != Active {
		return pcie.Word{}, false
	}
	for len(d.queue) > 0 {
		seq := d.queue[0]
		d.queue = d.queue[1:]
		if !d.tlpTx.Start(seq) {
			continue
		}
		if seq == d.sentNext {
			d.sentNext = seq.Next()
			d.stats.TLPsSent++
		} else {
			d.stats.TLPsReplayed++
		}
		d.replayTimer = 0
		return d.tlpTx.NextWord()
	}
	return pcie.Word{}, false
}
