// Package ltssm implements the Link Training and Status State Machine for a
// single lane: Detect, Polling, Configuration, L0 and Recovery.
package ltssm

import (
	"fmt"

	"pcielink/internal/common"
	"pcielink/internal/pcie"
	"pcielink/internal/phy"
)

// State is an LTSSM state.
type State int

const (
	DetectQuiet State = iota
	DetectActive
	PollingActive
	PollingConfiguration
	ConfigLinkwidthStart
	ConfigLinkwidthAccept
	ConfigLanenumWait
	ConfigLanenumAccept
	ConfigComplete
	ConfigCompleteTS
	ConfigIdle
	RecoveryRcvrLock
	RecoveryRcvrCfg
	RecoveryIdle
	L0
	numStates
)

var stateNames = [numStates]string{
	DetectQuiet:           "Detect.Quiet",
	DetectActive:          "Detect.Active",
	PollingActive:         "Polling.Active",
	PollingConfiguration:  "Polling.Configuration",
	ConfigLinkwidthStart:  "Configuration.Linkwidth.Start",
	ConfigLinkwidthAccept: "Configuration.Linkwidth.Accept",
	ConfigLanenumWait:     "Configuration.Lanenum.Wait",
	ConfigLanenumAccept:   "Configuration.Lanenum.Accept",
	ConfigComplete:        "Configuration.Complete",
	ConfigCompleteTS:      "Configuration.Complete.TS",
	ConfigIdle:            "Configuration.Idle",
	RecoveryRcvrLock:      "Recovery.RcvrLock",
	RecoveryRcvrCfg:       "Recovery.RcvrCfg",
	RecoveryIdle:          "Recovery.Idle",
	L0:                    "L0",
}

func (s State) String() string {
	if s >= 0 && s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Timer budgets in milliseconds, absolute from state entry.
const (
	detectQuietMs   = 12
	pollingActiveMs = 24
	pollingConfigMs = 48
	linkwidthMs     = 24
	configShortMs   = 2
	rcvrLockMs      = 24
	rcvrCfgMs       = 48
	recoveryIdleMs  = 2
)

const (
	// detectMinTicks is how long Detect.Quiet waits before a present
	// receiver may cut it short.
	detectMinTicks = 20

	pollingTxTS  = 1024
	rxTSNeeded   = 8
	txTSAfterRx  = 16
	rxIdleNeeded = 8  // symbols
	txIdleNeeded = 16 // symbols

	// Leaky bucket in L0: each Error symbol fills it by errWeight, each
	// clean tick drains one.
	errWeight    = 8
	errThreshold = 50

	idleToRlockMax = 0xFF
)

// Lane is the part of the physical lane the state machine drives directly.
type Lane interface {
	RxStatus() phy.RxStatus
	StartDetect()
	DetectResult() (valid, present bool)
	SetSpeed(s pcie.Speed)
}

// TSSource hands over one received training sequence at a time.
// *phy.Mailbox is the production implementation.
type TSSource interface {
	Take() (ts phy.TS, consecutive bool, ok bool)
}

// Status is the externally visible link state.
type Status struct {
	State       State
	LinkUp      bool
	Speed       pcie.Speed
	Scrambling  bool
	LinkNumber  uint8
	LaneNumber  uint8
	NFTS        uint8
	PartnerRate phy.Rate
	IdleToRlock uint8
}

// TransitionFunc observes every state change.
type TransitionFunc func(from, to State, tick pcie.Tick)

// LTSSM is the training state machine. It owns the outgoing TS record,
// which PhyTX reads through the phy.TxDirector methods.
type LTSSM struct {
	cfg  Config
	lane Lane
	mb   TSSource
	log  common.Logger

	state State
	now   pcie.Tick
	timer int

	ts phy.TS

	rxCount  int
	txCount  int
	rxTS1    int
	txAfter  int
	rxIdle   int
	txIdle   int
	padCount int

	errBucket   int
	idleToRlock uint8
	scrambling  bool
	partnerNoSc bool
	partnerRate phy.Rate
	speed       pcie.Speed
	retrain     bool

	onTransition TransitionFunc
	transitions  uint64
	visits       [numStates]uint64
}

// New creates a state machine in Detect.Quiet. mb is normally the PhyRX
// mailbox.
func New(cfg *Config, lane Lane, mb TSSource, log common.Logger) (*LTSSM, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if mb == nil {
		return nil, common.NewErrorMsg(pcie.ErrSevError, pcie.ErrNotInit, "ltssm needs a training sequence source")
	}
	l := &LTSSM{
		cfg:  *cfg,
		lane: lane,
		mb:   mb,
		log:  common.OrNoOp(log),
	}
	l.enter(DetectQuiet)
	return l, nil
}

// OnTransition installs a hook called after every state change.
func (l *LTSSM) OnTransition(f TransitionFunc) { l.onTransition = f }

// State returns the current state.
func (l *LTSSM) State() State { return l.state }

// LinkUp is true only in L0.
func (l *LTSSM) LinkUp() bool { return l.state == L0 }

// Status returns a snapshot of the link state.
func (l *LTSSM) Status() Status {
	return Status{
		State:       l.state,
		LinkUp:      l.LinkUp(),
		Speed:       l.speed,
		Scrambling:  l.scrambling,
		LinkNumber:  l.ts.Link,
		LaneNumber:  l.ts.Lane,
		NFTS:        l.cfg.NFTS,
		PartnerRate: l.partnerRate,
		IdleToRlock: l.idleToRlock,
	}
}

// Transitions returns the number of state changes since creation.
func (l *LTSSM) Transitions() uint64 { return l.transitions }

// Visits returns how many times s has been entered.
func (l *LTSSM) Visits(s State) uint64 {
	if s < 0 || s >= numStates {
		return 0
	}
	return l.visits[s]
}

// TS returns the training sequence PhyTX should send. Valid is false when
// no TS is wanted.
func (l *LTSSM) TS() phy.TS { return l.ts }

// TxIdle asks PhyTX for logical idle.
func (l *LTSSM) TxIdle() bool { return l.state == ConfigIdle || l.state == RecoveryIdle }

// TxElecIdle asks PhyTX for electrical idle.
func (l *LTSSM) TxElecIdle() bool { return l.state == DetectQuiet }

// HigherLayersEnabled lets DLLPs and TLPs onto the wire.
func (l *LTSSM) HigherLayersEnabled() bool { return l.state == L0 }

// Scrambling reports whether the scrambler should be XORing data.
func (l *LTSSM) Scrambling() bool { return l.scrambling }

// RequestRetrain moves an L0 link into Recovery on the next tick. It is
// ignored in any other state.
func (l *LTSSM) RequestRetrain() {
	if l.state == L0 {
		l.retrain = true
	}
}

// Reset forces Detect.Quiet.
func (l *LTSSM) Reset() { l.transition(DetectQuiet) }

func (l *LTSSM) elapsed(ms int) bool { return l.timer >= ms*l.cfg.TicksPerMs }

func (l *LTSSM) baseTS(id phy.TSID) phy.TS {
	return phy.TS{
		Valid: true,
		NFTS:  l.cfg.NFTS,
		Rate:  phy.Rate{Gen1: true, Gen2: l.cfg.MaxSpeed == pcie.Gen2},
		Ctrl:  phy.Ctrl{DisableScrambling: l.cfg.DisableScrambling},
		ID:    id,
	}
}

// sendTS replaces the outgoing record, keeping the negotiated link and lane
// numbers.
func (l *LTSSM) sendTS(id phy.TSID, linkValid, laneValid bool) {
	ts := l.baseTS(id)
	ts.Link, ts.LinkValid = l.ts.Link, linkValid
	ts.Lane, ts.LaneValid = l.ts.Lane, laneValid
	l.ts = ts
}

func (l *LTSSM) transition(to State) {
	from := l.state
	l.enter(to)
	l.transitions++
	l.log.Logf(common.SeverityInfo, "ltssm %v -> %v at tick %d", from, to, l.now)
	if l.onTransition != nil {
		l.onTransition(from, to, l.now)
	}
}

func (l *LTSSM) enter(s State) {
	l.state = s
	l.visits[s]++
	l.timer = 0
	l.rxCount, l.txCount, l.rxTS1, l.txAfter = 0, 0, 0, 0
	l.rxIdle, l.txIdle, l.padCount = 0, 0, 0
	l.retrain = false

	switch s {
	case DetectQuiet:
		l.ts = phy.TS{}
		l.scrambling = false
		l.partnerNoSc = false
		l.errBucket = 0
		l.idleToRlock = 0
		l.speed = pcie.Gen1
		if l.lane != nil {
			l.lane.SetSpeed(pcie.Gen1)
		}
	case DetectActive:
		if l.lane != nil {
			l.lane.StartDetect()
		}
	case PollingActive:
		l.sendTS(phy.TS1, false, false)
	case PollingConfiguration:
		l.sendTS(phy.TS2, false, false)
	case ConfigLinkwidthStart:
		if l.cfg.Role == Downstream {
			l.ts.Link = l.cfg.LinkNumber
			l.sendTS(phy.TS1, true, false)
		} else {
			l.sendTS(phy.TS1, false, false)
		}
	case ConfigLinkwidthAccept:
		if l.cfg.Role == Downstream {
			l.ts.Lane = 0
			l.sendTS(phy.TS1, true, true)
		} else {
			l.sendTS(phy.TS1, true, false)
		}
	case ConfigLanenumWait, ConfigLanenumAccept, RecoveryRcvrLock:
		l.sendTS(phy.TS1, true, true)
	case ConfigComplete, ConfigCompleteTS, RecoveryRcvrCfg:
		l.sendTS(phy.TS2, true, true)
	case ConfigIdle:
		l.ts.Valid = false
		l.scrambling = !l.cfg.DisableScrambling && !l.partnerNoSc
	case RecoveryIdle, L0:
		l.ts.Valid = false
	}
}

// Tick advances the state machine by one clock. rx is what PhyRX saw this
// tick; tx is what PhyTX did on the previous one.
func (l *LTSSM) Tick(rx phy.RxEvents, tx phy.TxEvents) {
	l.now++
	l.timer++
	ts, consecutive, got := l.mb.Take()
	in := input{rx: rx, tx: tx, ts: ts, consecutive: consecutive, got: got}

	switch l.state {
	case DetectQuiet:
		l.detectQuiet()
	case DetectActive:
		l.detectActive()
	case PollingActive:
		l.pollingActive(in)
	case PollingConfiguration:
		l.pollingConfiguration(in)
	case ConfigLinkwidthStart:
		l.linkwidthStart(in)
	case ConfigLinkwidthAccept:
		l.linkwidthAccept(in)
	case ConfigLanenumWait:
		l.lanenumWait(in)
	case ConfigLanenumAccept:
		l.lanenumAccept(in)
	case ConfigComplete:
		l.transition(ConfigCompleteTS)
	case ConfigCompleteTS:
		l.completeTS(in)
	case ConfigIdle:
		l.configIdle(in)
	case RecoveryRcvrLock:
		l.rcvrLock(in)
	case RecoveryRcvrCfg:
		l.rcvrCfg(in)
	case RecoveryIdle:
		l.recoveryIdle(in)
	case L0:
		l.l0(in)
	}
}

type input struct {
	rx          phy.RxEvents
	tx          phy.TxEvents
	ts          phy.TS
	consecutive bool
	got         bool
}

// is reports a freshly received TS of the given kind.
func (in input) is(id phy.TSID) bool { return in.got && in.ts.ID == id }

// padded reports a fresh TS with link and lane both PAD.
func (in input) padded(id phy.TSID) bool { return in.is(id) && in.ts.Padded() }

func (l *LTSSM) detectQuiet() {
	present := l.lane != nil && l.lane.RxStatus().Present
	if l.elapsed(detectQuietMs) || (present && l.timer > detectMinTicks) {
		l.transition(DetectActive)
	}
}

func (l *LTSSM) detectActive() {
	if l.lane == nil {
		l.transition(PollingActive)
		return
	}
	valid, present := l.lane.DetectResult()
	if !valid {
		return
	}
	if present {
		l.transition(PollingActive)
	} else {
		l.transition(DetectQuiet)
	}
}

func (l *LTSSM) pollingActive(in input) {
	if in.tx.StartSendTS && l.txCount < pollingTxTS {
		l.txCount++
	}
	if in.got {
		ok := in.ts.Padded() &&
			((in.ts.ID == phy.TS1 && (!in.ts.Ctrl.ComplianceReceive || in.ts.Ctrl.Loopback)) ||
				in.ts.ID == phy.TS2)
		if ok {
			l.partnerRate = in.ts.Rate
			if l.rxCount < rxTSNeeded {
				l.rxCount++
			}
		} else if l.rxCount < rxTSNeeded {
			l.rxCount = 0
		}
	}
	switch {
	case l.rxCount >= rxTSNeeded && l.txCount >= pollingTxTS:
		l.transition(PollingConfiguration)
	case l.elapsed(pollingActiveMs):
		l.transition(DetectQuiet)
	}
}

// countTxAfterRx counts transmitted TSs, but only once something has been
// received.
func (l *LTSSM) countTxAfterRx(in input) {
	if !in.tx.StartSendTS {
		return
	}
	if l.rxCount == 0 {
		l.txCount = 0
	} else if l.txCount < txTSAfterRx {
		l.txCount++
	}
}

func (l *LTSSM) pollingConfiguration(in input) {
	l.countTxAfterRx(in)
	if in.got {
		if in.padded(phy.TS2) {
			if l.rxCount < rxTSNeeded {
				l.rxCount++
			}
		} else if l.rxCount < rxTSNeeded {
			l.rxCount = 0
		}
	}
	switch {
	case l.rxCount >= rxTSNeeded && l.txCount >= txTSAfterRx:
		l.transition(ConfigLinkwidthStart)
	case l.elapsed(pollingConfigMs):
		l.transition(DetectQuiet)
	}
}

func (l *LTSSM) linkwidthStart(in input) {
	if l.elapsed(linkwidthMs) {
		l.transition(DetectQuiet)
		return
	}
	if l.cfg.Role == Downstream {
		if in.tx.StartSendTS {
			l.txCount++
		}
		// the partner may still be finishing Polling for the first two
		// TSs we send
		if l.txCount < 2 {
			return
		}
		if in.is(phy.TS1) && in.consecutive && in.ts.LinkValid && !in.ts.LaneValid && in.ts.Link == l.cfg.LinkNumber {
			l.transition(ConfigLinkwidthAccept)
		}
		return
	}
	if in.is(phy.TS1) && in.consecutive && in.ts.LinkValid && !in.ts.LaneValid {
		l.ts.Link = in.ts.Link
		l.transition(ConfigLinkwidthAccept)
	}
}

func (l *LTSSM) linkwidthAccept(in input) {
	if in.padded(phy.TS1) || l.elapsed(configShortMs) {
		l.transition(DetectQuiet)
		return
	}
	if !in.is(phy.TS1) || !in.consecutive || !in.ts.Matches(l.ts.Link, 0) {
		return
	}
	l.ts.Lane = 0
	l.transition(ConfigLanenumWait)
}

func (l *LTSSM) lanenumWait(in input) {
	if in.padded(phy.TS1) || l.elapsed(configShortMs) {
		l.transition(DetectQuiet)
		return
	}
	if !in.got || !in.consecutive {
		return
	}
	if l.cfg.Role == Downstream {
		if in.ts.Matches(l.ts.Link, l.ts.Lane) {
			l.transition(ConfigLanenumAccept)
		}
		return
	}
	laneMoved := in.ts.ID == phy.TS1 && in.ts.LinkValid && in.ts.LaneValid && in.ts.Lane != l.ts.Lane
	if laneMoved || in.ts.ID == phy.TS2 {
		l.transition(ConfigLanenumAccept)
	}
}

func (l *LTSSM) lanenumAccept(in input) {
	if (in.padded(phy.TS1) && in.consecutive) || l.elapsed(configShortMs) {
		l.transition(DetectQuiet)
		return
	}
	if !in.got || !in.consecutive || !in.ts.Matches(l.ts.Link, l.ts.Lane) {
		return
	}
	if in.ts.ID == phy.TS2 || l.cfg.Role == Downstream {
		l.transition(ConfigComplete)
	}
}

func (l *LTSSM) completeTS(in input) {
	l.countTxAfterRx(in)
	if in.got {
		if in.is(phy.TS2) && in.consecutive && in.ts.Matches(l.ts.Link, l.ts.Lane) {
			l.partnerNoSc = in.ts.Ctrl.DisableScrambling
			l.partnerRate = in.ts.Rate
			if l.rxCount < rxTSNeeded {
				l.rxCount++
			}
		} else {
			l.rxCount = 0
		}
	}
	switch {
	case l.rxCount >= rxTSNeeded && l.txCount >= txTSAfterRx:
		l.transition(ConfigIdle)
	case l.elapsed(configShortMs):
		l.transition(DetectQuiet)
	}
}

// idleDone counts received idle symbols until enough have arrived back to
// back, then counts idle symbols sent.
func (l *LTSSM) idleDone(in input) bool {
	if l.rxIdle < rxIdleNeeded {
		switch {
		case in.rx.IdleWord:
			l.rxIdle += pcie.WordSize
		case in.rx.SKPSet:
		case in.rx.DataValid || in.rx.InTS:
			l.rxIdle = 0
		}
		return false
	}
	if in.tx.IdleWordSent {
		l.txIdle += pcie.WordSize
	}
	return l.txIdle >= txIdleNeeded
}

func (l *LTSSM) configIdle(in input) {
	switch {
	case l.idleDone(in):
		l.idleToRlock = 0
		l.transition(L0)
	case l.elapsed(configShortMs):
		l.transition(DetectQuiet)
	}
}

func (l *LTSSM) l0(in input) {
	if n := in.rx.ErrorSymbols; n > 0 {
		l.errBucket += errWeight * n
	} else if l.errBucket > 0 {
		l.errBucket--
	}
	if in.rx.SawSTPOrSDP {
		l.idleToRlock = 0
	}
	switch {
	case l.errBucket > errThreshold:
		l.log.Logf(common.SeverityWarning, "ltssm: error rate too high in L0, bucket=%d", l.errBucket)
		l.transition(DetectQuiet)
	case in.got:
		l.transition(RecoveryRcvrLock)
	case l.retrain:
		l.transition(RecoveryRcvrLock)
	}
}

func (l *LTSSM) rcvrLock(in input) {
	if in.got {
		if in.ts.Matches(l.ts.Link, l.ts.Lane) {
			l.rxCount++
		} else {
			l.rxCount = 0
		}
	}
	switch {
	case l.rxCount >= rxTSNeeded:
		l.transition(RecoveryRcvrCfg)
	case l.elapsed(rcvrLockMs):
		l.transition(DetectQuiet)
	}
}

func (l *LTSSM) rcvrCfg(in input) {
	if in.tx.StartSendTS {
		if l.txCount < txTSAfterRx {
			l.txCount++
		}
		if l.rxCount > 0 && l.txAfter < txTSAfterRx {
			l.txAfter++
		}
	}
	if in.got {
		match := in.ts.Matches(l.ts.Link, l.ts.Lane)
		switch {
		case match && in.ts.ID == phy.TS2 && !in.ts.Rate.SpeedChange:
			if l.rxCount < rxTSNeeded {
				l.rxCount++
			}
			l.rxTS1 = 0
		case match && in.ts.ID == phy.TS1:
			if l.rxTS1 < rxTSNeeded {
				l.rxTS1++
			}
			l.rxCount = 0
		default:
			l.rxCount, l.rxTS1 = 0, 0
		}
	}
	switch {
	case l.rxCount >= rxTSNeeded && l.txAfter >= txTSAfterRx:
		l.transition(RecoveryIdle)
	case l.rxTS1 >= rxTSNeeded && l.txCount >= txTSAfterRx:
		l.transition(ConfigLinkwidthStart)
	case l.elapsed(rcvrCfgMs):
		l.transition(DetectQuiet)
	}
}

func (l *LTSSM) recoveryIdle(in input) {
	if in.got && !in.ts.LaneValid {
		l.padCount++
	}
	switch {
	case l.padCount >= 2:
		l.transition(ConfigLinkwidthStart)
	case l.idleDone(in):
		l.idleToRlock = 0
		l.transition(L0)
	case l.elapsed(recoveryIdleMs):
		if l.idleToRlock < idleToRlockMax {
			l.idleToRlock++
			l.transition(RecoveryRcvrLock)
		} else {
			l.transition(DetectQuiet)
		}
	}
}
