package link

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pcielink/internal/cfgspace"
	"pcielink/internal/common"
	"pcielink/internal/dll"
	"pcielink/internal/enumerate"
	"pcielink/internal/ltssm"
	"pcielink/internal/pcie"
	"pcielink/internal/phy"
	"pcielink/internal/tlp"
)

const (
	testTicksPerMs = 1000
	trainBudget    = 40000
)

func testConfig(name string) *Config {
	cfg := NewConfig()
	cfg.Name = name
	cfg.LTSSM.TicksPerMs = testTicksPerMs
	cfg.LTSSM.LinkNumber = 1
	return cfg
}

func newTestPair(t *testing.T, opts phy.LinkOptions, rootTL, epTL tlp.Layer) *Pair {
	t.Helper()
	p, err := NewPair(opts, testConfig("rp"), testConfig("ep"), rootTL, epTL, common.NewNoOpLogger())
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}
	return p
}

func train(t *testing.T, p *Pair) {
	t.Helper()
	if n, ok := p.RunUntil(trainBudget, p.Up); !ok {
		t.Fatalf("link not up after %d ticks: rp %v/%v, ep %v/%v", n,
			p.Root.LTSSM().State(), p.Root.DLL().State(), p.EP.LTSSM().State(), p.EP.DLL().State())
	}
}

func TestNewRejects(t *testing.T) {
	vl := phy.NewVirtualLink(phy.LinkOptions{})
	tests := []struct {
		name string
		mod  func(*Config)
		code pcie.Err
	}{
		{"stream_ratio", func(c *Config) { c.SymbolsPerTick = 8 }, pcie.ErrStreamRatio},
		{"buffer_depth", func(c *Config) { c.DLL.RetryDepth = 100 }, pcie.ErrBufferDepth},
		{"ticks_per_ms", func(c *Config) { c.LTSSM.TicksPerMs = 0 }, pcie.ErrInvalidParamVal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mod(cfg)
			_, err := New(cfg, vl.A, nil, nil)
			if !errors.Is(err, common.ErrCode(tt.code)) {
				t.Errorf("New() error = %v, want %v", err, common.CodeName(tt.code))
			}
		})
	}
	if _, err := New(nil, nil, nil, nil); !errors.Is(err, common.ErrCode(pcie.ErrNotInit)) {
		t.Errorf("New(nil lane) error = %v, want ErrNotInit", err)
	}
}

func TestTrainToL0(t *testing.T) {
	want := []ltssm.State{
		ltssm.DetectActive,
		ltssm.PollingActive,
		ltssm.PollingConfiguration,
		ltssm.ConfigLinkwidthStart,
		ltssm.ConfigLinkwidthAccept,
		ltssm.ConfigLanenumWait,
		ltssm.ConfigLanenumAccept,
		ltssm.ConfigComplete,
		ltssm.ConfigCompleteTS,
		ltssm.ConfigIdle,
		ltssm.L0,
	}
	tests := []struct {
		name string
		opts phy.LinkOptions
	}{
		{"aligned", phy.LinkOptions{}},
		{"skew_1", phy.LinkOptions{Skew: 1}},
		{"skew_3", phy.LinkOptions{Skew: 3}},
		{"inverted", phy.LinkOptions{InvertAtoB: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPair(t, tt.opts, nil, nil)
			var rootTrail, epTrail []ltssm.State
			p.Root.OnTransition(func(_, to ltssm.State, _ pcie.Tick) { rootTrail = append(rootTrail, to) })
			p.EP.OnTransition(func(_, to ltssm.State, _ pcie.Tick) { epTrail = append(epTrail, to) })

			if _, ok := p.RunUntil(trainBudget, func() bool { return p.EP.LTSSM().LinkUp() && p.Root.LTSSM().LinkUp() }); !ok {
				t.Fatalf("no L0: rp %v, ep %v", p.Root.LTSSM().State(), p.EP.LTSSM().State())
			}
			if diff := cmp.Diff(want, epTrail); diff != "" {
				t.Errorf("endpoint trajectory mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want, rootTrail); diff != "" {
				t.Errorf("root port trajectory mismatch (-want +got):\n%s", diff)
			}

			st := p.EP.Status().LTSSM
			if st.LinkNumber != 1 || st.LaneNumber != 0 || !st.Scrambling {
				t.Errorf("endpoint status = %+v, want link 1 lane 0 scrambled", st)
			}
			wantInv := tt.opts.InvertAtoB
			if got := p.Link.B.RxInverted(); got != wantInv {
				t.Errorf("endpoint RxInverted() = %v, want %v", got, wantInv)
			}
			if got := p.EP.Stats().Inversions; (got == 1) != wantInv {
				t.Errorf("endpoint Inversions = %d, inverted %v", got, wantInv)
			}

			train(t, p)
			s := p.EP.Stats()
			if s.DLLPsReceived == 0 || s.DLLPsSent == 0 || s.DLLPCRCErrors != 0 {
				t.Errorf("endpoint DLLP stats = %+v", s)
			}
		})
	}
}

func TestConfigReadOverLink(t *testing.T) {
	ep, err := cfgspace.NewEndpoint(cfgspace.DefaultTemplate(0x1234, 0xABCD, pcie.Gen1), nil)
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	en := enumerate.New(nil, nil)
	p := newTestPair(t, phy.LinkOptions{Skew: 2}, en, ep)

	if n, ok := p.RunUntil(trainBudget+20000, en.Done); !ok {
		t.Fatalf("enumeration not done after %d ticks", n)
	}
	rep, err := en.Report()
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if got := rep.Header[:4]; !cmp.Equal(got, []byte{0x34, 0x12, 0xCD, 0xAB}) {
		t.Errorf("register 0 = % x, want 34 12 cd ab", got)
	}
	if len(rep.Caps) != 1 || rep.Caps[0].ID != cfgspace.CapIDPCIe {
		t.Errorf("Caps = %+v, want one PCI Express capability", rep.Caps)
	}
	if rep.LinkStatus&0x80F != 0x1 {
		t.Errorf("LinkStatus = %#x, want trained at 2.5GT/s", rep.LinkStatus)
	}
	if got := ep.Responder().ID(); got != rep.Target {
		t.Errorf("captured ID = %v, want %v", got, rep.Target)
	}
}

// faultyLane flips the data bits of the word following the first n STP
// words it receives.
type faultyLane struct {
	*phy.VirtualLane
	n       int
	corrupt bool
	flipped int
}

func (f *faultyLane) RxWord() pcie.Word {
	w := f.VirtualLane.RxWord()
	if f.corrupt {
		f.corrupt = false
		for i, s := range w.Symbols {
			if w.Valid[i] && !s.IsControl() {
				w.Symbols[i] = s ^ 1
			}
		}
		f.flipped++
	}
	if f.n > 0 && w.Valid[0] && w.Symbols[0] == pcie.STP {
		f.n--
		f.corrupt = true
	}
	return w
}

func TestNakReplayOverLink(t *testing.T) {
	vl := phy.NewVirtualLink(phy.LinkOptions{})
	epCfg, rootCfg := testConfig("ep"), testConfig("rp")
	rootCfg.LTSSM.Role = ltssm.Downstream

	ep, err := cfgspace.NewEndpoint(cfgspace.DefaultTemplate(0x1234, 0xABCD, pcie.Gen1), nil)
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	en := enumerate.New(nil, nil)
	lane := &faultyLane{VirtualLane: vl.B, n: 2}
	root, err := New(rootCfg, vl.A, en, nil)
	if err != nil {
		t.Fatalf("New(root) error = %v", err)
	}
	epPort, err := New(epCfg, lane, ep, nil)
	if err != nil {
		t.Fatalf("New(ep) error = %v", err)
	}
	p := &Pair{Link: vl, Root: root, EP: epPort}

	if n, ok := p.RunUntil(trainBudget+20000, en.Done); !ok {
		t.Fatalf("enumeration not done after %d ticks", n)
	}
	if _, err := en.Report(); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if lane.flipped != 2 {
		t.Fatalf("corrupted %d TLPs, want 2", lane.flipped)
	}
	es, rs := epPort.Stats(), root.Stats()
	if es.LCRCErrors != 2 || es.NaksSent == 0 {
		t.Errorf("endpoint LCRCErrors, NaksSent = %d, %d, want 2, > 0", es.LCRCErrors, es.NaksSent)
	}
	if rs.NaksReceived == 0 || rs.Replays == 0 {
		t.Errorf("root NaksReceived, Replays = %d, %d, want > 0", rs.NaksReceived, rs.Replays)
	}
	if got := epPort.DLL().Stats().Duplicates; got != 0 {
		t.Errorf("endpoint Duplicates = %d, want 0", got)
	}
}

func cfgRd(tag uint8) []byte {
	return tlp.NewCfgRd0(tlp.DeviceID{}, tag, tlp.DeviceID{Bus: 1}, 0).Bytes()
}

func TestBackPressure(t *testing.T) {
	p := newTestPair(t, phy.LinkOptions{}, nil, nil)
	train(t, p)

	slots := p.Root.cfg.DLL.RetrySlots
	var accepted int
	for i := 0; i < slots+2; i++ {
		if _, err := p.Root.Submit(cfgRd(uint8(i))); err != nil {
			if !errors.Is(err, common.ErrCode(pcie.ErrRetryBufferFull)) {
				t.Fatalf("Submit() error = %v, want retry buffer full", err)
			}
			break
		}
		accepted++
	}
	if accepted != slots {
		t.Fatalf("accepted %d TLPs, want %d", accepted, slots)
	}
	if _, ok := p.RunUntil(2000, func() bool { return len(p.Root.DLL().Outstanding()) == 0 }); !ok {
		t.Fatalf("retry buffer still holds %v", p.Root.DLL().Outstanding())
	}
	if got := p.EP.DLL().Stats().TLPsDelivered; got != uint64(slots) {
		t.Errorf("endpoint TLPsDelivered = %d, want %d", got, slots)
	}
	if _, err := p.Root.Submit(cfgRd(9)); err != nil {
		t.Errorf("Submit() after acks error = %v", err)
	}
}

func TestRetrainKeepsRetryBuffer(t *testing.T) {
	p := newTestPair(t, phy.LinkOptions{}, nil, nil)
	train(t, p)

	for i := 0; i < 2; i++ {
		if _, err := p.Root.Submit(cfgRd(uint8(i))); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	p.Root.LTSSM().RequestRetrain()
	p.Tick()
	if got := p.Root.DLL().State(); got != dll.Inactive {
		t.Fatalf("root DLL state = %v, want %v", got, dll.Inactive)
	}
	if got := len(p.Root.DLL().Outstanding()); got != 2 {
		t.Fatalf("Outstanding() = %d entries, want 2", got)
	}

	if _, ok := p.RunUntil(trainBudget, func() bool {
		return p.Up() && len(p.Root.DLL().Outstanding()) == 0
	}); !ok {
		t.Fatalf("retry buffer not drained: %v", p.Root.DLL().Outstanding())
	}
	if got := p.EP.DLL().Stats().TLPsDelivered; got != 2 {
		t.Errorf("endpoint TLPsDelivered = %d, want 2", got)
	}
	for _, port := range []*Port{p.Root, p.EP} {
		l := port.LTSSM()
		if l.Visits(ltssm.RecoveryRcvrLock) == 0 || l.Visits(ltssm.DetectQuiet) != 1 {
			t.Errorf("%s visits: RcvrLock %d, Detect.Quiet %d, want Recovery without Detect",
				port.Name(), l.Visits(ltssm.RecoveryRcvrLock), l.Visits(ltssm.DetectQuiet))
		}
	}
}

type recorder struct {
	words  map[Direction]int
	events []Event
}

func (r *recorder) TraceWord(_ pcie.Tick, _ string, dir Direction, _ pcie.Word) { r.words[dir]++ }
func (r *recorder) TraceEvent(_ pcie.Tick, _ string, ev Event)                  { r.events = append(r.events, ev) }

func TestTracer(t *testing.T) {
	p := newTestPair(t, phy.LinkOptions{}, nil, nil)
	rec := &recorder{words: map[Direction]int{}}
	p.EP.SetTracer(rec)
	train(t, p)

	if rec.words[RX] != int(p.EP.Now()) || rec.words[TX] != int(p.EP.Now()) {
		t.Errorf("traced %d RX and %d TX words over %d ticks", rec.words[RX], rec.words[TX], p.EP.Now())
	}
	kinds := map[EventKind]int{}
	for _, ev := range rec.events {
		kinds[ev.Kind]++
	}
	if kinds[EventLTSSM] != 11 || kinds[EventDLL] != 3 || kinds[EventDLLP] == 0 {
		t.Errorf("event counts = %v, want 11 LTSSM, 3 DLL and some DLLPs", kinds)
	}
	if rec.events[0].Text != "Detect.Quiet -> Detect.Active" {
		t.Errorf("first event = %q", rec.events[0].Text)
	}
}
