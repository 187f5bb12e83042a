// Package sim runs a root port model against an endpoint over a virtual
// link and reports what happened.
package sim

import (
	"fmt"
	"io"
	"os"
	"strings"

	"pcielink/internal/cfgspace"
	"pcielink/internal/common"
	"pcielink/internal/enumerate"
	"pcielink/internal/link"
	"pcielink/internal/ltssm"
	"pcielink/internal/pcie"
	"pcielink/internal/phy"
	"pcielink/internal/printers"
	"pcielink/internal/profile"
)

// Trace levels accepted by Config.Trace.
const (
	TraceNone    = "none"
	TraceEvents  = "events"
	TraceSymbols = "symbols"
	TraceAll     = "all"
)

// Config mirrors the command line arguments of pcie_sim.
type Config struct {
	// ProfilePath is optional; the default profile is used when empty.
	ProfilePath string
	Skew        int
	Invert      bool
	MaxTicks    int
	Trace       string
	// Retrain forces a trip through Recovery after enumeration.
	Retrain      bool
	OutputWriter io.Writer
	Log          common.Logger
}

// NewConfig returns the defaults used by the command.
func NewConfig() Config {
	return Config{MaxTicks: 2_000_000, Trace: TraceNone}
}

type step struct {
	state ltssm.State
	tick  pcie.Tick
}

// Run trains the link, enumerates the endpoint and prints a summary.
func Run(cfg Config) error {
	w := cfg.OutputWriter
	if w == nil {
		w = os.Stdout
	}
	log := common.OrNoOp(cfg.Log)
	if cfg.Skew < 0 || cfg.Skew >= pcie.WordSize {
		return fmt.Errorf("skew %d out of range 0..%d", cfg.Skew, pcie.WordSize-1)
	}

	fmt.Fprintln(w, "PCIe Link Simulator: Gen1/Gen2 x1 endpoint")
	fmt.Fprintln(w, "------------------------------------------")

	prof := profile.Default()
	if cfg.ProfilePath != "" {
		fmt.Fprintf(w, "Reading profile %s\n", cfg.ProfilePath)
		var err error
		if prof, err = profile.Load(cfg.ProfilePath); err != nil {
			return fmt.Errorf("failed to read profile: %w", err)
		}
	}
	for _, warn := range prof.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warn)
		log.Warning(warn)
	}

	ep, err := cfgspace.NewEndpoint(prof.Device, log)
	if err != nil {
		return fmt.Errorf("error building config space: %w", err)
	}
	ecfg := enumerate.NewConfig()
	ecfg.CompletionTimeout = 50 * prof.Link.LTSSM.TicksPerMs
	enum := enumerate.New(ecfg, log)

	rootCfg := *prof.Link
	rootCfg.Name = "rp"
	opts := phy.LinkOptions{Skew: cfg.Skew, InvertBtoA: cfg.Invert, InvertAtoB: cfg.Invert}
	pair, err := link.NewPair(opts, &rootCfg, prof.Link, enum, ep, log)
	if err != nil {
		return fmt.Errorf("error creating link: %w", err)
	}

	var traj []step
	pair.EP.OnTransition(func(_, to ltssm.State, tick pcie.Tick) {
		traj = append(traj, step{to, tick})
	})
	events := printers.NewEventPrinter(w)
	events.SetCollectStats()
	if err := attachTracers(pair, cfg.Trace, w, events); err != nil {
		return err
	}

	ticks, ok := pair.RunUntil(cfg.MaxTicks, pair.Up)
	if !ok {
		return fmt.Errorf("link did not come up within %d ticks (endpoint in %v)", cfg.MaxTicks, pair.EP.LTSSM().State())
	}
	st := pair.EP.Status().LTSSM
	fmt.Fprintf(w, "Link up after %d ticks: %v, link %d lane %d, scrambling %v\n",
		ticks, st.Speed, st.LinkNumber, st.LaneNumber, st.Scrambling)

	n, ok := pair.RunUntil(cfg.MaxTicks-ticks, enum.Done)
	ticks += n
	if !ok {
		return fmt.Errorf("enumeration did not finish within %d ticks", cfg.MaxTicks)
	}
	rep, err := enum.Report()
	if err != nil {
		return fmt.Errorf("enumeration failed: %w", err)
	}
	printReport(w, &rep)

	if cfg.Retrain {
		pair.Root.LTSSM().RequestRetrain()
		pair.Tick()
		n, ok = pair.RunUntil(cfg.MaxTicks-ticks, pair.Up)
		ticks += n
		if !ok {
			return fmt.Errorf("link did not recover within %d ticks", cfg.MaxTicks)
		}
		fmt.Fprintf(w, "Link recovered after %d ticks\n", n)
	}

	fmt.Fprintln(w, "Endpoint LTSSM trajectory:")
	for _, s := range traj {
		fmt.Fprintf(w, "  %8d %v\n", s.tick, s.state)
	}
	printStats(w, pair.Root.Name(), pair.Root.Stats())
	printStats(w, pair.EP.Name(), pair.EP.Stats())
	if cfg.Trace != TraceNone && cfg.Trace != "" {
		events.PrintStats()
	}
	return nil
}

func attachTracers(pair *link.Pair, level string, w io.Writer, events *printers.EventPrinter) error {
	var tracers []link.Tracer
	switch level {
	case TraceNone, "":
		events.SetMute(true)
		tracers = append(tracers, events)
	case TraceEvents:
		tracers = append(tracers, events)
	case TraceSymbols, TraceAll:
		words := printers.NewSymbolPrinter(w)
		words.SkipIdle(true)
		tracers = append(tracers, words, events)
		if level == TraceSymbols {
			events.SetMute(true)
		}
	default:
		return fmt.Errorf("unknown trace level %q", level)
	}
	pair.Root.SetTracer(tracers...)
	pair.EP.SetTracer(tracers...)
	return nil
}

func printReport(w io.Writer, r *enumerate.Report) {
	fmt.Fprintf(w, "Found %s\n", r)
	fmt.Fprintf(w, "  command %04x status %04x header type %02x\n", r.Command, r.Status, r.HeaderType)
	for _, c := range r.Caps {
		fmt.Fprintf(w, "  cap 0x%02x: %s\n", c.Offset, enumerate.CapabilityName(c.ID))
	}
	if r.LinkCap != 0 {
		fmt.Fprintf(w, "  link cap %08x, link status %04x\n", r.LinkCap, r.LinkStatus)
	}
}

func printStats(w io.Writer, name string, s link.Stats) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Port %s:-\n", name)
	rows := []struct {
		name string
		v    uint64
	}{
		{"TS sent", s.TSSent},
		{"TS received", s.TSReceived},
		{"bad TS", s.BadTS},
		{"SKP sent", s.SKPSent},
		{"SKP received", s.SKPReceived},
		{"inversions", s.Inversions},
		{"error symbols", s.ErrorSymbols},
		{"DLLPs sent", s.DLLPsSent},
		{"DLLPs received", s.DLLPsReceived},
		{"DLLP CRC errors", s.DLLPCRCErrors},
		{"TLPs sent", s.TLPsSent},
		{"TLPs received", s.TLPsReceived},
		{"TLPs delivered", s.TLPsDelivered},
		{"LCRC errors", s.LCRCErrors},
		{"Naks sent", s.NaksSent},
		{"Naks received", s.NaksReceived},
		{"replays", s.Replays},
		{"FIFO overflows", s.FIFOOverflows},
		{"LTSSM transitions", s.Transitions},
	}
	for _, r := range rows {
		fmt.Fprintf(&sb, "  %-18s: %d\n", r.name, r.v)
	}
	io.WriteString(w, sb.String())
}
