package link

import (
	"pcielink/internal/common"
	"pcielink/internal/ltssm"
	"pcielink/internal/phy"
	"pcielink/internal/tlp"
)

// Pair is a root port model and an endpoint joined by a VirtualLink. Tick
// always runs the root port first so runs are reproducible.
type Pair struct {
	Link *phy.VirtualLink
	Root *Port
	EP   *Port
}

// NewPair builds both ports. The roles in rootCfg and epCfg are forced to
// downstream and upstream respectively; nil configs take the defaults.
func NewPair(opts phy.LinkOptions, rootCfg, epCfg *Config, rootTL, epTL tlp.Layer, log common.Logger) (*Pair, error) {
	if rootCfg == nil {
		rootCfg = NewConfig()
		rootCfg.Name = "rp"
	}
	if epCfg == nil {
		epCfg = NewConfig()
	}
	rc, ec := *rootCfg, *epCfg
	rc.LTSSM.Role = ltssm.Downstream
	ec.LTSSM.Role = ltssm.Upstream

	vl := phy.NewVirtualLink(opts)
	root, err := New(&rc, vl.A, rootTL, log)
	if err != nil {
		return nil, err
	}
	ep, err := New(&ec, vl.B, epTL, log)
	if err != nil {
		return nil, err
	}
	return &Pair{Link: vl, Root: root, EP: ep}, nil
}

// Tick advances both ports by one word.
func (p *Pair) Tick() {
	p.Root.Tick()
	p.EP.Tick()
}

// RunUntil ticks until done returns true or max ticks have passed. It
// returns the number of ticks run and whether done was reached.
func (p *Pair) RunUntil(max int, done func() bool) (int, bool) {
	for i := 0; i < max; i++ {
		if done() {
			return i, true
		}
		p.Tick()
	}
	return max, done()
}

// Up reports whether both data link layers are active.
func (p *Pair) Up() bool { return p.Root.DLL().Up() && p.EP.DLL().Up() }
