// Package enumerate is a root port transaction layer that walks the
// configuration space of the function below it.
package enumerate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"pcielink/internal/common"
	"pcielink/internal/pcie"
	"pcielink/internal/tlp"
)

const (
	headerDWs = 16
	capPtrReg = 0x34 / 4
	maxCaps   = 48

	capIDPCIe = 0x10
)

var le = binary.LittleEndian

// Config selects the function to walk.
type Config struct {
	RequesterID tlp.DeviceID
	Target      tlp.DeviceID
	// Command, when set, is written to the Command register after the
	// header has been read and then read back.
	Command *uint16
	// CompletionTimeout is in ticks from submission.
	CompletionTimeout int
}

// NewConfig targets bus 1 device 0 from the root at 00:00.0.
func NewConfig() *Config {
	return &Config{
		Target:            tlp.DeviceID{Bus: 1},
		CompletionTimeout: 125000 * 50,
	}
}

// Capability is one entry found on the capability list.
type Capability struct {
	Offset int
	ID     uint8
	Next   int
}

// Report is what the walk found.
type Report struct {
	Target     tlp.DeviceID
	VendorID   uint16
	DeviceID   uint16
	Command    uint16
	Status     uint16
	Revision   uint8
	ClassCode  uint32
	HeaderType uint8
	Header     [headerDWs * 4]byte
	Caps       []Capability
	// LinkCap and LinkStatus come from the PCI Express capability when
	// there is one.
	LinkCap    uint32
	LinkStatus uint16
	// CommandReadBack is the Command register after the optional write.
	CommandReadBack uint16
}

func (r *Report) String() string {
	return fmt.Sprintf("%v [%04x:%04x] class %06x rev %02x, %d capabilities",
		r.Target, r.VendorID, r.DeviceID, r.ClassCode, r.Revision, len(r.Caps))
}

// CapabilityName names the common capability IDs.
func CapabilityName(id uint8) string {
	switch id {
	case 0x01:
		return "Power Management"
	case 0x05:
		return "MSI"
	case 0x10:
		return "PCI Express"
	case 0x11:
		return "MSI-X"
	}
	return fmt.Sprintf("Capability 0x%02x", id)
}

var (
	errNoDevice = errors.New("no function responded")
	errTimeout  = errors.New("completion timeout")
)

// op is either a request with an optional completion handler or, when
// step is set, a local step.
type op struct {
	req  tlp.CfgRequest
	done func(data [4]byte)
	step func()
}

// Enumerator issues one configuration request at a time and builds a
// Report from the completions.
type Enumerator struct {
	cfg Config
	log common.Logger

	ops     []op
	cur     *op
	waiting int
	tag     uint8
	seen    map[int]bool

	report Report
	err    error
	done   bool
}

// New queues the header read. Nothing is sent until Tick.
func New(cfg *Config, log common.Logger) *Enumerator {
	if cfg == nil {
		cfg = NewConfig()
	}
	e := &Enumerator{cfg: *cfg, log: common.OrNoOp(log), seen: make(map[int]bool)}
	e.report.Target = cfg.Target
	for reg := 0; reg < headerDWs; reg++ {
		reg := reg
		e.read(reg, func(dw [4]byte) { copy(e.report.Header[reg*4:], dw[:]) })
	}
	e.then(e.decodeHeader)
	return e
}

// Done reports whether the walk has finished, successfully or not.
func (e *Enumerator) Done() bool { return e.done }

// Report returns the result once Done.
func (e *Enumerator) Report() (Report, error) { return e.report, e.err }

func (e *Enumerator) read(reg int, done func([4]byte)) {
	e.ops = append(e.ops, op{req: tlp.NewCfgRd0(e.cfg.RequesterID, 0, e.cfg.Target, reg), done: done})
}

func (e *Enumerator) write(reg int, be uint8, data [4]byte) {
	e.ops = append(e.ops, op{req: tlp.NewCfgWr0(e.cfg.RequesterID, 0, e.cfg.Target, reg, be, data)})
}

// then runs f once every op queued before it has completed.
func (e *Enumerator) then(f func()) {
	e.ops = append(e.ops, op{step: f})
}

func (e *Enumerator) decodeHeader() {
	h := e.report.Header[:]
	r := &e.report
	r.VendorID = le.Uint16(h[0x00:])
	r.DeviceID = le.Uint16(h[0x02:])
	r.Command = le.Uint16(h[0x04:])
	r.Status = le.Uint16(h[0x06:])
	r.Revision = h[0x08]
	r.ClassCode = le.Uint32(h[0x08:]) >> 8
	r.HeaderType = h[0x0E]
	if r.VendorID == 0xFFFF || r.VendorID == 0 {
		e.fail(errNoDevice)
		return
	}
	if r.Status&(1<<4) != 0 {
		e.capability(int(h[capPtrReg*4]) &^ 3)
	}
	if e.cfg.Command != nil {
		var dw [4]byte
		le.PutUint16(dw[:], *e.cfg.Command)
		e.write(1, 0x3, dw)
		e.read(1, func(dw [4]byte) { r.CommandReadBack = le.Uint16(dw[:]) })
	}
	e.then(e.finish)
}

// capability reads the entry at off and chains to the next one.
func (e *Enumerator) capability(off int) {
	if off == 0 {
		return
	}
	if off < 0x40 || e.seen[off] || len(e.seen) >= maxCaps {
		e.log.Logf(common.SeverityWarning, "enumerate: capability list broken at %#x", off)
		return
	}
	e.seen[off] = true
	e.pushFront(op{req: tlp.NewCfgRd0(e.cfg.RequesterID, 0, e.cfg.Target, off/4), done: func(dw [4]byte) {
		c := Capability{Offset: off, ID: dw[off%4], Next: int(dw[off%4+1]) &^ 3}
		e.report.Caps = append(e.report.Caps, c)
		if c.ID == capIDPCIe {
			e.pushFront(op{req: tlp.NewCfgRd0(e.cfg.RequesterID, 0, e.cfg.Target, (off+0x10)/4), done: func(dw [4]byte) {
				e.report.LinkStatus = le.Uint16(dw[2:])
			}})
			e.pushFront(op{req: tlp.NewCfgRd0(e.cfg.RequesterID, 0, e.cfg.Target, (off+0x0C)/4), done: func(dw [4]byte) {
				e.report.LinkCap = le.Uint32(dw[:])
			}})
		}
		e.capability(c.Next)
	}})
}

// pushFront queues o ahead of everything not yet sent, so the capability
// walk finishes before the ops queued after it.
func (e *Enumerator) pushFront(o op) {
	e.ops = append([]op{o}, e.ops...)
}

func (e *Enumerator) finish() {
	e.done = true
	e.log.Logf(common.SeverityInfo, "enumerate: %v", &e.report)
}

func (e *Enumerator) fail(err error) {
	e.err = err
	e.ops = nil
	e.cur = nil
	e.done = true
	e.log.Logf(common.SeverityError, "enumerate: %v: %v", e.cfg.Target, err)
}

// HandleTLP implements tlp.Layer.
func (e *Enumerator) HandleTLP(body []byte) {
	c, err := tlp.ParseCompletion(body)
	if err != nil {
		e.log.Logf(common.SeverityDebug, "enumerate: ignoring TLP: %v", err)
		return
	}
	if e.cur == nil || c.Tag != e.cur.req.Tag {
		e.log.Logf(common.SeverityWarning, "enumerate: unexpected completion %v", c)
		return
	}
	cur := e.cur
	e.cur = nil
	if c.Status != tlp.SuccessfulCompletion {
		e.fail(fmt.Errorf("%v completed with %v", cur.req, c.Status))
		return
	}
	var dw [4]byte
	copy(dw[:], c.Data)
	if cur.done != nil {
		cur.done(dw)
	}
}

// Tick implements tlp.Layer. Local steps run immediately; at most one
// request is outstanding.
func (e *Enumerator) Tick(tx tlp.Submitter) {
	if e.cur != nil {
		e.waiting++
		if e.cfg.CompletionTimeout > 0 && e.waiting > e.cfg.CompletionTimeout {
			e.fail(fmt.Errorf("%w: %v", errTimeout, e.cur.req))
		}
		return
	}
	for len(e.ops) > 0 && !e.done {
		o := e.ops[0]
		if o.step != nil {
			e.ops = e.ops[1:]
			o.step()
			continue
		}
		o.req.Tag = e.tag
		if _, err := tx.Submit(o.req.Bytes()); err != nil {
			if !errors.Is(err, common.ErrCode(pcie.ErrLinkDown)) {
				e.log.Logf(common.SeverityDebug, "enumerate: %v", err)
			}
			return
		}
		e.ops = e.ops[1:]
		e.tag++
		e.cur = &o
		e.waiting = 0
		return
	}
}
