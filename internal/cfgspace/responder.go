package cfgspace

import (
	"errors"

	"pcielink/internal/common"
	"pcielink/internal/pcie"
	"pcielink/internal/tlp"
)

// Stats counts requests seen by a Responder.
type Stats struct {
	Reads       uint64
	Writes      uint64
	Unsupported uint64
	Dropped     uint64
	Malformed   uint64
}

// Responder answers type 0 configuration requests from a Space.
type Responder struct {
	space *Space
	// id is the routing ID captured from the last type 0 request.
	id    tlp.DeviceID
	stats Stats
	log   common.Logger
}

// NewResponder serves s.
func NewResponder(s *Space, log common.Logger) *Responder {
	return &Responder{space: s, log: common.OrNoOp(log)}
}

// Space returns the configuration space being served.
func (r *Responder) Space() *Space { return r.space }

// ID returns the captured bus/device/function.
func (r *Responder) ID() tlp.DeviceID { return r.id }

func (r *Responder) Stats() Stats { return r.stats }

// Handle decodes one TLP and returns the completion to send, if any.
// Posted requests and stray completions produce nothing.
func (r *Responder) Handle(body []byte) ([]byte, bool) {
	h, err := tlp.ParseHeader(body)
	if err != nil {
		r.stats.Malformed++
		r.log.Logf(common.SeverityWarning, "cfgspace: dropping malformed TLP: %v", err)
		return nil, false
	}
	switch h.Type.Kind() {
	case tlp.Posted:
		r.stats.Dropped++
		r.log.Logf(common.SeverityDebug, "cfgspace: dropping posted %v", h.Type)
		return nil, false
	case tlp.Completion:
		r.stats.Dropped++
		r.log.Logf(common.SeverityWarning, "cfgspace: unexpected %v", h.Type)
		return nil, false
	}

	if h.Type == tlp.CfgRd0 || h.Type == tlp.CfgWr0 {
		req, err := tlp.ParseCfgRequest(body)
		if err != nil {
			r.stats.Malformed++
			r.log.Logf(common.SeverityWarning, "cfgspace: %v", err)
			return r.unsupported(body)
		}
		return r.config(req)
	}
	return r.unsupported(body)
}

func (r *Responder) config(req tlp.CfgRequest) ([]byte, bool) {
	cpl := tlp.CompletionTLP{
		CompleterID: req.Target,
		RequesterID: req.RequesterID,
		Tag:         req.Tag,
	}
	if req.Target.Function != 0 {
		r.stats.Unsupported++
		cpl.Status = tlp.UnsupportedRequest
		return r.encode(cpl)
	}
	r.id = req.Target
	if req.Write() {
		r.stats.Writes++
		r.space.WriteDW(req.Register, req.FirstBE, req.Data)
		r.log.Logf(common.SeverityDebug, "cfgspace: write reg %#x be %#x data % x", req.Register, req.FirstBE, req.Data)
		return r.encode(cpl)
	}
	r.stats.Reads++
	dw := r.space.ReadDW(req.Register)
	cpl.ByteCount = 4
	cpl.Data = dw[:]
	return r.encode(cpl)
}

// unsupported answers a non-posted request the function does not implement.
func (r *Responder) unsupported(body []byte) ([]byte, bool) {
	req, tag, err := tlp.RequestID(body)
	if err != nil {
		r.stats.Malformed++
		r.log.Logf(common.SeverityWarning, "cfgspace: cannot complete: %v", err)
		return nil, false
	}
	r.stats.Unsupported++
	r.log.Logf(common.SeverityInfo, "cfgspace: unsupported request from %v tag %d", req, tag)
	return r.encode(tlp.CompletionTLP{
		CompleterID: r.id,
		Status:      tlp.UnsupportedRequest,
		RequesterID: req,
		Tag:         tag,
	})
}

func (r *Responder) encode(c tlp.CompletionTLP) ([]byte, bool) {
	b, err := c.Bytes()
	if err != nil {
		r.log.Error(err)
		return nil, false
	}
	return b, true
}

// Endpoint is the transaction layer of a single function endpoint. It
// answers requests through a Responder and queues completions until the
// data link layer accepts them.
type Endpoint struct {
	resp    *Responder
	pending [][]byte
	log     common.Logger
}

// NewEndpoint builds the space from t.
func NewEndpoint(t *Template, log common.Logger) (*Endpoint, error) {
	s, err := t.Build()
	if err != nil {
		return nil, err
	}
	log = common.OrNoOp(log)
	return &Endpoint{resp: NewResponder(s, log), log: log}, nil
}

func (e *Endpoint) Responder() *Responder { return e.resp }

// Pending returns the number of completions waiting for the link.
func (e *Endpoint) Pending() int { return len(e.pending) }

// HandleTLP implements tlp.Layer.
func (e *Endpoint) HandleTLP(body []byte) {
	if cpl, ok := e.resp.Handle(body); ok {
		e.pending = append(e.pending, cpl)
	}
}

// Tick implements tlp.Layer. Completions go out in order; the first one
// refused stays at the head of the queue for the next tick.
func (e *Endpoint) Tick(tx tlp.Submitter) {
	for len(e.pending) > 0 {
		_, err := tx.Submit(e.pending[0])
		if err != nil {
			if retryable(err) {
				return
			}
			e.log.Error(err)
		}
		e.pending[0] = nil
		e.pending = e.pending[1:]
	}
}

// SetLinkStatus mirrors the trained link speed into the Link Status
// register of the PCI Express capability.
func (e *Endpoint) SetLinkStatus(speed pcie.Speed, training bool) {
	s := e.resp.space
	off, ok := s.FindCapability(CapIDPCIe)
	if !ok {
		return
	}
	v := s.Read16(off+PCIeCapLinkStat)&^0x080F | uint16(speed)+1
	if training {
		v |= 1 << 11
	}
	s.put16(off+PCIeCapLinkStat, v)
}

func retryable(err error) bool {
	for _, code := range []pcie.Err{pcie.ErrLinkDown, pcie.ErrNoCredits, pcie.ErrRetryBufferFull} {
		if errors.Is(err, common.ErrCode(code)) {
			return true
		}
	}
	return false
}
