package tlp

import "pcielink/internal/pcie"

// Submitter accepts TLP bodies for transmission. It refuses with a typed
// error when the link is down or short of retry space or credits; the
// caller keeps the body and tries again later.
type Submitter interface {
	Submit(body []byte) (pcie.Seq, error)
}

// Layer is a transaction layer sitting on top of the data link layer.
// HandleTLP is called for every TLP delivered in order, and Tick once per
// cycle after delivery.
type Layer interface {
	HandleTLP(body []byte)
	Tick(tx Submitter)
}
