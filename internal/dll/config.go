package dll

import (
	"pcielink/internal/common"
	"pcielink/internal/pcie"
	"pcielink/internal/tlp"
)

// Credits is a flow control advertisement. Header credits are 8 bits and
// data credits 12; zero advertises an infinite supply.
type Credits struct {
	PH, PD   int
	NPH, NPD int
	CplH     int
	CplD     int
}

// DefaultCredits is what an endpoint advertises out of reset. Completion
// credits must be infinite for an endpoint.
func DefaultCredits() Credits {
	return Credits{PH: 32, PD: 0xE0, NPH: 32, NPD: 0xE0}
}

// Class returns the header and data credits for one class.
func (c Credits) Class(k tlp.Kind) (hdr, data int) {
	switch k {
	case tlp.Posted:
		return c.PH, c.PD
	case tlp.NonPosted:
		return c.NPH, c.NPD
	}
	return c.CplH, c.CplD
}

// Config holds the data link layer parameters.
type Config struct {
	// RetrySlots is the number of unacknowledged TLPs the retry buffer
	// holds; RetryDepth bounds each one in words and must be a power of
	// two.
	RetrySlots int
	RetryDepth int
	// ReplayTimeout is in ticks since the last transmission or ack.
	ReplayTimeout int
	// UpdateFCInterval is in ticks between UpdateFC rotations.
	UpdateFCInterval int
	Credits          Credits
}

// NewConfig returns the defaults: four 512-byte slots and the Gen1 replay
// timeout.
func NewConfig() *Config {
	return &Config{
		RetrySlots:       4,
		RetryDepth:       128,
		ReplayTimeout:    462,
		UpdateFCInterval: 3125,
		Credits:          DefaultCredits(),
	}
}

func (c *Config) validate() error {
	if c.ReplayTimeout <= 0 || c.UpdateFCInterval <= 0 {
		return common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal,
			"replay timeout %d and update interval %d must be positive", c.ReplayTimeout, c.UpdateFCInterval)
	}
	for _, k := range []tlp.Kind{tlp.Posted, tlp.NonPosted, tlp.Completion} {
		h, d := c.Credits.Class(k)
		if h < 0 || h > 0xFF || d < 0 || d > 0xFFF {
			return common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal, "%v credits %d/%d out of range", k, h, d)
		}
	}
	return nil
}
