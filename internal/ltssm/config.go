package ltssm

import (
	"pcielink/internal/common"
	"pcielink/internal/pcie"
)

// Role selects which end of the link the state machine plays.
type Role int

const (
	// Upstream is the endpoint side: it adopts the link number offered to
	// it.
	Upstream Role = iota
	// Downstream is the root port side: it proposes the link number.
	Downstream
)

func (r Role) String() string {
	if r == Downstream {
		return "downstream"
	}
	return "upstream"
}

// ParseRole maps a profile value to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "upstream", "endpoint", "":
		return Upstream, nil
	case "downstream", "root", "rootport":
		return Downstream, nil
	}
	return Upstream, common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal, "unknown role %q", s)
}

// DefaultTicksPerMs is the tick rate of a 125 MHz word clock.
const DefaultTicksPerMs = 125000

// Config holds the training parameters.
type Config struct {
	Role Role
	// LinkNumber is proposed by a downstream port; an upstream port
	// ignores it.
	LinkNumber uint8
	NFTS       uint8
	MaxSpeed   pcie.Speed
	// DisableScrambling is advertised in every TS sent.
	DisableScrambling bool
	TicksPerMs        int
}

// NewConfig returns an upstream Gen1 configuration on the 125 MHz clock.
func NewConfig() *Config {
	return &Config{
		Role:       Upstream,
		LinkNumber: 0,
		NFTS:       0xFF,
		MaxSpeed:   pcie.Gen1,
		TicksPerMs: DefaultTicksPerMs,
	}
}

func (c *Config) validate() error {
	if c.TicksPerMs <= 0 {
		return common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal, "ticks per ms must be positive, got %d", c.TicksPerMs)
	}
	if c.MaxSpeed != pcie.Gen1 && c.MaxSpeed != pcie.Gen2 {
		return common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal, "unsupported max speed %v", c.MaxSpeed)
	}
	return nil
}
