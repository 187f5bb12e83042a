package link

import (
	"pcielink/internal/common"
	"pcielink/internal/dll"
	"pcielink/internal/ltssm"
	"pcielink/internal/pcie"
)

// Config holds everything a Port needs.
type Config struct {
	// Name tags log lines and trace output.
	Name string
	// SymbolsPerTick is the lane width of the word pipeline. Only 4 is
	// supported.
	SymbolsPerTick int
	LTSSM          ltssm.Config
	DLL            dll.Config
}

// NewConfig returns an upstream port with the default training and data
// link parameters.
func NewConfig() *Config {
	return &Config{
		Name:           "ep",
		SymbolsPerTick: pcie.WordSize,
		LTSSM:          *ltssm.NewConfig(),
		DLL:            *dll.NewConfig(),
	}
}

func (c *Config) validate() error {
	if c.SymbolsPerTick != pcie.WordSize {
		return common.NewErrorf(pcie.ErrSevError, pcie.ErrStreamRatio,
			"misconfigured stream ratio: %d symbols per tick, need %d", c.SymbolsPerTick, pcie.WordSize)
	}
	return nil
}
