// Command pcie_sim trains a virtual PCIe link between a root port model and
// an endpoint, enumerates the endpoint and prints the result.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"

	"pcielink/internal/common"
	"pcielink/internal/sim"
)

func main() {
	def := sim.NewConfig()
	profilePath := flag.String("profile", "", "Path to the INI link profile")
	skew := flag.Int("skew", 0, "Symbol skew on the virtual link (0..3)")
	invert := flag.Bool("invert", false, "Swap the differential pair in both directions")
	maxTicks := flag.Int("max_ticks", def.MaxTicks, "Give up after this many ticks")
	trace := flag.String("trace", sim.TraceNone, "Trace output: none, events, symbols or all")
	retrain := flag.Bool("retrain", false, "Force a retrain through Recovery after enumeration")

	flag.Parse()
	defer glog.Flush()

	cfg := sim.Config{
		ProfilePath:  *profilePath,
		Skew:         *skew,
		Invert:       *invert,
		MaxTicks:     *maxTicks,
		Trace:        *trace,
		Retrain:      *retrain,
		OutputWriter: os.Stdout,
		Log:          common.NewGlogLogger("pcie_sim"),
	}

	if err := sim.Run(cfg); err != nil {
		glog.Error(err)
		fmt.Printf("Error: %v\n", err)
		glog.Flush()
		os.Exit(1)
	}
}
