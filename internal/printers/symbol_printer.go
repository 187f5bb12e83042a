package printers

import (
	"io"
	"strings"

	"pcielink/internal/link"
	"pcielink/internal/pcie"
)

// SymbolPrinter prints every word crossing a port, one line per tick and
// direction.
type SymbolPrinter struct {
	ItemPrinter
	skipIdle bool
	dirs     map[link.Direction]bool
}

// NewSymbolPrinter creates a printer for both directions.
func NewSymbolPrinter(writer io.Writer) *SymbolPrinter {
	return &SymbolPrinter{
		ItemPrinter: *NewItemPrinter(writer),
		dirs:        map[link.Direction]bool{link.RX: true, link.TX: true},
	}
}

// SkipIdle suppresses words that are empty or all logical idle.
func (p *SymbolPrinter) SkipIdle(skip bool) { p.skipIdle = skip }

// OnlyDirection restricts output to one direction.
func (p *SymbolPrinter) OnlyDirection(dir link.Direction) {
	p.dirs = map[link.Direction]bool{dir: true}
}

// TraceWord implements link.Tracer.
func (p *SymbolPrinter) TraceWord(tick pcie.Tick, port string, dir link.Direction, w pcie.Word) {
	if p.IsMuted() || !p.dirs[dir] {
		return
	}
	if p.skipIdle && (!w.AnyValid() || w.IsLogicalIdle()) {
		return
	}

	var sb strings.Builder
	sb.WriteString(p.prefix(uint64(tick), port))
	sb.WriteString(dir.String())
	sb.WriteString("; ")
	for i, s := range w.Symbols {
		if i > 0 {
			sb.WriteByte(' ')
		}
		switch {
		case !w.Valid[i]:
			sb.WriteString(" --")
		case s.IsControl():
			sb.WriteString(padLeft(s.String(), 3))
		default:
			sb.WriteString(" " + s.String())
		}
	}
	sb.WriteString("\n")
	p.ItemPrintLine(sb.String())
}

// TraceEvent implements link.Tracer; events are not printed here.
func (p *SymbolPrinter) TraceEvent(pcie.Tick, string, link.Event) {}

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat(" ", n-len(s)) + s
}
