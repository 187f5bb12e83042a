package printers

import (
	"fmt"
	"io"
	"strings"

	"pcielink/internal/link"
	"pcielink/internal/pcie"
)

// EventPrinter prints state changes and packet events.
type EventPrinter struct {
	ItemPrinter
	kinds        map[link.EventKind]bool
	collectStats bool
	counts       map[link.EventKind]int
}

// NewEventPrinter creates a printer for every event kind.
func NewEventPrinter(writer io.Writer) *EventPrinter {
	return &EventPrinter{
		ItemPrinter: *NewItemPrinter(writer),
		counts:      make(map[link.EventKind]int),
	}
}

// Only restricts output to the listed kinds. Counting is not affected.
func (p *EventPrinter) Only(kinds ...link.EventKind) {
	p.kinds = make(map[link.EventKind]bool, len(kinds))
	for _, k := range kinds {
		p.kinds[k] = true
	}
}

// TraceEvent implements link.Tracer.
func (p *EventPrinter) TraceEvent(tick pcie.Tick, port string, ev link.Event) {
	if p.collectStats {
		p.counts[ev.Kind]++
	}
	if p.IsMuted() || (p.kinds != nil && !p.kinds[ev.Kind]) {
		return
	}
	p.ItemPrintLine(fmt.Sprintf("%s%-5s; %s\n", p.prefix(uint64(tick), port), ev.Kind, ev.Text))
}

// TraceWord implements link.Tracer; words are not printed here.
func (p *EventPrinter) TraceWord(pcie.Tick, string, link.Direction, pcie.Word) {}

// SetCollectStats turns on per kind event counting.
func (p *EventPrinter) SetCollectStats() { p.collectStats = true }

// Count returns the number of events of kind seen since stats were enabled.
func (p *EventPrinter) Count(kind link.EventKind) int { return p.counts[kind] }

// PrintStats outputs the per kind event counts.
func (p *EventPrinter) PrintStats() {
	var sb strings.Builder

	sb.WriteString("Events processed:-\n")
	for k := link.EventLTSSM; k <= link.EventError; k++ {
		sb.WriteString(fmt.Sprintf("%-5s : %d\n", k, p.counts[k]))
	}
	sb.WriteString("\n")

	p.ItemPrintLine(sb.String())
}
