// Package printers renders link trace output as text lines.
package printers

import (
	"fmt"
	"io"

	"pcielink/internal/common"
)

// ItemPrinter holds the output state shared by the trace printers.
type ItemPrinter struct {
	writer        io.Writer
	log           common.Logger
	muted         bool
	portPrintMute bool
	lines         int
}

// NewItemPrinter constructs an ItemPrinter using the given io.Writer.
func NewItemPrinter(writer io.Writer) *ItemPrinter {
	return &ItemPrinter{
		writer: writer,
	}
}

// SetMessageLogger copies every printed line to logger at debug severity.
func (p *ItemPrinter) SetMessageLogger(logger common.Logger) {
	p.log = logger
}

// ItemPrintLine writes the given message to the writer and optionally logs it.
func (p *ItemPrinter) ItemPrintLine(msg string) {
	p.lines++
	if p.writer != nil {
		fmt.Fprint(p.writer, msg)
	}
	if p.log != nil {
		p.log.Debug(msg)
	}
}

// Lines returns how many lines have been printed.
func (p *ItemPrinter) Lines() int { return p.lines }

// SetMute sets the trace printer to mute (avoids output).
func (p *ItemPrinter) SetMute(mute bool) { p.muted = mute }

// IsMuted returns true if the trace printer is muted.
func (p *ItemPrinter) IsMuted() bool { return p.muted }

// MutePortPrint hides the port name in output lines.
func (p *ItemPrinter) MutePortPrint(mute bool) { p.portPrintMute = mute }

// PortPrintMuted returns whether port names are hidden.
func (p *ItemPrinter) PortPrintMuted() bool { return p.portPrintMute }

func (p *ItemPrinter) prefix(tick uint64, port string) string {
	if p.portPrintMute {
		return fmt.Sprintf("Tick%8d; ", tick)
	}
	return fmt.Sprintf("Tick%8d; %-4s; ", tick, port)
}
