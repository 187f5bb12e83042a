// Package dllp encodes, frames and deframes Data Link Layer Packets.
package dllp

import (
	"fmt"

	"pcielink/internal/crc"
	"pcielink/internal/pcie"
)

// Type is the DLLP type nibble (byte 0, bits 7:4).
type Type uint8

const (
	Ack         Type = 0x0
	Nak         Type = 0x1
	PM          Type = 0x2
	Vendor      Type = 0x3
	InitFC1P    Type = 0x4
	InitFC1NP   Type = 0x5
	InitFC1Cpl  Type = 0x6
	UpdateFCP   Type = 0x8
	UpdateFCNP  Type = 0x9
	UpdateFCCpl Type = 0xA
	InitFC2P    Type = 0xC
	InitFC2NP   Type = 0xD
	InitFC2Cpl  Type = 0xE
)

var typeNames = map[Type]string{
	Ack: "Ack", Nak: "Nak", PM: "PM", Vendor: "Vendor",
	InitFC1P: "InitFC1_P", InitFC1NP: "InitFC1_NP", InitFC1Cpl: "InitFC1_Cpl",
	UpdateFCP: "UpdateFC_P", UpdateFCNP: "UpdateFC_NP", UpdateFCCpl: "UpdateFC_Cpl",
	InitFC2P: "InitFC2_P", InitFC2NP: "InitFC2_NP", InitFC2Cpl: "InitFC2_Cpl",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%#x)", uint8(t))
}

// FCClass is the credit class an FC DLLP refers to.
type FCClass uint8

const (
	Posted FCClass = iota
	NonPosted
	Completion
)

func (c FCClass) String() string {
	switch c {
	case Posted:
		return "P"
	case NonPosted:
		return "NP"
	case Completion:
		return "Cpl"
	}
	return "?"
}

// FCPhase selects InitFC1, InitFC2 or UpdateFC.
type FCPhase uint8

const (
	PhaseInit1 FCPhase = iota
	PhaseInit2
	PhaseUpdate
)

// FCType returns the DLLP type for a phase and class.
func FCType(phase FCPhase, class FCClass) Type {
	base := map[FCPhase]Type{PhaseInit1: InitFC1P, PhaseInit2: InitFC2P, PhaseUpdate: UpdateFCP}[phase]
	return base + Type(class)
}

// IsFC reports whether t is an InitFC or UpdateFC type and returns its
// phase and class.
func (t Type) IsFC() (FCPhase, FCClass, bool) {
	switch {
	case t >= InitFC1P && t <= InitFC1Cpl:
		return PhaseInit1, FCClass(t - InitFC1P), true
	case t >= UpdateFCP && t <= UpdateFCCpl:
		return PhaseUpdate, FCClass(t - UpdateFCP), true
	case t >= InitFC2P && t <= InitFC2Cpl:
		return PhaseInit2, FCClass(t - InitFC2P), true
	}
	return 0, 0, false
}

// DLLP is the structured form of the 4-byte DLLP body.
type DLLP struct {
	Type Type
	// Meta is byte 0 bits 2:0: the VC ID for FC DLLPs, the subtype for PM.
	Meta   uint8
	Header uint8
	// Data is 12 bits: data credits for FC DLLPs, the sequence number for
	// Ack and Nak.
	Data uint16
}

// NewAck builds an Ack for seq.
func NewAck(seq pcie.Seq) DLLP { return DLLP{Type: Ack, Data: uint16(seq)} }

// NewNak builds a Nak for seq.
func NewNak(seq pcie.Seq) DLLP { return DLLP{Type: Nak, Data: uint16(seq)} }

// NewFC builds an FC DLLP with header and data credits.
func NewFC(phase FCPhase, class FCClass, hdr uint8, data uint16) DLLP {
	return DLLP{Type: FCType(phase, class), Header: hdr, Data: data & 0xFFF}
}

// Seq returns the sequence number carried by an Ack or Nak.
func (d DLLP) Seq() pcie.Seq { return pcie.Seq(d.Data & 0xFFF) }

// Bytes packs the DLLP body:
//
//	b0 = type[3:0] << 4 | meta[2:0]
//	b1 = header[7:2]
//	b2 = header[1:0] << 6 | data[11:8]
//	b3 = data[7:0]
func (d DLLP) Bytes() [4]byte {
	return [4]byte{
		byte(d.Type)<<4 | d.Meta&0x7,
		d.Header >> 2,
		(d.Header&0x3)<<6 | byte(d.Data>>8)&0xF,
		byte(d.Data),
	}
}

// Parse unpacks a 4-byte DLLP body.
func Parse(b [4]byte) DLLP {
	return DLLP{
		Type:   Type(b[0] >> 4),
		Meta:   b[0] & 0x7,
		Header: b[1]<<2 | b[2]>>6,
		Data:   uint16(b[2]&0xF)<<8 | uint16(b[3]),
	}
}

// Encode returns the body followed by its CRC16.
func (d DLLP) Encode() [6]byte {
	b := d.Bytes()
	c := crc.DLLPBytes(b)
	return [6]byte{b[0], b[1], b[2], b[3], c[0], c[1]}
}

// Decode checks the CRC of a 6-byte DLLP and parses it. ok is false on a
// CRC mismatch.
func Decode(b [6]byte) (d DLLP, ok bool) {
	body := [4]byte{b[0], b[1], b[2], b[3]}
	c := crc.DLLPBytes(body)
	if c[0] != b[4] || c[1] != b[5] {
		return Parse(body), false
	}
	return Parse(body), true
}

// SymbolLen is the framed length of a DLLP.
const SymbolLen = 8

// Symbols frames the DLLP as SDP, six bytes, END.
func (d DLLP) Symbols() [SymbolLen]pcie.Symbol {
	e := d.Encode()
	var s [SymbolLen]pcie.Symbol
	s[0] = pcie.SDP
	for i, b := range e {
		s[i+1] = pcie.Data(b)
	}
	s[7] = pcie.END
	return s
}

func (d DLLP) String() string {
	switch d.Type {
	case Ack, Nak:
		return fmt.Sprintf("%v(seq=%d)", d.Type, d.Seq())
	}
	if _, _, ok := d.Type.IsFC(); ok {
		return fmt.Sprintf("%v(hdr=%d data=%d)", d.Type, d.Header, d.Data)
	}
	return fmt.Sprintf("%v(meta=%d hdr=%#x data=%#x)", d.Type, d.Meta, d.Header, d.Data)
}
