// Package tlp frames Transaction Layer Packets for the wire and encodes the
// handful of headers the link stack needs to answer configuration requests.
package tlp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var be = binary.BigEndian

var (
	ErrBadType   = errors.New("bad TLP header type")
	ErrBadLength = errors.New("bad TLP data length")
	ErrTooShort  = errors.New("TLP too short")
)

const (
	dwordLen = 4

	fmt3DWNoData   = 0b000
	fmt4DWNoData   = 0b001
	fmt3DWWithData = 0b010
	fmt4DWWithData = 0b011
)

// Type is the Fmt[2:0]:Type[4:0] byte that opens every TLP header.
type Type uint8

const (
	MRd32  Type = fmt3DWNoData<<5 | 0b00000
	MRd64  Type = fmt4DWNoData<<5 | 0b00000
	MWr32  Type = fmt3DWWithData<<5 | 0b00000
	MWr64  Type = fmt4DWWithData<<5 | 0b00000
	IORd   Type = fmt3DWNoData<<5 | 0b00010
	IOWr   Type = fmt3DWWithData<<5 | 0b00010
	CfgRd0 Type = fmt3DWNoData<<5 | 0b00100
	CfgWr0 Type = fmt3DWWithData<<5 | 0b00100
	CfgRd1 Type = fmt3DWNoData<<5 | 0b00101
	CfgWr1 Type = fmt3DWWithData<<5 | 0b00101
	Cpl    Type = fmt3DWNoData<<5 | 0b01010
	CplD   Type = fmt3DWWithData<<5 | 0b01010
	CplLk  Type = fmt3DWNoData<<5 | 0b01011
	CplLkD Type = fmt3DWWithData<<5 | 0b01011
	// Msg and MsgD carry the routing subfield in Type[2:0].
	Msg  Type = fmt4DWNoData<<5 | 0b10000
	MsgD Type = fmt4DWWithData<<5 | 0b10000
)

var typeNames = map[Type]string{
	MRd32: "MRd32", MRd64: "MRd64", MWr32: "MWr32", MWr64: "MWr64",
	IORd: "IORd", IOWr: "IOWr",
	CfgRd0: "CfgRd0", CfgWr0: "CfgWr0", CfgRd1: "CfgRd1", CfgWr1: "CfgWr1",
	Cpl: "Cpl", CplD: "CplD", CplLk: "CplLk", CplLkD: "CplLkD",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	if t.isMsg() {
		if t.HasData() {
			return "MsgD"
		}
		return "Msg"
	}
	return fmt.Sprintf("Type(%#02x)", uint8(t))
}

func (t Type) isMsg() bool { return t&0x18 == 0x10 && t>>5 <= fmt4DWWithData }

// HasData reports whether the format carries a data payload.
func (t Type) HasData() bool { return t>>6&1 == 1 }

// HeaderLen returns the header size in bytes, 12 or 16.
func (t Type) HeaderLen() int {
	if t>>5&1 == 1 {
		return 4 * dwordLen
	}
	return 3 * dwordLen
}

// Kind is the flow control class a TLP consumes credits from.
type Kind uint8

const (
	Posted Kind = iota
	NonPosted
	Completion
)

func (k Kind) String() string {
	switch k {
	case Posted:
		return "P"
	case NonPosted:
		return "NP"
	case Completion:
		return "Cpl"
	}
	return "?"
}

// Kind classifies the TLP. Memory writes and messages are posted,
// completions are completions and everything else is non-posted.
func (t Type) Kind() Kind {
	switch {
	case t == MWr32 || t == MWr64 || t.isMsg():
		return Posted
	case t == Cpl || t == CplD || t == CplLk || t == CplLkD:
		return Completion
	}
	return NonPosted
}

// Header is the first header dword, common to all TLPs.
type Header struct {
	Type Type
	// Traffic class (3b).
	TC uint8
	// TLP digest present.
	TD bool
	// Poisoned.
	EP bool
	// Attributes (2b): relaxed ordering, no snoop.
	Attr uint8
	// Payload length in dwords (10b), 0 encodes 1024.
	Length int
}

func (h Header) put(dw []byte) {
	dw[0] = byte(h.Type)
	dw[1] = h.TC & 7 << 4
	dw[2] = byte(h.Length>>8) & 3
	if h.TD {
		dw[2] |= 1 << 7
	}
	if h.EP {
		dw[2] |= 1 << 6
	}
	dw[2] |= h.Attr & 3 << 4
	dw[3] = byte(h.Length)
}

// ParseHeader decodes the first header dword.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < dwordLen {
		return Header{}, fmt.Errorf("%w: %d bytes, expected at least %d", ErrTooShort, len(b), dwordLen)
	}
	return Header{
		Type:   Type(b[0]),
		TC:     b[1] >> 4 & 7,
		TD:     b[2]>>7&1 == 1,
		EP:     b[2]>>6&1 == 1,
		Attr:   b[2] >> 4 & 3,
		Length: int(b[2]&3)<<8 | int(b[3]),
	}, nil
}

// DataLength decodes Length into a byte count, zero when the format has no
// payload.
func (h Header) DataLength() int {
	if !h.Type.HasData() {
		return 0
	}
	l := h.Length
	if l == 0 {
		l = 1024
	}
	return l * dwordLen
}

// DataCredits is the number of 16-byte flow control data units the payload
// consumes.
func (h Header) DataCredits() int {
	return (h.DataLength() + 15) / 16
}

// DeviceID is a bus/device/function triple.
type DeviceID struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// NewDeviceID unpacks a 16-bit routing ID.
func NewDeviceID(v uint16) DeviceID {
	return DeviceID{Bus: uint8(v >> 8), Device: uint8(v>>3) & 0x1F, Function: uint8(v) & 7}
}

// ToUint16 packs the routing ID.
func (id DeviceID) ToUint16() uint16 {
	return uint16(id.Bus)<<8 | uint16(id.Device&0x1F)<<3 | uint16(id.Function&7)
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%02x:%02x.%01x", id.Bus, id.Device, id.Function)
}

// RequestID returns the requester ID and tag shared by every memory, I/O and
// configuration request header.
func RequestID(b []byte) (DeviceID, uint8, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return DeviceID{}, 0, err
	}
	if h.Type.Kind() == Completion {
		return DeviceID{}, 0, fmt.Errorf("%w: %v carries no requester tag", ErrBadType, h.Type)
	}
	if len(b) < 2*dwordLen {
		return DeviceID{}, 0, fmt.Errorf("%w: %d bytes, expected at least %d", ErrTooShort, len(b), 2*dwordLen)
	}
	return NewDeviceID(be.Uint16(b[4:6])), b[6], nil
}

// CfgRequest is a type 0 or type 1 configuration read or write.
type CfgRequest struct {
	Type        Type
	RequesterID DeviceID
	Tag         uint8
	Target      DeviceID
	// Register is the dword index into the 4 KiB space (10b).
	Register int
	FirstBE  uint8
	// Data is only meaningful for writes.
	Data [4]byte
}

// NewCfgRd0 builds a single dword type 0 configuration read.
func NewCfgRd0(req DeviceID, tag uint8, target DeviceID, register int) CfgRequest {
	return CfgRequest{Type: CfgRd0, RequesterID: req, Tag: tag, Target: target, Register: register & 0x3FF, FirstBE: 0xF}
}

// NewCfgWr0 builds a single dword type 0 configuration write.
func NewCfgWr0(req DeviceID, tag uint8, target DeviceID, register int, firstBE uint8, data [4]byte) CfgRequest {
	return CfgRequest{Type: CfgWr0, RequesterID: req, Tag: tag, Target: target, Register: register & 0x3FF, FirstBE: firstBE & 0xF, Data: data}
}

// Write reports whether the request carries data.
func (r CfgRequest) Write() bool { return r.Type.HasData() }

// Bytes encodes the request to wire format.
func (r CfgRequest) Bytes() []byte {
	n := 3 * dwordLen
	if r.Write() {
		n += dwordLen
	}
	b := make([]byte, n)
	Header{Type: r.Type, Length: 1}.put(b[0:4])
	be.PutUint16(b[4:6], r.RequesterID.ToUint16())
	b[6] = r.Tag
	b[7] = r.FirstBE & 0xF
	be.PutUint16(b[8:10], r.Target.ToUint16())
	b[10] = byte(r.Register>>6) & 0xF
	b[11] = byte(r.Register&0x3F) << 2
	if r.Write() {
		copy(b[12:16], r.Data[:])
	}
	return b
}

// ParseCfgRequest decodes a CfgRd0, CfgWr0, CfgRd1 or CfgWr1.
func ParseCfgRequest(b []byte) (CfgRequest, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return CfgRequest{}, err
	}
	switch h.Type {
	case CfgRd0, CfgWr0, CfgRd1, CfgWr1:
	default:
		return CfgRequest{}, fmt.Errorf("%w: %v is not a configuration request", ErrBadType, h.Type)
	}
	if h.Length != 1 {
		return CfgRequest{}, fmt.Errorf("%w: configuration request length %d, expected 1", ErrBadLength, h.Length)
	}
	want := 3*dwordLen + h.DataLength()
	if len(b) < want {
		return CfgRequest{}, fmt.Errorf("%w: %d bytes, expected %d", ErrTooShort, len(b), want)
	}
	r := CfgRequest{
		Type:        h.Type,
		RequesterID: NewDeviceID(be.Uint16(b[4:6])),
		Tag:         b[6],
		FirstBE:     b[7] & 0xF,
		Target:      NewDeviceID(be.Uint16(b[8:10])),
		Register:    int(b[10]&0xF)<<6 | int(b[11]>>2),
	}
	if r.Write() {
		copy(r.Data[:], b[12:16])
	}
	return r, nil
}

func (r CfgRequest) String() string {
	s := fmt.Sprintf("%v req=%v tag=%d target=%v reg=%#x be=%#x", r.Type, r.RequesterID, r.Tag, r.Target, r.Register, r.FirstBE)
	if r.Write() {
		s += fmt.Sprintf(" data=% x", r.Data)
	}
	return s
}

// CompletionStatus is the Cpl status field.
type CompletionStatus uint8

const (
	SuccessfulCompletion      CompletionStatus = 0b000
	UnsupportedRequest        CompletionStatus = 0b001
	ConfigurationRequestRetry CompletionStatus = 0b010
	CompleterAbort            CompletionStatus = 0b100
)

func (s CompletionStatus) String() string {
	switch s {
	case SuccessfulCompletion:
		return "SC"
	case UnsupportedRequest:
		return "UR"
	case ConfigurationRequestRetry:
		return "CRS"
	case CompleterAbort:
		return "CA"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// CompletionTLP is a Cpl or CplD.
type CompletionTLP struct {
	CompleterID DeviceID
	Status      CompletionStatus
	// Byte count modified, only set by PCI-X completers.
	BCM         bool
	ByteCount   int
	RequesterID DeviceID
	Tag         uint8
	LowerAddr   uint8
	Data        []byte
}

// Type returns CplD when the completion carries data, otherwise Cpl.
func (c CompletionTLP) Type() Type {
	if len(c.Data) > 0 {
		return CplD
	}
	return Cpl
}

// Bytes encodes the completion to wire format. Data must be a whole number
// of dwords.
func (c CompletionTLP) Bytes() ([]byte, error) {
	if len(c.Data)%dwordLen != 0 || len(c.Data) > 1024*dwordLen {
		return nil, fmt.Errorf("%w: completion data length %d", ErrBadLength, len(c.Data))
	}
	b := make([]byte, 3*dwordLen+len(c.Data))
	Header{Type: c.Type(), Length: len(c.Data) / dwordLen & 0x3FF}.put(b[0:4])
	be.PutUint16(b[4:6], c.CompleterID.ToUint16())
	b[6] = byte(c.Status&7)<<5 | byte(c.ByteCount>>8)&0xF
	if c.BCM {
		b[6] |= 1 << 4
	}
	b[7] = byte(c.ByteCount)
	be.PutUint16(b[8:10], c.RequesterID.ToUint16())
	b[10] = c.Tag
	b[11] = c.LowerAddr & 0x7F
	copy(b[12:], c.Data)
	return b, nil
}

// ParseCompletion decodes a Cpl or CplD.
func ParseCompletion(b []byte) (CompletionTLP, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return CompletionTLP{}, err
	}
	if h.Type != Cpl && h.Type != CplD {
		return CompletionTLP{}, fmt.Errorf("%w: %v is not a completion", ErrBadType, h.Type)
	}
	want := 3*dwordLen + h.DataLength()
	if len(b) < want {
		return CompletionTLP{}, fmt.Errorf("%w: %d bytes, expected %d", ErrTooShort, len(b), want)
	}
	c := CompletionTLP{
		CompleterID: NewDeviceID(be.Uint16(b[4:6])),
		Status:      CompletionStatus(b[6] >> 5),
		BCM:         b[6]>>4&1 == 1,
		ByteCount:   int(b[6]&0xF)<<8 | int(b[7]),
		RequesterID: NewDeviceID(be.Uint16(b[8:10])),
		Tag:         b[10],
		LowerAddr:   b[11] & 0x7F,
	}
	if n := h.DataLength(); n > 0 {
		c.Data = make([]byte, n)
		copy(c.Data, b[12:12+n])
	}
	return c, nil
}

func (c CompletionTLP) String() string {
	s := fmt.Sprintf("%v cpl=%v %v bc=%d req=%v tag=%d", c.Type(), c.CompleterID, c.Status, c.ByteCount, c.RequesterID, c.Tag)
	if len(c.Data) > 0 {
		s += fmt.Sprintf(" data=% x", c.Data)
	}
	return s
}
