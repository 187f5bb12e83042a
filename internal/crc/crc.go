// Package crc implements the two link-layer checksums: the 16-bit DLLP CRC
// and the 32-bit TLP LCRC.
//
// Both are specified as a shift-left register fed with the least significant
// bit of every byte first. That is the reflected form of the polynomial, so
// the engines below run the usual right-shifting table algorithm with the
// polynomial bit-reversed, which keeps the register bit-reversed as well.
package crc

import "math/bits"

const (
	// DLLPPoly is the CRC16 polynomial for DLLPs.
	DLLPPoly = 0x100B
	// LCRCPoly is the CRC32 polynomial for TLPs.
	LCRCPoly = 0x04C11DB7
)

// Table is a 256-entry lookup table for one reflected polynomial.
type Table struct {
	width uint
	mask  uint32
	t     [256]uint32
}

// MakeTable builds a table for a width-bit polynomial given in normal
// (MSB-first) notation.
func MakeTable(poly uint32, width uint) *Table {
	tab := &Table{width: width, mask: uint32(1)<<width - 1}
	if width == 32 {
		tab.mask = 0xFFFFFFFF
	}
	rpoly := bits.Reverse32(poly) >> (32 - width)
	for i := range tab.t {
		r := uint32(i)
		for j := 0; j < 8; j++ {
			if r&1 != 0 {
				r = r>>1 ^ rpoly
			} else {
				r >>= 1
			}
		}
		tab.t[i] = r
	}
	return tab
}

// Update feeds p into the reflected register r.
func (tab *Table) Update(r uint32, p []byte) uint32 {
	for _, b := range p {
		r = tab.t[byte(r)^b] ^ r>>8
	}
	return r & tab.mask
}

var (
	dllpTable = MakeTable(DLLPPoly, 16)
	lcrcTable = MakeTable(LCRCPoly, 32)
)

// CRC16 returns the DLLP CRC exactly as transmitted: the complement of the
// bit-reversed register. The low byte goes on the wire first.
func CRC16(p []byte) uint16 {
	// The reflected register already holds reverse16(crc), so the wire
	// value is just its complement.
	return ^uint16(dllpTable.Update(0xFFFF, p))
}

// DLLPBytes returns the two CRC bytes that follow a 4-byte DLLP body.
func DLLPBytes(body [4]byte) [2]byte {
	c := CRC16(body[:])
	return [2]byte{byte(c), byte(c >> 8)}
}

// LCRC accumulates the link CRC of a TLP, 32 bits per word.
type LCRC struct {
	r uint32
}

// NewLCRC returns an LCRC engine in its reset state.
func NewLCRC() *LCRC {
	return &LCRC{r: 0xFFFFFFFF}
}

// Reset restores the all-ones initial value.
func (c *LCRC) Reset() { c.r = 0xFFFFFFFF }

// Write feeds bytes in wire order.
func (c *LCRC) Write(p []byte) (int, error) {
	c.r = lcrcTable.Update(c.r, p)
	return len(p), nil
}

// WriteWord feeds one 4-byte word.
func (c *LCRC) WriteWord(w [4]byte) {
	c.r = lcrcTable.Update(c.r, w[:])
}

// Sum returns the four LCRC bytes in transmit order. Each byte of the
// complemented register is bit-reversed, which in the reflected domain comes
// out as the complement emitted most significant byte first.
func (c *LCRC) Sum() [4]byte {
	v := ^c.r
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// LCRC32 returns the LCRC bytes for a whole {seq, header, data} buffer.
func LCRC32(p []byte) [4]byte {
	c := NewLCRC()
	c.Write(p)
	return c.Sum()
}

// Reference computes a width-bit CRC bit by bit, in the shift-left form with
// LSB-first byte feeding. It returns the raw register with no output
// conditioning. Tests compare the table engines against it.
func Reference(poly uint32, width uint, init uint32, p []byte) uint32 {
	top := uint32(1) << (width - 1)
	mask := top<<1 - 1
	c := init & mask
	for _, b := range p {
		for i := 0; i < 8; i++ {
			bit := uint32(b>>i) & 1
			fb := bit ^ (c&top)>>(width-1)
			c = c << 1 & mask
			if fb != 0 {
				c ^= poly
			}
		}
	}
	return c
}

// Reference16 returns the DLLP wire CRC using the bitwise engine.
func Reference16(p []byte) uint16 {
	c := Reference(DLLPPoly, 16, 0xFFFF, p)
	return ^bits.Reverse16(uint16(c))
}

// Reference32 returns the LCRC wire bytes using the bitwise engine.
func Reference32(p []byte) [4]byte {
	c := ^Reference(LCRCPoly, 32, 0xFFFFFFFF, p)
	var out [4]byte
	for k := range out {
		out[k] = bits.Reverse8(byte(c >> (8 * k)))
	}
	return out
}
