// Package cfgspace models a type 0 configuration space and answers
// configuration requests against it.
package cfgspace

import (
	"encoding/binary"
	"fmt"
)

// Size is the extended configuration space size in bytes.
const Size = 4096

// Header offsets.
const (
	RegVendorID          = 0x00
	RegDeviceID          = 0x02
	RegCommand           = 0x04
	RegStatus            = 0x06
	RegRevision          = 0x08
	RegClassCode         = 0x09
	RegCacheLine         = 0x0C
	RegHeaderType        = 0x0E
	RegBAR0              = 0x10
	RegSubsystemVendorID = 0x2C
	RegSubsystemID       = 0x2E
	RegCapPtr            = 0x34
	RegInterruptLine     = 0x3C
	RegInterruptPin      = 0x3D

	// StatusCapList is the Status register bit announcing a capability
	// list at RegCapPtr.
	StatusCapList = 1 << 4
)

var le = binary.LittleEndian

// Space is a little-endian byte map with a per-byte writable mask.
type Space struct {
	data  [Size]byte
	wmask [Size]byte
}

// ReadDW returns the dword at index reg.
func (s *Space) ReadDW(reg int) [4]byte {
	var dw [4]byte
	off := (reg & 0x3FF) * 4
	copy(dw[:], s.data[off:off+4])
	return dw
}

// WriteDW writes the bytes selected by be into dword reg, through the
// writable mask.
func (s *Space) WriteDW(reg int, be uint8, data [4]byte) {
	off := (reg & 0x3FF) * 4
	for i := 0; i < 4; i++ {
		if be>>i&1 == 0 {
			continue
		}
		m := s.wmask[off+i]
		s.data[off+i] = s.data[off+i]&^m | data[i]&m
	}
}

// Read8 returns one byte.
func (s *Space) Read8(off int) uint8 { return s.data[off%Size] }

// Read16 returns the little-endian halfword at off.
func (s *Space) Read16(off int) uint16 { return le.Uint16(s.data[off : off+2]) }

// Read32 returns the little-endian word at off.
func (s *Space) Read32(off int) uint32 { return le.Uint32(s.data[off : off+4]) }

// Bytes returns a copy of the whole space.
func (s *Space) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, s.data[:])
	return b
}

func (s *Space) put(off int, b []byte) { copy(s.data[off:], b) }

func (s *Space) put16(off int, v uint16) { le.PutUint16(s.data[off:], v) }

func (s *Space) put32(off int, v uint32) { le.PutUint32(s.data[off:], v) }

func (s *Space) mask16(off int, m uint16) { le.PutUint16(s.wmask[off:], m) }

func (s *Space) mask32(off int, m uint32) { le.PutUint32(s.wmask[off:], m) }

// Capabilities walks the capability list and returns the offset of each
// entry.
func (s *Space) Capabilities() ([]int, error) {
	if s.Read16(RegStatus)&StatusCapList == 0 {
		return nil, nil
	}
	return walkCaps(s.data[:])
}

// FindCapability returns the offset of the first capability with id.
func (s *Space) FindCapability(id uint8) (int, bool) {
	offs, err := s.Capabilities()
	if err != nil {
		return 0, false
	}
	for _, off := range offs {
		if s.data[off] == id {
			return off, true
		}
	}
	return 0, false
}

func (s *Space) String() string {
	return fmt.Sprintf("%04x:%04x class %06x", s.Read16(RegVendorID), s.Read16(RegDeviceID), s.Read32(RegRevision)>>8)
}
