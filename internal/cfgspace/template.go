package cfgspace

import (
	"errors"
	"fmt"

	"pcielink/internal/common"
	"pcielink/internal/pcie"
)

const (
	capStart = 0x40
	capEnd   = 0x100

	// CapIDPCIe is the PCI Express capability.
	CapIDPCIe = 0x10
	// CapIDPM is the power management capability.
	CapIDPM = 0x01

	// PCI Express capability field offsets.
	PCIeCapDevCap   = 0x04
	PCIeCapDevCtl   = 0x08
	PCIeCapLinkCap  = 0x0C
	PCIeCapLinkCtl  = 0x10
	PCIeCapLinkStat = 0x12
	PCIeCapDevCap2  = 0x24
	PCIeCapDevCtl2  = 0x28
	PCIeCapLinkCap2 = 0x2C
	PCIeCapLinkCtl2 = 0x30
	pcieCapLen      = 0x3C
)

var errCapLoop = errors.New("capability list does not terminate")

// Capability is one entry of the legacy capability list. Body starts at
// offset 2, after the ID and next pointer; Writable masks it byte for byte
// and may be shorter.
type Capability struct {
	ID       uint8
	Body     []byte
	Writable []byte
}

func (c Capability) size() int { return (2 + len(c.Body) + 3) &^ 3 }

// Patch overwrites one byte after layout.
type Patch struct {
	Offset int
	Value  uint8
}

// Template describes the function's configuration space.
type Template struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16
	Command           uint16
	Status            uint16
	Revision          uint8
	ClassCode         uint32
	InterruptPin      uint8
	// BARSizes holds the size in bytes of each 32-bit memory BAR, zero
	// when unimplemented. Sizes must be powers of two of at least 16.
	BARSizes     [6]uint32
	Capabilities []Capability
	Patches      []Patch
}

// DefaultTemplate is an x1 endpoint with a PCI Express capability
// advertising maxSpeed.
func DefaultTemplate(vendorID, deviceID uint16, maxSpeed pcie.Speed) *Template {
	return &Template{
		VendorID:     vendorID,
		DeviceID:     deviceID,
		Status:       StatusCapList,
		ClassCode:    0xFF0000,
		Capabilities: []Capability{PCIeCapability(maxSpeed, 128)},
	}
}

// PCIeCapability builds a version 2 endpoint PCI Express capability.
func PCIeCapability(maxSpeed pcie.Speed, maxPayload int) Capability {
	body := make([]byte, pcieCapLen-2)
	w := make([]byte, pcieCapLen-2)
	at := func(off int) int { return off - 2 }

	le.PutUint16(body[at(0x02):], 0x2)
	mps := map[int]uint32{128: 0, 256: 1, 512: 2, 1024: 3, 2048: 4, 4096: 5}[maxPayload]
	le.PutUint32(body[at(PCIeCapDevCap):], mps)

	// relaxed ordering on, max read request 512 bytes
	le.PutUint16(body[at(PCIeCapDevCtl):], 1<<4|0b010<<12)
	le.PutUint16(w[at(PCIeCapDevCtl):], 0x7CFF)

	speed := uint32(1)
	speeds := uint32(0b001)
	if maxSpeed == pcie.Gen2 {
		speed, speeds = 2, 0b011
	}
	linkCap := speed | 1<<4 | 0b111<<12 | 0b111<<15 | 1<<22
	le.PutUint32(body[at(PCIeCapLinkCap):], linkCap)
	le.PutUint16(w[at(PCIeCapLinkCtl):], 0x00C3)
	le.PutUint16(body[at(PCIeCapLinkStat):], 1|1<<4)

	le.PutUint16(w[at(PCIeCapDevCtl2):], 0x001F)
	le.PutUint32(body[at(PCIeCapLinkCap2):], speeds<<1)
	le.PutUint16(body[at(PCIeCapLinkCtl2):], uint16(speed))
	le.PutUint16(w[at(PCIeCapLinkCtl2):], 0x000F)

	return Capability{ID: CapIDPCIe, Body: body, Writable: w}
}

// PMCapability builds a power management capability with D0 only.
func PMCapability() Capability {
	body := []byte{0x03, 0x00, 0x00, 0x00, 0x00, 0x00}
	return Capability{ID: CapIDPM, Body: body, Writable: []byte{0, 0, 0x03, 0x00}}
}

// Build lays the template out into a Space. Capabilities start at 0x40 and
// are chained in order; the finished chain is walked to make sure it
// terminates inside the legacy space.
func (t *Template) Build() (*Space, error) {
	s := &Space{}
	s.put16(RegVendorID, t.VendorID)
	s.put16(RegDeviceID, t.DeviceID)
	s.put16(RegCommand, t.Command)
	s.put16(RegStatus, t.Status)
	s.put32(RegRevision, t.ClassCode<<8|uint32(t.Revision))
	s.put16(RegSubsystemVendorID, t.SubsystemVendorID)
	s.put16(RegSubsystemID, t.SubsystemID)
	s.data[RegInterruptPin] = t.InterruptPin

	// I/O, memory, bus master, parity, SERR, INTx disable
	s.mask16(RegCommand, 0x0547)
	s.wmask[RegCacheLine] = 0xFF
	s.wmask[RegInterruptLine] = 0xFF

	for i, size := range t.BARSizes {
		if size == 0 {
			continue
		}
		if size < 16 || size&(size-1) != 0 {
			return nil, common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal, "BAR%d size %#x", i, size)
		}
		s.mask32(RegBAR0+4*i, ^(size - 1))
	}

	if len(t.Capabilities) > 0 {
		s.put16(RegStatus, t.Status|StatusCapList)
		s.data[RegCapPtr] = capStart
	}
	off := capStart
	for i, c := range t.Capabilities {
		end := off + c.size()
		if end > capEnd {
			return nil, common.NewErrorf(pcie.ErrSevError, pcie.ErrCapChain, "capability %#02x at %#x overruns %#x", c.ID, off, capEnd)
		}
		next := byte(end)
		if i == len(t.Capabilities)-1 {
			next = 0
		}
		s.data[off] = c.ID
		s.data[off+1] = next
		s.put(off+2, c.Body)
		copy(s.wmask[off+2:], c.Writable)
		off = end
	}

	for _, p := range t.Patches {
		if p.Offset < 0 || p.Offset >= Size {
			return nil, common.NewErrorf(pcie.ErrSevError, pcie.ErrInvalidParamVal, "patch offset %#x", p.Offset)
		}
		s.data[p.Offset] = p.Value
	}

	if _, err := s.Capabilities(); err != nil {
		return nil, common.NewErrorMsg(pcie.ErrSevError, pcie.ErrCapChain, err.Error())
	}
	return s, nil
}

// walkCaps follows the next pointers from RegCapPtr with a visited set.
func walkCaps(data []byte) ([]int, error) {
	var offs []int
	seen := make(map[int]bool)
	for off := int(data[RegCapPtr]) &^ 3; off != 0; off = int(data[off+1]) &^ 3 {
		if off < capStart || off >= capEnd {
			return nil, fmt.Errorf("capability pointer %#x outside %#x..%#x", off, capStart, capEnd)
		}
		if seen[off] {
			return nil, fmt.Errorf("%w: %#x visited twice", errCapLoop, off)
		}
		seen[off] = true
		offs = append(offs, off)
	}
	return offs, nil
}
