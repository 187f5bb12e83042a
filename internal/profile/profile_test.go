package profile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pcielink/internal/cfgspace"
	"pcielink/internal/common"
	"pcielink/internal/ltssm"
	"pcielink/internal/pcie"
)

const sample = `
; Xilinx-style endpoint
[device]
vendor_id = 0x10EE
device_id = 0x7011
class_code = 0x058000
revision = 2
power_management = true
bar0 = 0x1000
max_payload = 256

[link]
name = "fpga"
role = endpoint
max_speed = gen2
ticks_per_ms = 1000

[dll]
retry_slots = 8
ph = 16
colour = blue
`

func TestParse(t *testing.T) {
	p, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.Link.Name != "fpga" || p.Link.LTSSM.Role != ltssm.Upstream || p.Link.LTSSM.MaxSpeed != pcie.Gen2 {
		t.Errorf("Link = %+v, want fpga upstream gen2", p.Link)
	}
	if p.Link.LTSSM.TicksPerMs != 1000 {
		t.Errorf("TicksPerMs = %d, want 1000", p.Link.LTSSM.TicksPerMs)
	}
	if p.Link.DLL.RetrySlots != 8 || p.Link.DLL.Credits.PH != 16 {
		t.Errorf("DLL = %+v, want 8 slots and 16 PH", p.Link.DLL)
	}
	if p.Link.DLL.RetryDepth != 128 {
		t.Errorf("RetryDepth = %d, want default 128", p.Link.DLL.RetryDepth)
	}

	d := p.Device
	if d.VendorID != 0x10EE || d.DeviceID != 0x7011 || d.ClassCode != 0x058000 || d.Revision != 2 {
		t.Errorf("Device = %+v", d)
	}
	if d.BARSizes[0] != 0x1000 {
		t.Errorf("BARSizes[0] = %#x, want 0x1000", d.BARSizes[0])
	}
	var ids []uint8
	for _, c := range d.Capabilities {
		ids = append(ids, c.ID)
	}
	if diff := cmp.Diff([]uint8{cfgspace.CapIDPM, cfgspace.CapIDPCIe}, ids); diff != "" {
		t.Errorf("capability IDs mismatch (-want +got):\n%s", diff)
	}

	want := []string{"line 21: unknown key dll.colour"}
	if diff := cmp.Diff(want, p.Warnings); diff != "" {
		t.Errorf("Warnings mismatch (-want +got):\n%s", diff)
	}

	s, err := d.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := s.Read16(cfgspace.RegVendorID); got != 0x10EE {
		t.Errorf("built vendor = %#x, want 0x10ee", got)
	}
	off, ok := s.FindCapability(cfgspace.CapIDPCIe)
	if !ok {
		t.Fatalf("FindCapability(PCIe) not found")
	}
	if got := s.Read32(off+cfgspace.PCIeCapLinkCap) & 0xF; got != 2 {
		t.Errorf("max link speed = %d, want 2", got)
	}
}

func TestParseDefaults(t *testing.T) {
	p, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	def := Default()
	if diff := cmp.Diff(def.Link, p.Link); diff != "" {
		t.Errorf("Link mismatch (-want +got):\n%s", diff)
	}
	if p.Device.VendorID != def.Device.VendorID || len(p.Device.Capabilities) != 1 {
		t.Errorf("Device = %+v, want default with one capability", p.Device)
	}
	if len(p.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", p.Warnings)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		line string
	}{
		{"unterminated_section", "[device\nvendor_id = 1\n", "line 1"},
		{"no_equals", "[link]\nrole\n", "line 2"},
		{"bad_number", "[device]\nvendor_id = 0x1234\ndevice_id = 0xZZ\n", "line 3"},
		{"too_wide", "[device]\nvendor_id = 0x10000\n", "line 2"},
		{"bad_role", "[link]\nrole = sideways\n", "line 2"},
		{"bad_speed", "[link]\nmax_speed = gen3\n", "line 2"},
		{"bad_bool", "[link]\ndisable_scrambling = maybe\n", "line 2"},
		{"bad_payload", "[device]\nmax_payload = 100\n", "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			if !errors.Is(err, common.ErrCode(pcie.ErrProfileParse)) {
				t.Fatalf("Parse() error = %v, want profile parse error", err)
			}
			if !strings.Contains(err.Error(), tt.line) {
				t.Errorf("Parse() error = %q, want it to name %s", err, tt.line)
			}
		})
	}
}

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		in   string
		want pcie.Speed
		ok   bool
	}{
		{"gen1", pcie.Gen1, true},
		{"GEN2", pcie.Gen2, true},
		{"1", pcie.Gen1, true},
		{"5.0GT/s", pcie.Gen2, true},
		{"8", pcie.Gen1, false},
	}
	for _, tt := range tests {
		got, ok := parseSpeed(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseSpeed(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ep.ini")
	if err := os.WriteFile(path, []byte("[link]\nrole = root\nlink_number = 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if p.Link.LTSSM.Role != ltssm.Downstream || p.Link.LTSSM.LinkNumber != 3 {
		t.Errorf("LTSSM = %+v, want downstream link 3", p.Link.LTSSM)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.ini")); !errors.Is(err, common.ErrCode(pcie.ErrProfileParse)) {
		t.Errorf("Load(missing) error = %v, want profile parse error", err)
	}
}
