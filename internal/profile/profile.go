// Package profile loads device and link parameters from an INI file.
//
// A profile has three sections:
//
//	[device]  vendor_id, device_id, subsystem_vendor_id, subsystem_id,
//	          class_code, revision, max_payload, power_management, bar0..bar5
//	[link]    name, role, link_number, n_fts, max_speed, disable_scrambling,
//	          ticks_per_ms, symbols_per_tick
//	[dll]     retry_slots, retry_depth, replay_timeout, update_fc_interval,
//	          ph, pd, nph, npd, cplh, cpld
//
// Numbers accept Go literal prefixes (0x, 0o, 0b). Unknown keys are reported
// as warnings.
package profile

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"pcielink/internal/cfgspace"
	"pcielink/internal/common"
	"pcielink/internal/link"
	"pcielink/internal/ltssm"
	"pcielink/internal/pcie"
)

// Profile is a parsed configuration.
type Profile struct {
	Link     *link.Config
	Device   *cfgspace.Template
	Warnings []string
}

// Default returns the profile used when no file is given.
func Default() *Profile {
	return &Profile{
		Link:   link.NewConfig(),
		Device: cfgspace.DefaultTemplate(0x1234, 0x5678, pcie.Gen1),
	}
}

// Load reads the profile at path.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, common.NewErrorf(pcie.ErrSevError, pcie.ErrProfileParse, "%v", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a profile document.
func Parse(r io.Reader) (*Profile, error) {
	ini, err := ParseIni(r)
	if err != nil {
		return nil, err
	}
	p := &parser{ini: ini, prof: Default()}
	p.parseLink()
	p.parseDLL()
	p.parseDevice()
	p.unknown()
	if p.err != nil {
		return nil, p.err
	}
	return p.prof, nil
}

type parser struct {
	ini  *IniFile
	prof *Profile
	used map[string]bool
	err  error
}

func (p *parser) fail(section, key, format string, args ...interface{}) {
	if p.err != nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	p.err = common.NewErrorf(pcie.ErrSevError, pcie.ErrProfileParse, "line %d: [%s] %s: %s",
		p.ini.Lines[section+"."+key], section, key, msg)
}

func (p *parser) lookup(section, key string) (string, bool) {
	v, ok := p.ini.Sections[section][key]
	if ok {
		if p.used == nil {
			p.used = make(map[string]bool)
		}
		p.used[section+"."+key] = true
	}
	return v, ok
}

func (p *parser) uint(section, key string, bits int, dst func(uint64)) {
	v, ok := p.lookup(section, key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 0, bits)
	if err != nil {
		p.fail(section, key, "bad number %q", v)
		return
	}
	dst(n)
}

func (p *parser) int(section, key string, dst *int) {
	p.uint(section, key, 31, func(n uint64) { *dst = int(n) })
}

func (p *parser) bool(section, key string, dst *bool) {
	v, ok := p.lookup(section, key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(section, key, "bad boolean %q", v)
		return
	}
	*dst = b
}

func parseSpeed(s string) (pcie.Speed, bool) {
	switch strings.ToLower(s) {
	case "1", "gen1", "2.5", "2.5gt/s":
		return pcie.Gen1, true
	case "2", "gen2", "5", "5.0", "5.0gt/s":
		return pcie.Gen2, true
	}
	return pcie.Gen1, false
}

func (p *parser) parseLink() {
	const s = LinkSectionName
	cfg := p.prof.Link
	if v, ok := p.lookup(s, NameKey); ok {
		cfg.Name = v
	}
	if v, ok := p.lookup(s, RoleKey); ok {
		role, err := ltssm.ParseRole(strings.ToLower(v))
		if err != nil {
			p.fail(s, RoleKey, "%v", err)
		}
		cfg.LTSSM.Role = role
	}
	p.uint(s, LinkNumberKey, 8, func(n uint64) { cfg.LTSSM.LinkNumber = uint8(n) })
	p.uint(s, NFTSKey, 8, func(n uint64) { cfg.LTSSM.NFTS = uint8(n) })
	if v, ok := p.lookup(s, MaxSpeedKey); ok {
		speed, ok := parseSpeed(v)
		if !ok {
			p.fail(s, MaxSpeedKey, "unknown speed %q", v)
		}
		cfg.LTSSM.MaxSpeed = speed
	}
	p.bool(s, DisableScramblingKey, &cfg.LTSSM.DisableScrambling)
	p.int(s, TicksPerMsKey, &cfg.LTSSM.TicksPerMs)
	p.int(s, SymbolsPerTickKey, &cfg.SymbolsPerTick)
}

func (p *parser) parseDLL() {
	const s = DLLSectionName
	cfg := &p.prof.Link.DLL
	p.int(s, RetrySlotsKey, &cfg.RetrySlots)
	p.int(s, RetryDepthKey, &cfg.RetryDepth)
	p.int(s, ReplayTimeoutKey, &cfg.ReplayTimeout)
	p.int(s, UpdateFCIntervalKey, &cfg.UpdateFCInterval)
	p.int(s, PHKey, &cfg.Credits.PH)
	p.int(s, PDKey, &cfg.Credits.PD)
	p.int(s, NPHKey, &cfg.Credits.NPH)
	p.int(s, NPDKey, &cfg.Credits.NPD)
	p.int(s, CplHKey, &cfg.Credits.CplH)
	p.int(s, CplDKey, &cfg.Credits.CplD)
}

func (p *parser) parseDevice() {
	const s = DeviceSectionName
	t := p.prof.Device
	p.uint(s, VendorIDKey, 16, func(n uint64) { t.VendorID = uint16(n) })
	p.uint(s, DeviceIDKey, 16, func(n uint64) { t.DeviceID = uint16(n) })
	p.uint(s, SubsysVendorKey, 16, func(n uint64) { t.SubsystemVendorID = uint16(n) })
	p.uint(s, SubsysIDKey, 16, func(n uint64) { t.SubsystemID = uint16(n) })
	p.uint(s, ClassCodeKey, 24, func(n uint64) { t.ClassCode = uint32(n) })
	p.uint(s, RevisionKey, 8, func(n uint64) { t.Revision = uint8(n) })

	payload := 128
	p.int(s, MaxPayloadKey, &payload)
	switch payload {
	case 128, 256, 512, 1024, 2048, 4096:
	default:
		p.fail(s, MaxPayloadKey, "max payload %d is not 128..4096", payload)
	}
	pm := false
	p.bool(s, PowerMgmtKey, &pm)

	for i := range t.BARSizes {
		p.uint(s, fmt.Sprintf("%s%d", BARKeyPrefix, i), 32, func(n uint64) { t.BARSizes[i] = uint32(n) })
	}

	var caps []cfgspace.Capability
	if pm {
		caps = append(caps, cfgspace.PMCapability())
	}
	t.Capabilities = append(caps, cfgspace.PCIeCapability(p.prof.Link.LTSSM.MaxSpeed, payload))
}

func (p *parser) unknown() {
	var keys []string
	for section, kv := range p.ini.Sections {
		for k := range kv {
			if !p.used[section+"."+k] {
				keys = append(keys, section+"."+k)
			}
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.prof.Warnings = append(p.prof.Warnings, fmt.Sprintf("line %d: unknown key %s", p.ini.Lines[k], k))
	}
}
