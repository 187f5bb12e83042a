package sim

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testProfile = `[device]
vendor_id = 0x10EE
device_id = 0x7011
power_management = true

[link]
ticks_per_ms = 1000
link_number = 4
`

func writeProfile(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ep.ini")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		skew    int
		invert  bool
		retrain bool
	}{
		{"aligned", 0, false, false},
		{"skewed_inverted", 3, true, false},
		{"retrain", 1, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := NewConfig()
			cfg.ProfilePath = writeProfile(t, testProfile)
			cfg.Skew = tt.skew
			cfg.Invert = tt.invert
			cfg.Retrain = tt.retrain
			cfg.MaxTicks = 200000
			cfg.OutputWriter = &buf

			if err := Run(cfg); err != nil {
				t.Fatalf("Run() error = %v\n%s", err, buf.String())
			}
			out := buf.String()
			for _, want := range []string{
				"Link up after",
				"link 4 lane 0",
				"Found 01:00.0 [10ee:7011]",
				"cap 0x40: Power Management",
				"cap 0x48: PCI Express",
				"L0\n",
				"Port rp:-",
				"Port ep:-",
			} {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
			if got := strings.Contains(out, "Link recovered"); got != tt.retrain {
				t.Errorf("recovered line present = %v, want %v", got, tt.retrain)
			}
			if tt.retrain && !strings.Contains(out, "Recovery.RcvrLock") {
				t.Errorf("trajectory does not visit Recovery:\n%s", out)
			}
		})
	}
}

func TestRunTrace(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewConfig()
	cfg.Trace = TraceEvents
	cfg.MaxTicks = 200000
	cfg.OutputWriter = &buf
	cfg.ProfilePath = writeProfile(t, "[link]\nticks_per_ms = 1000\ncolour = red\n")
	if err := Run(cfg); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Warning: line 3: unknown key link.colour",
		"LTSSM; Detect.Quiet -> Detect.Active",
		"Events processed:-",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"missing_profile", func(c *Config) { c.ProfilePath = filepath.Join(t.TempDir(), "none.ini") }, "failed to read profile"},
		{"bad_trace", func(c *Config) { c.Trace = "loud" }, "unknown trace level"},
		{"skew", func(c *Config) { c.Skew = 4 }, "out of range"},
		{"no_time", func(c *Config) { c.MaxTicks = 10 }, "did not come up"},
		{"bad_bool", func(c *Config) {
			c.ProfilePath = writeProfile(t, "[device]\npower_management = yes\n")
		}, "bad boolean"},
		{"stream_ratio", func(c *Config) {
			c.ProfilePath = writeProfile(t, "[link]\nsymbols_per_tick = 2\n")
		}, "stream ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.OutputWriter = &bytes.Buffer{}
			tt.mod(&cfg)
			err := Run(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Run() error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}
