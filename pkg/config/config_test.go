package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig(newFlags(t))
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.TargetFrameRate != 25 || cfg.ScaleFactor != 0.6 || cfg.InitialQuality != 65 {
		t.Errorf("unexpected tuning defaults: %+v", cfg)
	}
	if cfg.MinQuality != 40 || cfg.MaxQuality != 80 || cfg.QualityStep != 5 {
		t.Errorf("unexpected quality bounds: %+v", cfg)
	}
	if cfg.AdjustWindow != 2*time.Second || cfg.EmptyBackoff != 10*time.Millisecond || cfg.FaultBackoff != time.Second {
		t.Errorf("unexpected timings: %+v", cfg)
	}
	if cfg.SendMode != SendModeText || cfg.Debug() {
		t.Errorf("unexpected transport defaults: %+v", cfg)
	}
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yaml := []byte("targetFrameRate: 15\nscaleFactor: 0.5\nadjustWindow: 3s\nsendMode: binary\nhttpPort: 8100\n")
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(newFlags(t, "--config", path, "--port", "9100", "--debug"))
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.TargetFrameRate != 15 || cfg.ScaleFactor != 0.5 || cfg.AdjustWindow != 3*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.SendMode != SendModeBinary {
		t.Errorf("sendMode = %q", cfg.SendMode)
	}
	if cfg.HttpPort != 9100 {
		t.Errorf("httpPort = %d, want flag value 9100", cfg.HttpPort)
	}
	if !cfg.Debug() {
		t.Error("--debug not applied")
	}
}

func TestLoadConfigEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RELAY_TARGETFRAMERATE", "10")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.TargetFrameRate != 10 {
		t.Errorf("targetFrameRate = %d, want 10", cfg.TargetFrameRate)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			HttpPort: 8000, SendMode: SendModeText, TargetFrameRate: 25, ScaleFactor: 0.6,
			ResizeFilter: "bilinear", InitialQuality: 65, MinQuality: 40, MaxQuality: 80,
			QualityStep: 5, AdjustWindow: 2 * time.Second, LowWatermark: 0.8, HighWatermark: 1.2,
			DrainGrabs: 1, RtspTransport: "tcp",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rate", func(c *Config) { c.TargetFrameRate = 0 }},
		{"scale above one", func(c *Config) { c.ScaleFactor = 1.5 }},
		{"inverted bounds", func(c *Config) { c.MinQuality, c.MaxQuality = 80, 40 }},
		{"initial outside bounds", func(c *Config) { c.InitialQuality = 90 }},
		{"bad send mode", func(c *Config) { c.SendMode = "json" }},
		{"bad filter", func(c *Config) { c.ResizeFilter = "lanczos" }},
		{"inverted watermarks", func(c *Config) { c.LowWatermark, c.HighWatermark = 1.2, 0.8 }},
		{"bad rtsp transport", func(c *Config) { c.RtspTransport = "http" }},
	}

	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("base config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}
