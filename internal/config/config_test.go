package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPURL() != "http://127.0.0.1:9220" {
		t.Fatalf("CDPURL() = %q", cfg.CDPURL())
	}
	if cfg.ElementTimeout != 15*time.Second || cfg.Backend != BackendRaw || cfg.Formats != "xlsx" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("HARVESTER_COUNT", "25")
	t.Setenv("HARVESTER_ELEMENT_TIMEOUT", "3s")
	t.Setenv("HARVESTER_BACKEND", "ChromeDP")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9333 || cfg.Count != 25 || cfg.ElementTimeout != 3*time.Second || cfg.Backend != BackendChromedp {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_ADDRESS", "10.0.0.1")
	t.Setenv("HARVESTER_CDP_ADDRESS", "10.0.0.2")
	cfg, err := Load(New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CDPAddress != "10.0.0.2" {
		t.Fatalf("CDPAddress = %q", cfg.CDPAddress)
	}
}

func TestBindFlagsOverridesEnv(t *testing.T) {
	t.Setenv("HARVESTER_COUNT", "25")
	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("count", 10, "")
	fs.String("asset-mode", "stocks", "")
	fs.Bool("unrelated", false, "")
	if err := BindFlags(v, fs); err != nil {
		t.Fatal(err)
	}
	if err := fs.Parse([]string{"--count=3", "--asset-mode=etp"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Count != 3 || cfg.AssetMode != "etp" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		env, val string
	}{
		{"HARVESTER_BACKEND", "webdriver"},
		{"HARVESTER_COUNT", "0"},
		{"HARVESTER_REFERENCE_DATE", "2024/10/01"},
		{"HARVESTER_SYNC_RETRIES", "-1"},
		{"CHROMIUM_CDP_PORT", "70000"},
	}
	for _, tc := range tests {
		t.Run(tc.env, func(t *testing.T) {
			t.Setenv(tc.env, tc.val)
			if _, err := Load(New()); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() error = %v; want ErrInvalid", err)
			}
		})
	}
}

func TestParseReferenceDate(t *testing.T) {
	now := time.Date(2024, 10, 1, 18, 30, 0, 0, time.UTC)
	got, err := ParseReferenceDate("", now)
	if err != nil || !got.Equal(time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseReferenceDate(\"\") = %v, %v", got, err)
	}
	got, err = ParseReferenceDate("2023-12-31", now)
	if err != nil || got.Year() != 2023 || got.Day() != 31 {
		t.Fatalf("ParseReferenceDate() = %v, %v", got, err)
	}
}
