package vaultfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		field   string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "sector 4096", mutate: func(c *Config) { c.SectorSize = 4096 }},
		{name: "sector not multiple of 16", mutate: func(c *Config) { c.SectorSize = 500 }, wantErr: true, field: "SectorSize"},
		{name: "zero sector", mutate: func(c *Config) { c.SectorSize = 0 }, wantErr: true, field: "SectorSize"},
		{name: "block smaller than sector", mutate: func(c *Config) { c.SectorSize = 8192; c.BlockSize = 4096 }, wantErr: true, field: "BlockSize"},
		{name: "block not power of two", mutate: func(c *Config) { c.BlockSize = 3072 }, wantErr: true, field: "BlockSize"},
		{name: "zero iterations", mutate: func(c *Config) { c.KeyWrap.Iterations = 0 }, wantErr: true, field: "Iterations"},
		{name: "key wrap salt does not fit", mutate: func(c *Config) { c.KeyWrap.SaltSize = 32 }, wantErr: true, field: "KeyWrap"},
		{name: "verifier does not fill field", mutate: func(c *Config) { c.Verifier.KeySize = 16 }, wantErr: true, field: "Verifier"},
		{name: "zero volume", mutate: func(c *Config) { c.VolumeSize = 0 }, wantErr: true, field: "VolumeSize"},
		{name: "negative margin", mutate: func(c *Config) { c.ImportMargin = -1 }, wantErr: true, field: "ImportMargin"},
		{name: "tiny copy buffer", mutate: func(c *Config) { c.CopyBufferSize = 16 }, wantErr: true, field: "CopyBufferSize"},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true, field: "LogLevel"},
		{name: "too many workers", mutate: func(c *Config) { c.Parallel.MaxWorkers = 5000 }, wantErr: true, field: "MaxWorkers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfiguration", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || !strings.Contains(ve.Field, tt.field) {
				t.Errorf("Validate() field = %v, want it to name %q", err, tt.field)
			}
		})
	}
}

func TestConfig_ValidateNil(t *testing.T) {
	var cfg *Config
	if err := cfg.Validate(); !errors.Is(err, ErrNilConfig) {
		t.Errorf("Validate() on nil = %v, want ErrNilConfig", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultfs.yaml")
	data := `
sector_size: 4096
key_wrap:
  iterations: 20000
  hash: sha512
unmount_grace: 30s
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.SectorSize != 4096 {
		t.Errorf("SectorSize = %d, want 4096", cfg.SectorSize)
	}
	if cfg.KeyWrap.Iterations != 20000 || cfg.KeyWrap.HashFunc != SHA512 {
		t.Errorf("KeyWrap = %+v", cfg.KeyWrap)
	}
	if cfg.KeyWrap.SaltSize != 16 || cfg.KeyWrap.KeySize != 48 {
		t.Errorf("KeyWrap defaults lost: %+v", cfg.KeyWrap)
	}
	if cfg.UnmountGrace != 30*time.Second {
		t.Errorf("UnmountGrace = %v, want 30s", cfg.UnmountGrace)
	}
	if cfg.VolumeSize != DefaultVolumeSize {
		t.Errorf("VolumeSize = %d, want default", cfg.VolumeSize)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", "sector_size: [1, 2"},
		{"invalid value", "sector_size: 100"},
		{"unknown hash", "verifier:\n  hash: md5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			os.WriteFile(path, []byte(tt.data), 0o600)
			if _, err := LoadConfig(path); !IsValidationError(err) {
				t.Errorf("LoadConfig() error = %v, want ValidationError", err)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() of a missing file succeeded")
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	want := testConfig()
	if err := want.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got.KeyWrap != want.KeyWrap || got.Verifier != want.Verifier || got.VolumeSize != want.VolumeSize {
		t.Errorf("LoadConfig(Save(cfg)) = %+v, want %+v", got, want)
	}
}

func TestHashFuncText(t *testing.T) {
	for _, h := range []HashFunc{SHA256, SHA512} {
		text, _ := h.MarshalText()
		var got HashFunc
		if err := got.UnmarshalText(text); err != nil || got != h {
			t.Errorf("UnmarshalText(%s) = %v, %v", text, got, err)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" {
		t.Error("ParseLevel(debug) mismatch")
	}
	if ParseLevel("bogus").String() != "info" {
		t.Error("ParseLevel of an unknown name should fall back to info")
	}
}
