package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHANNELS", "alice,bob")
	t.Setenv("PROBE_INTERVAL", "")
	t.Setenv("RESTART_INTERVAL", "")
	t.Setenv("HEADLESS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{"alice", "bob"}) {
		t.Errorf("channels = %v", cfg.Channels)
	}
	if cfg.RestartInterval != 4*time.Hour {
		t.Errorf("restart interval = %v, want 4h", cfg.RestartInterval)
	}
	if cfg.ProbeInterval != 2*time.Second {
		t.Errorf("probe interval = %v, want 2s", cfg.ProbeInterval)
	}
	if cfg.OfflineCooldown != time.Hour {
		t.Errorf("offline cooldown = %v, want 1h", cfg.OfflineCooldown)
	}
	if cfg.Headless {
		t.Errorf("expected headless default false")
	}
	if cfg.ProbeConcurrency != 1 {
		t.Errorf("probe concurrency = %d, want 1", cfg.ProbeConcurrency)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHANNELS", "Alice")
	t.Setenv("MY_USERNAME", "viewer")
	t.Setenv("HEADLESS", "true")
	t.Setenv("OFFLINE_BUDGET", "90s")
	t.Setenv("PROBE_CONCURRENCY", "4")
	t.Setenv("HTTP_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Username != "viewer" || !cfg.Headless {
		t.Errorf("unexpected identity/browser settings: %+v", cfg)
	}
	if cfg.OfflineBudget != 90*time.Second {
		t.Errorf("offline budget = %v", cfg.OfflineBudget)
	}
	if cfg.ProbeConcurrency != 4 {
		t.Errorf("probe concurrency = %d", cfg.ProbeConcurrency)
	}
	if cfg.HTTPAddr != "" {
		t.Errorf("expected empty HTTP_ADDR to disable server, got %q", cfg.HTTPAddr)
	}
	if cfg.Channels[0] != "alice" {
		t.Errorf("channel names should be lower-cased, got %q", cfg.Channels[0])
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", "PROBE_INTERVAL", "soon"},
		{"negative duration", "OFFLINE_COOLDOWN", "-1m"},
		{"bad bool", "HEADLESS", "maybe"},
		{"bad int", "MAX_OPEN_ATTEMPTS", "three"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHANNELS", "alice")
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cerr.Key != tt.key {
				t.Errorf("error key = %q, want %q", cerr.Key, tt.key)
			}
		})
	}
}

func TestLoadRequiresChannels(t *testing.T) {
	t.Setenv("CHANNELS", " , ")
	_, err := Load()
	if !errors.Is(err, ErrNoChannels) {
		t.Fatalf("expected ErrNoChannels, got %v", err)
	}
}

func TestParseChannels(t *testing.T) {
	tests := []struct {
		raw     string
		want    []string
		wantErr error
	}{
		{"alice,bob", []string{"alice", "bob"}, nil},
		{" alice , BOB ,alice,", []string{"alice", "bob"}, nil},
		{"", nil, ErrNoChannels},
		{"alice,b@d", nil, ErrInvalidChannel},
		{"this_name_is_far_too_long_for_twitch", nil, ErrInvalidChannel},
	}
	for _, tt := range tests {
		got, err := ParseChannels(tt.raw)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseChannels(%q) err = %v, want %v", tt.raw, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseChannels(%q) unexpected error: %v", tt.raw, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseChannels(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestEnvChannelSourceRereadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CHANNELS=alice,bob\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	src := EnvChannelSource{Path: path}
	got, err := src.Channels(context.Background())
	if err != nil {
		t.Fatalf("Channels() error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("first read = %v", got)
	}

	if err := os.WriteFile(path, []byte("CHANNELS=carol\n"), 0o600); err != nil {
		t.Fatalf("rewrite env file: %v", err)
	}
	got, err = src.Channels(context.Background())
	if err != nil {
		t.Fatalf("Channels() error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"carol"}) {
		t.Errorf("second read = %v, want [carol]", got)
	}
}

func TestEnvChannelSourceFallsBackToEnvironment(t *testing.T) {
	t.Setenv("CHANNELS", "dave")
	src := EnvChannelSource{Path: filepath.Join(t.TempDir(), "missing.env")}
	got, err := src.Channels(context.Background())
	if err != nil {
		t.Fatalf("Channels() error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"dave"}) {
		t.Errorf("got %v, want [dave]", got)
	}
}

func TestEnvFileAndProcessEnvAgree(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  string
		want []string
	}{
		{name: "file overrides environment", file: "CHANNELS=bob\n", env: "alice", want: []string{"bob"}},
		{name: "environment when file has no channels", file: "HEADLESS=true\n", env: "alice", want: []string{"alice"}},
		{name: "environment when file is missing", env: "carol", want: []string{"carol"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".env")
			if tt.file != "" {
				if err := os.WriteFile(path, []byte(tt.file), 0o600); err != nil {
					t.Fatalf("write env file: %v", err)
				}
			}
			t.Setenv("ENV_FILE", path)
			t.Setenv("CHANNELS", tt.env)
			t.Setenv("HEADLESS", "")

			got, err := LoadEnvFile()
			if err != nil {
				t.Fatalf("LoadEnvFile() error: %v", err)
			}
			if got != path {
				t.Errorf("LoadEnvFile() path = %q, want %q", got, path)
			}
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			desired, err := EnvChannelSource{Path: cfg.EnvFile}.Channels(context.Background())
			if err != nil {
				t.Fatalf("Channels() error: %v", err)
			}
			if !reflect.DeepEqual(cfg.Channels, tt.want) || !reflect.DeepEqual(desired, tt.want) {
				t.Errorf("Load() channels = %v, EnvChannelSource = %v, want both %v", cfg.Channels, desired, tt.want)
			}
		})
	}
}

func TestLoadEnvFileRejectsUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENV_FILE", dir)
	_, err := LoadEnvFile()
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Key != "ENV_FILE" {
		t.Errorf("LoadEnvFile() error = %v, want ConfigError for ENV_FILE", err)
	}
}
