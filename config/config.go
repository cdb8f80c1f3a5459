// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with only CHANNELS set.
// The channel list is the one setting re-read at runtime; see ChannelSource.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is the dotenv file read at startup and on every channel refresh.
const DefaultEnvFile = ".env"

type Config struct {
	// Identity
	Username string

	// Channels
	Channels []string
	EnvFile  string

	// Browser
	Headless          bool
	UserDataDir       string
	ChromeBin         string
	BaseURL           string
	NavigationTimeout time.Duration

	// Timers
	ProbeInterval     time.Duration
	RefreshInterval   time.Duration
	RestartInterval   time.Duration
	OfflineBudget     time.Duration
	OfflineCooldown   time.Duration
	TabDwell          time.Duration
	ChatCheckInterval time.Duration

	// Bounds
	MaxOpenAttempts  int
	MaxProbeRetries  int
	TickErrorBudget  int
	ProbeConcurrency int

	// Status server
	HTTPAddr string

	// Optional integrations
	DBDsn              string
	TwitchClientID     string
	TwitchClientSecret string
	ChatIRCPresence    bool
}

// ConfigError reports a malformed or missing setting. At startup it is fatal.
type ConfigError struct {
	Key   string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("config %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	// ErrNoChannels is returned when CHANNELS is empty.
	ErrNoChannels = errors.New("no channels configured")
	// ErrInvalidChannel is returned for names that are not valid logins.
	ErrInvalidChannel = errors.New("invalid channel name")
)

var channelNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// Load reads environment variables and applies defaults. CHANNELS is required;
// every other variable is optional.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Username = os.Getenv("MY_USERNAME")
	if cfg.Username == "" {
		cfg.Username = os.Getenv("USERNAME_CHECK")
	}

	cfg.EnvFile = os.Getenv("ENV_FILE")
	if cfg.EnvFile == "" {
		cfg.EnvFile = DefaultEnvFile
	}
	chans, err := ParseChannels(os.Getenv("CHANNELS"))
	if err != nil {
		return nil, err
	}
	cfg.Channels = chans

	// Browser
	if cfg.Headless, err = envBool("HEADLESS", false); err != nil {
		return nil, err
	}
	cfg.UserDataDir = os.Getenv("USER_DATA_DIR")
	if cfg.UserDataDir == "" {
		cfg.UserDataDir = "twitch_user_data"
	}
	cfg.ChromeBin = os.Getenv("CHROME_BIN")
	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.twitch.tv"
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"NAVIGATION_TIMEOUT", &cfg.NavigationTimeout, 30 * time.Second},
		{"PROBE_INTERVAL", &cfg.ProbeInterval, 2 * time.Second},
		{"REFRESH_INTERVAL", &cfg.RefreshInterval, 5 * time.Minute},
		{"RESTART_INTERVAL", &cfg.RestartInterval, 4 * time.Hour},
		{"OFFLINE_BUDGET", &cfg.OfflineBudget, 10 * time.Minute},
		{"OFFLINE_COOLDOWN", &cfg.OfflineCooldown, time.Hour},
		{"TAB_DWELL", &cfg.TabDwell, 30 * time.Second},
		{"CHAT_CHECK_INTERVAL", &cfg.ChatCheckInterval, 10 * time.Minute},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"MAX_OPEN_ATTEMPTS", &cfg.MaxOpenAttempts, 3},
		{"MAX_PROBE_RETRIES", &cfg.MaxProbeRetries, 5},
		{"TICK_ERROR_BUDGET", &cfg.TickErrorBudget, 5},
		{"PROBE_CONCURRENCY", &cfg.ProbeConcurrency, 1},
	}
	for _, i := range ints {
		if *i.dst, err = envInt(i.key, i.def); err != nil {
			return nil, err
		}
	}

	// HTTP_ADDR="" disables the status server; unset means the default.
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	} else {
		cfg.HTTPAddr = ":8080"
	}

	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.ChatIRCPresence = os.Getenv("CHAT_IRC_PRESENCE") == "1"

	return cfg, nil
}

// HelixEnabled reports whether Twitch API credentials are present.
func (c *Config) HelixEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// ParseChannels splits a comma separated channel list, trims and lower-cases
// each entry, drops blanks and duplicates, and validates the names.
func ParseChannels(raw string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		if !channelNamePattern.MatchString(name) {
			return nil, &ConfigError{Key: "CHANNELS", Value: name, Err: ErrInvalidChannel}
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, &ConfigError{Key: "CHANNELS", Err: ErrNoChannels}
	}
	return out, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &ConfigError{Key: key, Value: v, Err: err}
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &ConfigError{Key: key, Value: v, Err: err}
	}
	if d < 0 {
		return 0, &ConfigError{Key: key, Value: v, Err: errors.New("must not be negative")}
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Key: key, Value: v, Err: err}
	}
	if n < 0 {
		return 0, &ConfigError{Key: key, Value: v, Err: errors.New("must not be negative")}
	}
	return n, nil
}

// LoadEnvFile applies the dotenv file named by ENV_FILE (default .env) to the
// process environment and returns its path. File values override variables
// already set, so the channel list Load sees at startup is the one
// EnvChannelSource reads on every refresh. A missing file is not an error.
func LoadEnvFile() (string, error) {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Overload(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return path, &ConfigError{Key: "ENV_FILE", Value: path, Err: err}
	}
	return path, nil
}

// ChannelSource yields the desired channel set. It is consulted at startup and
// on every refresh tick.
type ChannelSource interface {
	Channels(ctx context.Context) ([]string, error)
}

// EnvChannelSource re-reads CHANNELS from a dotenv file, so edits to the file
// take effect without a process restart. When the file is missing or has no
// CHANNELS entry the process environment is used. The file wins over the
// environment, matching LoadEnvFile.
type EnvChannelSource struct {
	Path string
}

func (s EnvChannelSource) Channels(ctx context.Context) ([]string, error) {
	if s.Path != "" {
		vals, err := godotenv.Read(s.Path)
		switch {
		case err == nil:
			if raw, ok := vals["CHANNELS"]; ok {
				return ParseChannels(raw)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, &ConfigError{Key: "ENV_FILE", Value: s.Path, Err: err}
		}
	}
	return ParseChannels(os.Getenv("CHANNELS"))
}

// StaticChannelSource always returns the same list.
type StaticChannelSource []string

func (s StaticChannelSource) Channels(ctx context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}
