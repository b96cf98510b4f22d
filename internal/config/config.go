// Package config loads termtabs settings from a TOML file under the XDG
// config directory and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
)

const appName = "termtabs"

// ConfigRelPath is the config file location relative to the XDG config
// directories.
var ConfigRelPath = filepath.Join(appName, "config.toml")

var prefixRegex = regexp.MustCompile(`^[A-Za-z0-9_]{1,16}$`)

// Duration is a time.Duration written as "5s" or "250ms" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server        ServerConfig      `toml:"server"`
	Tmux          TmuxConfig        `toml:"tmux"`
	Registry      RegistryConfig    `toml:"registry"`
	Client        ClientConfig      `toml:"client"`
	Log           LogConfig         `toml:"log"`
	TerminalTypes map[string]string `toml:"terminal_types"` // terminal type -> command started in the session
}

type ServerConfig struct {
	Addr       string  `toml:"addr"`
	InputRate  float64 `toml:"input_rate"`  // command/resize frames per second per connection
	InputBurst int     `toml:"input_burst"`
}

type TmuxConfig struct {
	Bin    string `toml:"bin"`
	Socket string `toml:"socket"` // passed as -L; empty uses the default server
}

type RegistryConfig struct {
	Prefix           string   `toml:"prefix"`
	DBPath           string   `toml:"db_path"`
	ReplayBytes      int      `toml:"replay_bytes"`
	BreakerThreshold int      `toml:"breaker_threshold"`
	BreakerCooldown  Duration `toml:"breaker_cooldown"`
}

type ClientConfig struct {
	ServerURL        string     `toml:"server_url"`
	StateDir         string     `toml:"state_dir"`
	Store            string     `toml:"store"`
	ReconnectBackoff []Duration `toml:"reconnect_backoff"`
	DetachGrace      Duration   `toml:"detach_grace"`
	OrphanTTL        Duration   `toml:"orphan_ttl"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

func DefaultConfig() Config {
	stateDir := filepath.Join(xdg.StateHome, appName)
	return Config{
		Server: ServerConfig{
			Addr:       "127.0.0.1:7420",
			InputRate:  200,
			InputBurst: 400,
		},
		Tmux: TmuxConfig{Bin: "tmux"},
		Registry: RegistryConfig{
			Prefix:           "tt",
			DBPath:           filepath.Join(stateDir, "registry.db"),
			ReplayBytes:      64 * 1024,
			BreakerThreshold: 3,
			BreakerCooldown:  Duration(30 * time.Second),
		},
		Client: ClientConfig{
			ServerURL: "ws://127.0.0.1:7420",
			StateDir:  stateDir,
			Store:     "terminals",
			ReconnectBackoff: []Duration{
				Duration(250 * time.Millisecond),
				Duration(time.Second),
				Duration(2 * time.Second),
				Duration(5 * time.Second),
			},
			DetachGrace: Duration(5 * time.Second),
			OrphanTTL:   Duration(24 * time.Hour),
		},
		Log: LogConfig{Level: "info", Format: "text"},
		TerminalTypes: map[string]string{
			"claude-code": "claude",
			"codex":       "codex",
			"gemini":      "gemini",
			"opencode":    "opencode",
		},
	}
}

// Path returns the config file in use: the first existing one on the XDG
// search path, or where a new one would be written.
func Path() (string, error) {
	if path, err := xdg.SearchConfigFile(ConfigRelPath); err == nil {
		return path, nil
	}
	return xdg.ConfigFile(ConfigRelPath)
}

// Load reads path over the defaults. An empty path searches the XDG config
// directories; a missing default file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		found, err := xdg.SearchConfigFile(ConfigRelPath)
		if err != nil {
			return cfg, nil
		}
		path = found
	}

	// #nosec G304 - reading the user's own config file is intentional
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Write saves cfg as TOML, creating the directory if needed.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("# termtabs configuration\n")
	sb.WriteString("# Location: " + path + "\n\n")
	sb.Write(data)
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.InputRate <= 0 || c.Server.InputBurst <= 0 {
		errs = append(errs, errors.New("server.input_rate and server.input_burst must be positive"))
	}
	if !prefixRegex.MatchString(c.Registry.Prefix) {
		errs = append(errs, fmt.Errorf("registry.prefix %q must match %s", c.Registry.Prefix, prefixRegex))
	}
	if c.Registry.ReplayBytes < 0 {
		errs = append(errs, errors.New("registry.replay_bytes must not be negative"))
	}
	if len(c.Client.ReconnectBackoff) == 0 {
		errs = append(errs, errors.New("client.reconnect_backoff needs at least one delay"))
	}
	for _, d := range c.Client.ReconnectBackoff {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("client.reconnect_backoff delay %s must be positive", d.Std()))
			break
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Backoff converts the reconnect delays for the window client.
func (c ClientConfig) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.ReconnectBackoff))
	for i, d := range c.ReconnectBackoff {
		out[i] = d.Std()
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
}

// NewLogger builds the process logger. Output goes to w, stderr when nil.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
