// Package config resolves the settings of the graphsync binaries. Values come
// from, in increasing order of precedence: defaults, a YAML file, GRAPHSYNC_*
// environment variables (a .env file is loaded first when present) and flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/astromechza/graphsync/pkg/awareness"
	"github.com/astromechza/graphsync/pkg/backend"
	"github.com/astromechza/graphsync/pkg/history"
	"github.com/astromechza/graphsync/pkg/projector"
	"github.com/astromechza/graphsync/pkg/proposal"
	"github.com/astromechza/graphsync/pkg/session"
)

const EnvPrefix = "GRAPHSYNC_"

type Config struct {
	Listen   string         `yaml:"listen"`
	LogLevel string         `yaml:"logLevel"`
	Backend  backend.Config `yaml:"backend"`

	FlushInterval   time.Duration `yaml:"flushInterval"`
	PresenceTimeout time.Duration `yaml:"presenceTimeout"`
	PingInterval    time.Duration `yaml:"pingInterval"`
	MaxBacklog      int           `yaml:"maxBacklog"`

	// Server is the base url of graphsyncd used by clients.
	Server        string        `yaml:"server"`
	ProposalMode  string        `yaml:"proposalMode"`
	Debounce      time.Duration `yaml:"debounce"`
	CaptureWindow time.Duration `yaml:"captureWindow"`
	ReconnectMin  time.Duration `yaml:"reconnectMin"`
	ReconnectMax  time.Duration `yaml:"reconnectMax"`
}

func Default() Config {
	return Config{
		Listen:          "localhost:8080",
		LogLevel:        "info",
		Backend:         backend.Config{Driver: backend.DriverFS},
		FlushInterval:   session.DefaultFlushInterval,
		PresenceTimeout: awareness.DefaultTimeout,
		PingInterval:    session.DefaultPingInterval,
		MaxBacklog:      session.DefaultMaxBacklog,
		Server:          "http://localhost:8080",
		ProposalMode:    "replace",
		Debounce:        projector.DefaultDebounce,
		CaptureWindow:   history.DefaultCaptureWindow,
		ReconnectMin:    session.DefaultMinReconnectDelay,
		ReconnectMax:    session.DefaultMaxReconnectDelay,
	}
}

// setting is one configurable value, reachable as GRAPHSYNC_<env> and, for
// the ones that have a flag name, as a command line flag.
type setting struct {
	env   string
	flag  string
	usage string
	set   func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func duration(dst func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

var settings = []setting{
	{"LISTEN", "listen", "address to serve http on", str(func(c *Config) *string { return &c.Listen })},
	{"LOG_LEVEL", "log-level", "debug, info, warn or error", str(func(c *Config) *string { return &c.LogLevel })},
	{"BACKEND", "backend", "persistence driver: memory, fs, sqlite, postgres, s3 or redis", func(c *Config, v string) error {
		c.Backend.Driver = backend.Driver(v)
		return nil
	}},
	{"BACKEND_PATH", "backend-path", "directory of the fs driver or database file of the sqlite driver", str(func(c *Config) *string { return &c.Backend.Path })},
	{"BACKEND_DSN", "backend-dsn", "postgres connection string", str(func(c *Config) *string { return &c.Backend.DSN })},
	{"BACKEND_PREFIX", "", "", str(func(c *Config) *string { return &c.Backend.Prefix })},
	{"REDIS_URL", "redis-url", "redis url of the redis driver", str(func(c *Config) *string { return &c.Backend.RedisURL })},
	{"S3_BUCKET", "s3-bucket", "bucket of the s3 driver", str(func(c *Config) *string { return &c.Backend.S3.Bucket })},
	{"S3_REGION", "", "", str(func(c *Config) *string { return &c.Backend.S3.Region })},
	{"S3_ENDPOINT", "", "", str(func(c *Config) *string { return &c.Backend.S3.Endpoint })},
	{"S3_PATH_STYLE", "", "", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Backend.S3.PathStyle = b
		return err
	}},
	{"S3_ACCESS_KEY_ID", "", "", str(func(c *Config) *string { return &c.Backend.S3.AccessKeyID })},
	{"S3_SECRET_ACCESS_KEY", "", "", str(func(c *Config) *string { return &c.Backend.S3.SecretAccessKey })},
	{"FLUSH_INTERVAL", "flush-interval", "how often dirty sessions are persisted", duration(func(c *Config) *time.Duration { return &c.FlushInterval })},
	{"PRESENCE_TIMEOUT", "presence-timeout", "how long presence lives without a refresh", duration(func(c *Config) *time.Duration { return &c.PresenceTimeout })},
	{"PING_INTERVAL", "ping-interval", "websocket keepalive interval", duration(func(c *Config) *time.Duration { return &c.PingInterval })},
	{"MAX_BACKLOG", "max-backlog", "queued deltas per peer before falling back to catch-up", integer(func(c *Config) *int { return &c.MaxBacklog })},
	{"SERVER", "server", "base url of graphsyncd", str(func(c *Config) *string { return &c.Server })},
	{"PROPOSAL_MODE", "proposal-mode", "replace or patch", str(func(c *Config) *string { return &c.ProposalMode })},
	{"DEBOUNCE", "", "", duration(func(c *Config) *time.Duration { return &c.Debounce })},
	{"CAPTURE_WINDOW", "", "", duration(func(c *Config) *time.Duration { return &c.CaptureWindow })},
	{"RECONNECT_MIN", "", "", duration(func(c *Config) *time.Duration { return &c.ReconnectMin })},
	{"RECONNECT_MAX", "", "", duration(func(c *Config) *time.Duration { return &c.ReconnectMax })},
}

// ReadFile overlays the YAML file at path onto c.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays every GRAPHSYNC_* variable that lookup finds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, s := range settings {
		if v, ok := lookup(EnvPrefix + s.env); ok {
			if err := s.set(c, v); err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, s.env, err)
			}
		}
	}
	return nil
}

// LoadDotEnv loads the given env files, or .env when none are given, without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Resolve builds a config from the defaults, the optional YAML file and the
// environment.
func Resolve(path string, lookup func(string) (string, bool)) (Config, error) {
	c, err := resolve(path, lookup)
	if err != nil {
		return c, err
	}
	return c, c.Validate()
}

func resolve(path string, lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	if path != "" {
		if err := c.ReadFile(path); err != nil {
			return c, err
		}
	}
	return c, c.ApplyEnv(lookup)
}

// Load registers the config flags, parses args and resolves the config
// with flags taking precedence over everything else. The YAML file is named
// by -config or GRAPHSYNC_CONFIG.
func Load(flags *flag.FlagSet, args []string) (Config, error) {
	path, _ := os.LookupEnv(EnvPrefix + "CONFIG")
	flags.StringVar(&path, "config", path, "yaml config file")

	type pending struct {
		s setting
		v string
	}
	var flagged []pending
	defaults := Default()
	for _, s := range settings {
		if s.flag == "" {
			continue
		}
		usage := fmt.Sprintf("%s (env %s%s)", s.usage, EnvPrefix, s.env)
		if def := defaultString(defaults, s.flag); def != "" {
			usage += fmt.Sprintf(" (default %s)", def)
		}
		flags.Func(s.flag, usage, func(v string) error {
			var probe Config
			if err := s.set(&probe, v); err != nil {
				return err
			}
			flagged = append(flagged, pending{s: s, v: v})
			return nil
		})
	}
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	if err := LoadDotEnv(); err != nil {
		return Config{}, err
	}
	c, err := resolve(path, os.LookupEnv)
	if err != nil {
		return c, err
	}
	for _, p := range flagged {
		if err := p.s.set(&c, p.v); err != nil {
			return c, err
		}
	}
	return c, c.Validate()
}

func defaultString(c Config, flagName string) string {
	switch flagName {
	case "listen":
		return c.Listen
	case "log-level":
		return c.LogLevel
	case "backend":
		return string(c.Backend.Driver)
	case "flush-interval":
		return c.FlushInterval.String()
	case "presence-timeout":
		return c.PresenceTimeout.String()
	case "ping-interval":
		return c.PingInterval.String()
	case "max-backlog":
		return strconv.Itoa(c.MaxBacklog)
	case "server":
		return c.Server
	case "proposal-mode":
		return c.ProposalMode
	}
	return ""
}

func (c Config) Validate() error {
	var errs []error
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flushInterval must be positive"))
	}
	if c.PresenceTimeout <= 0 {
		errs = append(errs, errors.New("presenceTimeout must be positive"))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, errors.New("pingInterval must be positive"))
	}
	if c.MaxBacklog <= 0 {
		errs = append(errs, errors.New("maxBacklog must be positive"))
	}
	if c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, errors.New("reconnectMax must not be less than reconnectMin"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := proposal.ParseMode(c.ProposalMode); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Logger builds the text logger on stderr that the binaries use.
func (c Config) Logger() *slog.Logger {
	level, _ := c.Level()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
