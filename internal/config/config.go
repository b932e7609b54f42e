// Package config loads peer configuration.
//
// Sources are layered: built-in defaults, then an optional YAML file,
// then TIMEWARP_* environment variables. The result is validated against
// an embedded CUE schema before use. Callers pass command-line flags as
// overrides to Load.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/timewarp/internal/peer"
	"github.com/roach88/timewarp/internal/transport/ws"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "TIMEWARP_"

// Config is the full peer configuration.
type Config struct {
	Session Session `yaml:"session" json:"session" envPrefix:"SESSION_"`
	Network Network `yaml:"network" json:"network" envPrefix:"NETWORK_"`
	Journal Journal `yaml:"journal" json:"journal" envPrefix:"JOURNAL_"`
	Metrics Metrics `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
	Log     Log     `yaml:"log" json:"log" envPrefix:"LOG_"`
}

// Session sizes the replicated simulation.
type Session struct {
	Players         int32         `yaml:"players" json:"players" env:"PLAYERS"`
	Player          int32         `yaml:"player" json:"player" env:"PLAYER"`
	Seed            uint64        `yaml:"seed" json:"seed" env:"SEED"`
	Tick            time.Duration `yaml:"tick" json:"tick" env:"TICK"`
	Horizon         time.Duration `yaml:"horizon" json:"horizon" env:"HORIZON"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout" json:"snapshot_timeout" env:"SNAPSHOT_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" json:"ping_interval" env:"PING_INTERVAL"`
}

// Network configures the websocket mesh.
type Network struct {
	Listen       string        `yaml:"listen" json:"listen" env:"LISTEN"`
	Path         string        `yaml:"path" json:"path" env:"PATH"`
	Advertise    string        `yaml:"advertise" json:"advertise" env:"ADVERTISE"`
	Seeds        []string      `yaml:"seeds" json:"seeds" env:"SEEDS" envSeparator:","`
	RetryFor     time.Duration `yaml:"retry_for" json:"retry_for" env:"RETRY_FOR"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	Discover     bool          `yaml:"discover" json:"discover" env:"DISCOVER"`
	Service      string        `yaml:"service" json:"service" env:"SERVICE"`
	DiscoverFor  time.Duration `yaml:"discover_for" json:"discover_for" env:"DISCOVER_FOR"`
}

// Journal configures the SQLite journal. An empty path disables it.
type Journal struct {
	Path string `yaml:"path" json:"path" env:"PATH"`
}

// Metrics configures the Prometheus endpoint. An empty listen address
// disables it.
type Metrics struct {
	Listen string `yaml:"listen" json:"listen" env:"LISTEN"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
}

// Default returns a valid single-player configuration.
func Default() Config {
	return Config{
		Session: Session{
			Players:         1,
			Tick:            peer.DefaultTick,
			Horizon:         peer.DefaultHorizon,
			SnapshotTimeout: peer.DefaultSnapshotTimeout,
			PingInterval:    peer.DefaultPingInterval,
		},
		Network: Network{
			Listen:       ":7420",
			Path:         ws.DefaultPath,
			RetryFor:     ws.DefaultRetryFor,
			WriteTimeout: ws.DefaultWriteTimeout,
			Service:      ws.DefaultService,
			DiscoverFor:  ws.DefaultDiscoverFor,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load layers defaults, the YAML file at path (skipped if path is
// empty), the environment and then overrides, and validates the result.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	for _, override := range overrides {
		override(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so typos do not silently fall back to
// defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ValidationError lists every schema violation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// IsValidationError reports whether err is a schema violation.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks c against the embedded schema.
func (c Config) Validate() error {
	if c.Network.Seeds == nil {
		c.Network.Seeds = []string{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := ctx.Encode(c)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		ve := &ValidationError{}
		for _, e := range cueerrors.Errors(err) {
			ve.Problems = append(ve.Problems, e.Error())
		}
		return ve
	}
	return nil
}

// Peer converts the session section.
func (c Config) Peer() peer.Config {
	return peer.Config{
		Players:         c.Session.Players,
		Player:          c.Session.Player,
		Seed:            c.Session.Seed,
		Tick:            c.Session.Tick,
		Horizon:         c.Session.Horizon,
		SnapshotTimeout: c.Session.SnapshotTimeout,
		PingInterval:    c.Session.PingInterval,
	}
}

// WS converts the network section.
func (c Config) WS() ws.Config {
	return ws.Config{
		Listen:       c.Network.Listen,
		Path:         c.Network.Path,
		Advertise:    c.Network.Advertise,
		Seeds:        c.Network.Seeds,
		RetryFor:     c.Network.RetryFor,
		WriteTimeout: c.Network.WriteTimeout,
		Discover:     c.Network.Discover,
		Service:      c.Network.Service,
		DiscoverFor:  c.Network.DiscoverFor,
	}
}

// Level parses the log level. Unknown levels mean info.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
