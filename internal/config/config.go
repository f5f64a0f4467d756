// Package config loads stepgraph settings from defaults, an optional YAML
// file and STEPGRAPH_* environment variables, in that order.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/aretw0/stepgraph/internal/logging"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. STEPGRAPH_STORE_DRIVER.
const EnvPrefix = "STEPGRAPH"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Events  EventsConfig  `mapstructure:"events" yaml:"events"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Lock    LockConfig    `mapstructure:"lock" yaml:"lock"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Process ProcessConfig `mapstructure:"process" yaml:"process"`
}

type ServerConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type StoreConfig struct {
	Driver string      `mapstructure:"driver" yaml:"driver"`
	DSN    string      `mapstructure:"dsn" yaml:"dsn"`
	Redis  RedisConfig `mapstructure:"redis" yaml:"redis"`

	// EncryptionKey is a base64 AES-256 key; when set, run state and
	// history are encrypted at rest. FallbackKeys decrypt older records.
	EncryptionKey string   `mapstructure:"encryption_key" yaml:"encryption_key"`
	FallbackKeys  []string `mapstructure:"fallback_keys" yaml:"fallback_keys"`
	// MaskKeys are regular expressions; matching state keys are masked
	// in stored records.
	MaskKeys []string `mapstructure:"mask_keys" yaml:"mask_keys"`
}

// RedisConfig is shared by the redis store, event bus and locker.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type EventsConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Buffer int    `mapstructure:"buffer" yaml:"buffer"`
}

type EngineConfig struct {
	Pacing   time.Duration `mapstructure:"pacing" yaml:"pacing"`
	MaxSteps int           `mapstructure:"max_steps" yaml:"max_steps"`
}

// LockConfig enables the distributed run lock (requires redis).
type LockConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ProcessConfig points at a file of graphs built from local commands.
// Dir is the working directory of those commands; it defaults to the
// directory holding File.
type ProcessConfig struct {
	File string `mapstructure:"file" yaml:"file"`
	Dir  string `mapstructure:"dir" yaml:"dir"`
}

// Default returns the built-in configuration: everything in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Store: StoreConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "stepgraph:run:",
			},
		},
		Events: EventsConfig{
			Driver: DriverMemory,
			Buffer: 16,
		},
		Engine: EngineConfig{
			Pacing: 500 * time.Millisecond,
		},
		Lock: LockConfig{
			TTL: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration. An empty path skips the file; a path that
// does not exist is an error.
func Load(path string) (*Config, error) {
	return load(path, os.Environ())
}

func load(path string, environ []string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}

	if env := envOverrides(environ); len(env) > 0 {
		if err := decode(env, cfg); err != nil {
			return nil, fmt.Errorf("invalid environment override: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(input map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// envOverrides maps STEPGRAPH_<SECTION>_<KEY> variables onto the nested
// layout of Config. Only known keys are picked up.
func envOverrides(environ []string) map[string]any {
	values := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix+"_") {
			values[k] = v
		}
	}
	if len(values) == 0 {
		return nil
	}

	out := make(map[string]any)
	for _, path := range leafPaths(reflect.TypeOf(Config{}), nil) {
		name := EnvPrefix + "_" + strings.ToUpper(strings.Join(path, "_"))
		v, ok := values[name]
		if !ok {
			continue
		}
		node := out
		for _, seg := range path[:len(path)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[seg] = child
			}
			node = child
		}
		node[path[len(path)-1]] = v
	}
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

// leafPaths lists the mapstructure key path of every scalar field.
func leafPaths(t reflect.Type, prefix []string) [][]string {
	var paths [][]string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		path := append(append([]string{}, prefix...), tag)
		if f.Type.Kind() == reflect.Struct && f.Type != durationType {
			paths = append(paths, leafPaths(f.Type, path)...)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverPostgres:
		if c.Store.Driver == DriverPostgres && c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Events.Driver {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown events.driver %q", c.Events.Driver))
	}

	for i, k := range append([]string{c.Store.EncryptionKey}, c.Store.FallbackKeys...) {
		if k == "" {
			continue
		}
		if _, err := DecodeKey(k); err != nil {
			errs = append(errs, fmt.Errorf("store encryption key %d: %w", i, err))
		}
	}
	if len(c.Store.FallbackKeys) > 0 && c.Store.EncryptionKey == "" {
		errs = append(errs, errors.New("store.fallback_keys requires store.encryption_key"))
	}
	for _, p := range c.Store.MaskKeys {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("invalid store.mask_keys pattern %q: %w", p, err))
		}
	}

	if c.NeedsRedis() && c.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("store.redis.addr is required"))
	}
	if c.Engine.Pacing < 0 {
		errs = append(errs, errors.New("engine.pacing must not be negative"))
	}
	if c.Engine.MaxSteps < 0 {
		errs = append(errs, errors.New("engine.max_steps must not be negative"))
	}
	if c.Events.Buffer <= 0 {
		errs = append(errs, errors.New("events.buffer must be positive"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// DecodeKey decodes a base64 AES-256 key.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// NeedsRedis reports whether any component is backed by Redis.
func (c *Config) NeedsRedis() bool {
	return c.Store.Driver == DriverRedis || c.Events.Driver == DriverRedis || c.Lock.Enabled
}
