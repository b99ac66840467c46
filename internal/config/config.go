// Package config loads server and CLI settings from an optional YAML file
// with environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcules/vidi-runtime/internal/observability"
)

type Config struct {
	Log        LogConfig                   `yaml:"log"`
	Devices    DeviceConfig                `yaml:"devices"`
	Server     ServerConfig                `yaml:"server"`
	Remote     RemoteConfig                `yaml:"remote"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
	Workspaces map[string]string           `yaml:"workspaces"` // name -> path, opened at startup
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DeviceConfig struct {
	Mode string `yaml:"mode"`
	IDs  []int  `yaml:"ids"`

	// Simulated backend.
	Count            int           `yaml:"count"`
	DispatchOverhead time.Duration `yaml:"dispatch_overhead"`
	CostPerMegapixel time.Duration `yaml:"cost_per_megapixel"`
}

type ServerConfig struct {
	GRPCAddr     string `yaml:"grpc_addr"`
	HTTPAddr     string `yaml:"http_addr"`
	KeysDB       string `yaml:"keys_db"`
	RequireKeys  bool   `yaml:"require_keys"`
	ActivitySize int    `yaml:"activity_size"`
}

type RemoteConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	APIKey            string        `yaml:"api_key"`
}

func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Devices: DeviceConfig{Mode: "single", Count: 2, DispatchOverhead: 2 * time.Millisecond},
		Server: ServerConfig{
			GRPCAddr:     ":9090",
			HTTPAddr:     ":8080",
			KeysDB:       "keys.db",
			ActivitySize: 300,
		},
		Remote: RemoteConfig{
			ConnectTimeout:    5 * time.Second,
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  5 * time.Second,
		},
		Tracing: observability.TracingConfig{Exporter: "none", SampleRatio: 1},
	}
}

// Load reads path (skipped when empty) over the defaults and then applies
// VIDI_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config yaml: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Log.Level = envOr("VIDI_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("VIDI_LOG_FORMAT", c.Log.Format)

	c.Devices.Mode = envOr("VIDI_GPU_MODE", c.Devices.Mode)
	c.Devices.Count = envOrInt("VIDI_SIM_DEVICES", c.Devices.Count)
	if v := os.Getenv("VIDI_GPU_IDS"); v != "" {
		if ids, err := ParseIDs(v); err == nil {
			c.Devices.IDs = ids
		}
	}

	c.Server.GRPCAddr = envOr("VIDI_GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.HTTPAddr = envOr("VIDI_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.KeysDB = envOr("VIDI_KEYS_DB_PATH", c.Server.KeysDB)

	c.Remote.ConnectTimeout = envOrDuration("VIDI_CONNECT_TIMEOUT", c.Remote.ConnectTimeout)
	c.Remote.HeartbeatInterval = envOrDuration("VIDI_HEARTBEAT_INTERVAL", c.Remote.HeartbeatInterval)
	c.Remote.HeartbeatTimeout = envOrDuration("VIDI_HEARTBEAT_TIMEOUT", c.Remote.HeartbeatTimeout)
	c.Remote.APIKey = envOr("VIDI_API_KEY", c.Remote.APIKey)

	c.Tracing.Exporter = envOr("VIDI_OTEL_EXPORTER", c.Tracing.Exporter)
}

func (c Config) Validate() error {
	if c.Devices.Count < 0 {
		return fmt.Errorf("devices.count must not be negative")
	}
	for _, id := range c.Devices.IDs {
		if id < 0 {
			return fmt.Errorf("devices.ids: negative id %d", id)
		}
	}
	if c.Remote.HeartbeatInterval <= 0 || c.Remote.HeartbeatTimeout < c.Remote.HeartbeatInterval {
		return fmt.Errorf("remote heartbeat: timeout %v must be at least interval %v", c.Remote.HeartbeatTimeout, c.Remote.HeartbeatInterval)
	}
	return nil
}

// ParseIDs parses a comma separated device id list. An empty string is an
// empty list.
func ParseIDs(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid device id %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envOrInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
