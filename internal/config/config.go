// Package config loads the daemon's rc file (YAML) and applies defaults and
// validation. Flags on the command line override individual fields after
// loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "150ms" parse naturally.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the daemon's full configuration.
type Config struct {
	// Self is this node's endpoint as the cluster knows it (host:port).
	Self string `yaml:"self"`
	// Peers are the other nodes of the fixed cluster.
	Peers []string `yaml:"peers"`
	// Listen is the address the HTTP server binds. Defaults to Self.
	Listen string `yaml:"listen"`

	// DataDir holds the raft log and the content store unless their paths
	// are set explicitly.
	DataDir   string `yaml:"data_dir"`
	RaftLog   string `yaml:"raft_log"`
	StorePath string `yaml:"store"`

	ElectionTimeoutMin Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`

	// LogFile receives the daemon's log output; empty means stderr.
	LogFile string `yaml:"log_file"`
	// Verbose enables protocol-level logging from the Raft core.
	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in configuration. The election range follows the
// 150-300ms recommendation, with the heartbeat at a third of its lower bound.
func Default() Config {
	return Config{
		DataDir:            "data",
		ElectionTimeoutMin: Duration(150 * time.Millisecond),
		ElectionTimeoutMax: Duration(300 * time.Millisecond),
		HeartbeatInterval:  Duration(50 * time.Millisecond),
	}
}

// Load reads and decodes the YAML rc file at path on top of the defaults.
// Unknown fields are errors so that typos do not silently fall back to a
// default.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills fields derivable from others.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = c.Self
	}
	if c.RaftLog == "" {
		c.RaftLog = filepath.Join(c.DataDir, "raft.log")
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "store.db")
	}
}

// Validate returns every problem found, not just the first, so an operator
// can fix a config file in one pass.
func (c Config) Validate() []error {
	var errs []error

	if c.Self == "" {
		errs = append(errs, fmt.Errorf("self endpoint is required"))
	}
	seen := map[string]bool{c.Self: true}
	for _, p := range c.Peers {
		switch {
		case p == "":
			errs = append(errs, fmt.Errorf("empty peer endpoint"))
		case seen[p]:
			errs = append(errs, fmt.Errorf("duplicate endpoint %q", p))
		default:
			seen[p] = true
		}
	}

	if c.ElectionTimeoutMin <= 0 {
		errs = append(errs, fmt.Errorf("election_timeout_min must be positive"))
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		errs = append(errs, fmt.Errorf("election_timeout_max must be >= election_timeout_min"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive"))
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be below election_timeout_min"))
	}

	return errs
}

// Dump renders the configuration as YAML, for -dump-config.
func (c Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}
