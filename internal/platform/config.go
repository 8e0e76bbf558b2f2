package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/humus/pkg/index"
	"github.com/aretw0/humus/pkg/replication"
)

// ConfigFileName is the database configuration file at the root.
const ConfigFileName = "humus.yaml"

// Config is the content of humus.yaml.
type Config struct {
	SystemDir   string       `yaml:"system_dir,omitempty"`
	CacheSize   int          `yaml:"cache_size,omitempty"`
	RevsLimit   int          `yaml:"revs_limit,omitempty"`
	StopWords   []string     `yaml:"stop_words,omitempty"`
	Listen      string       `yaml:"listen,omitempty"` // address used by `humus serve`
	Indexes     []index.Spec `yaml:"indexes,omitempty"`
	Replication []Target     `yaml:"replication,omitempty"`
}

// Target is a named replication peer.
type Target struct {
	Name         string        `yaml:"name"`
	URL          string        `yaml:"url"`
	Direction    string        `yaml:"direction,omitempty"`
	Continuous   bool          `yaml:"continuous,omitempty"`
	Filter       string        `yaml:"filter,omitempty"`
	Session      string        `yaml:"session,omitempty"`
	BatchSize    int           `yaml:"batch_size,omitempty"`
	MaxRetries   int           `yaml:"max_retries,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	MaxPushRate  float64       `yaml:"max_push_rate,omitempty"`
}

// LoadConfig reads humus.yaml from root. A missing file yields an empty
// config.
func LoadConfig(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ConfigFileName, err)
	}
	for _, spec := range cfg.Indexes {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid index in %s: %w", ConfigFileName, err)
		}
	}
	seen := make(map[string]bool, len(cfg.Replication))
	for _, t := range cfg.Replication {
		if t.Name == "" || t.URL == "" {
			return nil, fmt.Errorf("replication target in %s needs a name and a url", ConfigFileName)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate replication target %q", t.Name)
		}
		seen[t.Name] = true
	}
	return &cfg, nil
}

// SaveConfig writes cfg to root/humus.yaml.
func SaveConfig(root string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Options converts the file settings into open options. Explicit options
// passed after these win.
func (c *Config) Options() []Option {
	var opts []Option
	if c.SystemDir != "" {
		opts = append(opts, WithSystemDir(c.SystemDir))
	}
	if c.CacheSize > 0 {
		opts = append(opts, WithCacheSize(c.CacheSize))
	}
	if c.RevsLimit > 0 {
		opts = append(opts, WithRevsLimit(c.RevsLimit))
	}
	if len(c.StopWords) > 0 {
		opts = append(opts, WithStopWords(c.StopWords...))
	}
	if len(c.Indexes) > 0 {
		opts = append(opts, WithIndexes(c.Indexes...))
	}
	return opts
}

// Target returns the replication target called name.
func (c *Config) Target(name string) (Target, bool) {
	for _, t := range c.Replication {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// ReplicationConfig builds the replicator settings for t.
func (t Target) ReplicationConfig(logger *slog.Logger) (replication.Config, error) {
	dir, err := replication.ParseDirection(t.Direction)
	if err != nil {
		return replication.Config{}, err
	}
	return replication.Config{
		Endpoint:     replication.URLEndpoint(t.URL),
		Direction:    dir,
		Continuous:   t.Continuous,
		Session:      t.Session,
		Filter:       t.Filter,
		BatchSize:    t.BatchSize,
		MaxRetries:   t.MaxRetries,
		PollInterval: t.PollInterval,
		MaxPushRate:  t.MaxPushRate,
		Logger:       logger,
	}, nil
}
