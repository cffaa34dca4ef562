// Package config assembles node configuration from an optional YAML
// file, a .env file, and environment variables, in increasing
// precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full node configuration.
type Config struct {
	// Domain is this node's public domain, the identity it federates
	// under. NEXT_PUBLIC_NODE_DOMAIN is honored for compatibility with
	// older deployments.
	Domain string `yaml:"domain"`

	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`
	NodeKeyFile string `yaml:"node_key_file"`

	// SeedNodes are domains announced to at startup.
	SeedNodes []string `yaml:"seed_nodes"`

	// AllowKeyRotation permits remote identities to change their pinned
	// key.
	AllowKeyRotation bool `yaml:"allow_key_rotation"`

	// InsecureFederation switches federation requests to plain http for
	// local multi-node development.
	InsecureFederation bool `yaml:"insecure_federation"`

	SoftwareVersion string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func defaults() Config {
	return Config{
		ListenAddr:      ":8080",
		NodeKeyFile:     "data/node.key",
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads configuration: YAML file (when path is non-empty), then
// .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	applyEnv(&cfg)

	if cfg.Domain == "" {
		return nil, fmt.Errorf("node domain is required (SYNAPSIS_DOMAIN or NEXT_PUBLIC_NODE_DOMAIN)")
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNAPSIS_DOMAIN"); v != "" {
		cfg.Domain = v
	} else if v := os.Getenv("NEXT_PUBLIC_NODE_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("SYNAPSIS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SYNAPSIS_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SYNAPSIS_NODE_KEY_FILE"); v != "" {
		cfg.NodeKeyFile = v
	}
	if v := os.Getenv("SYNAPSIS_SEED_NODES"); v != "" {
		cfg.SeedNodes = splitList(v)
	}
	if v := os.Getenv("ALLOW_KEY_ROTATION"); v != "" {
		cfg.AllowKeyRotation = parseBool(v)
	}
	if v := os.Getenv("SYNAPSIS_INSECURE_FEDERATION"); v != "" {
		cfg.InsecureFederation = parseBool(v)
	}
	if v := os.Getenv("SYNAPSIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SYNAPSIS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.ToLower(v))
	return err == nil && b
}
