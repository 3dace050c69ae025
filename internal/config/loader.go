package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".wagateway"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "WAGATEWAY"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("WAGATEWAY_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("WAGATEWAY_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/wagateway/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err == nil {
		data, err := readConfigTree(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Credentials.Backend = strings.ToLower(strings.TrimSpace(cfg.Credentials.Backend))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	home, _ := resolveHomeDir()
	expandHome := func(p *string) {
		if home != "" && strings.HasPrefix(*p, "~") {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
	expandHome(&cfg.Sessions.WorkDir)
	expandHome(&cfg.Timeline.Path)
	if cfg.Credentials.Backend == BackendSQLite {
		expandHome(&cfg.Credentials.DSN)
	}

	if cfg.Webhook.Attempts <= 0 {
		cfg.Webhook.Attempts = 1
	}
	if cfg.Sessions.ResetDelay < 0 {
		cfg.Sessions.ResetDelay = 0
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	groups := []struct {
		name   string
		target any
	}{
		{"GATEWAY", &cfg.Gateway},
		{"WEBHOOK", &cfg.Webhook},
		{"SESSIONS", &cfg.Sessions},
		{"CREDENTIALS", &cfg.Credentials},
		{"TIMELINE", &cfg.Timeline},
		{"KAFKA", &cfg.Kafka},
		{"LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.target); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, g.name, err)
		}
	}
	return nil
}
