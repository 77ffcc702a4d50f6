package config

import (
	"fmt"
	"os"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PLANEXEC_"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in ascending precedence:
//
//  1. Built-in defaults
//  2. YAML config file (configPath, skipped when empty or missing)
//  3. Environment variables (PLANEXEC_EXECUTION_MAX_CONCURRENT etc.)
//
// Environment variables map underscore-separated segments onto nested keys:
//
//	PLANEXEC_LOGGING_LEVEL            -> logging.level
//	PLANEXEC_EXECUTION_TASK_TIMEOUT   -> execution.task_timeout
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(data), kyaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envTransform maps PLANEXEC_SECTION_SOME_KEY onto section.some_key.
// The first segment selects the section; the rest join with underscores.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	switch parts[0] {
	case "logging", "execution", "gates":
		return parts[0] + "." + parts[1]
	default:
		// Top-level keys like work_dir keep their underscores.
		return s
	}
}
