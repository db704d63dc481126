package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. Values of the form
// ${ENV_VAR} are expanded from the process environment before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} references with values from the environment.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// applyDefaults fills zero values left by partial config files.
func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.Service.LockPath == "" {
		cfg.Service.LockPath = def.Service.LockPath
	}
	if cfg.Runtime.RootDir == "" {
		cfg.Runtime.RootDir = def.Runtime.RootDir
	}
	if cfg.Runtime.Version == "" {
		cfg.Runtime.Version = def.Runtime.Version
	}
	if cfg.Runtime.Worker == "" {
		cfg.Runtime.Worker = def.Runtime.Worker
	}
	if cfg.Runtime.GracePeriod <= 0 {
		cfg.Runtime.GracePeriod = def.Runtime.GracePeriod
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Runtime.RootDir == "" {
		return fmt.Errorf("runtime.root_dir is required")
	}
	if c.Runtime.Version == "" {
		return fmt.Errorf("runtime.version is required")
	}
	if c.Runtime.Worker == "" {
		return fmt.Errorf("runtime.worker is required")
	}
	if c.Runtime.GracePeriod <= 0 {
		return fmt.Errorf("runtime.grace_period must be positive")
	}
	if c.API.Enabled {
		if c.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if c.API.Auth.APIKey == "" && len(c.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when api.enabled is true")
		}
		for i, tok := range c.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d] has no scopes", i)
			}
		}
	}
	return nil
}

// RuntimeRoot returns the installation directory for a runtime version.
func (c *RuntimeConfig) RuntimeRoot(version string) string {
	return filepath.Join(c.RootDir, version)
}

// WorkerPath returns the worker executable path for a runtime version.
func (c *RuntimeConfig) WorkerPath(version string) string {
	if filepath.IsAbs(c.Worker) {
		return c.Worker
	}
	return filepath.Join(c.RuntimeRoot(version), c.Worker)
}
