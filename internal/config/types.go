package config

import "time"

// Config represents the complete crucible configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Runtime RuntimeConfig `yaml:"runtime"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LockPath  string `yaml:"lock_path"`
}

// RuntimeConfig defines how worker runtimes are located and supervised.
type RuntimeConfig struct {
	// RootDir is the base directory under which each runtime version is
	// installed (RootDir/<version>).
	RootDir string `yaml:"root_dir"`

	// Version is the default runtime version for new instances.
	Version string `yaml:"version"`

	// Worker is the worker executable path, relative to the version's
	// runtime root unless absolute.
	Worker string `yaml:"worker"`

	// BundlePath is the staged runtime bundle archive (tar.gz) unpacked
	// into the runtime root on first use.
	BundlePath string `yaml:"bundle_path"`

	// BundleChecksum is an optional BLAKE3 hex digest the bundle archive
	// must match before it is unpacked.
	BundleChecksum string `yaml:"bundle_checksum,omitempty"`

	// OutputFile, when set, receives the worker's stderr (created or
	// truncated at spawn).
	OutputFile string `yaml:"output_file,omitempty"`

	// GracePeriod bounds the wait for cooperative worker exit at teardown
	// before the process is killed.
	GracePeriod time.Duration `yaml:"grace_period"`

	// KeepEnv lists controller environment variables forwarded to the
	// worker when present. Everything else is stripped.
	KeepEnv []string `yaml:"keep_env,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "crucible",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/crucible.pid",
		},
		Runtime: RuntimeConfig{
			RootDir:     "./data/runtimes",
			Version:     "3.1",
			Worker:      "bin/crucible-worker",
			BundlePath:  "./data/runtime-bundle.tgz",
			GracePeriod: 2 * time.Second,
		},
		State: StateConfig{
			Path: "./data/crucible.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
