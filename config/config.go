// Package config resolves the module's process-wide settings: cache
// directory, default backend, vector width, and log level. Settings are
// layered environment-variable-over-file-over-default, generalized to a
// small YAML document so more than one knob can be configured without
// adding a new environment variable for each.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/arrowjit/arrowjit/logx"
	"github.com/arrowjit/arrowjit/types"
)

const (
	envCache    = "ARROWJIT_CACHE"
	envLibLLVM  = "ARROWJIT_LIBLLVM_PATH"
	envLogLevel = "ARROWJIT_LOG_LEVEL"
	configFile  = "config.yaml"
)

// Config holds the resolved settings for one process.
type Config struct {
	CacheDir      string        `yaml:"cache_dir"`
	LibLLVMPath   string        `yaml:"libllvm_path"`
	LogLevel      string        `yaml:"log_level"`
	DefaultBackend string       `yaml:"default_backend"`
	VectorWidth   int           `yaml:"vector_width"`
	Backend       types.Backend `yaml:"-"`
}

// Default returns the built-in defaults before env/file overrides.
func Default() *Config {
	return &Config{
		CacheDir:       defaultCacheDir(),
		LogLevel:       "warn",
		DefaultBackend: "cpu",
		VectorWidth:    8,
		Backend:        types.CPU,
	}
}

// defaultCacheDir picks an XDG-aware per-OS cache directory.
func defaultCacheDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LocalAppData"); local != "" {
			return filepath.Join(local, "arrowjit")
		}
		return filepath.Join(home, "AppData", "Local", "arrowjit")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "arrowjit")
	default:
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "arrowjit")
		}
		return filepath.Join(home, ".arrowjit")
	}
}

// Load resolves Config from defaults, an optional config.yaml inside the
// resolved cache directory, and environment variables, in that order of
// increasing priority.
func Load() (*Config, error) {
	cfg := Default()

	if env := os.Getenv(envCache); env != "" {
		cfg.CacheDir = env
	}

	path := filepath.Join(cfg.CacheDir, configFile)
	if data, err := os.ReadFile(path); err == nil {
		if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
			return nil, yerr
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if env := os.Getenv(envCache); env != "" {
		cfg.CacheDir = env
	}
	if env := os.Getenv(envLibLLVM); env != "" {
		cfg.LibLLVMPath = env
	}
	if env := os.Getenv(envLogLevel); env != "" {
		cfg.LogLevel = env
	}

	switch cfg.DefaultBackend {
	case "gpu":
		cfg.Backend = types.GPU
	default:
		cfg.Backend = types.CPU
	}
	if cfg.VectorWidth <= 0 {
		cfg.VectorWidth = 8
	}
	return cfg, nil
}

// LogLevelOrWarn parses cfg.LogLevel, falling back to Warn (and logging
// nothing, since the logger doesn't exist yet at this point) on a bad value.
func (c *Config) LogLevelOrWarn() logx.Level {
	lvl, ok := logx.ParseLevel(c.LogLevel)
	if !ok {
		return logx.Warn
	}
	return lvl
}

// EnsureCacheDir creates the cache directory if it does not exist.
func (c *Config) EnsureCacheDir() error {
	return os.MkdirAll(c.CacheDir, 0o755)
}
