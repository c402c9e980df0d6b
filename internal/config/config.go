// Package config loads savepoint settings.
//
// Sources are layered, later ones overriding earlier ones:
//
//  1. Built-in defaults
//  2. A configuration file (TOML, or YAML for .yaml/.yml)
//  3. SAVEPOINT_* environment variables
//
// Command-line flags are applied on top by the caller.
//
// Example file:
//
//	[history]
//	max_entries = 100
//
//	[save]
//	debounce = "2s"
//
//	[store]
//	driver = "sqlite"
//	path = "/var/lib/savepoint/savepoint.db"
//	busy_timeout = "5s"
//	synchronous = "FULL"
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Config is the complete set of settings.
type Config struct {
	History HistoryConfig
	Save    SaveConfig
	Store   StoreConfig
	Logging LoggingConfig
}

// HistoryConfig bounds in-memory history.
type HistoryConfig struct {
	MaxEntries int
}

// SaveConfig controls save points.
type SaveConfig struct {
	Debounce time.Duration
}

// StoreConfig selects where save points are kept.
type StoreConfig struct {
	Driver    string
	Path      string
	CacheSize int

	// SQLite pragmas.
	BusyTimeout time.Duration
	Synchronous string
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level       string
	Development bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		History: HistoryConfig{MaxEntries: 50},
		Save:    SaveConfig{Debounce: 3 * time.Second},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			Path:        "savepoint.db",
			CacheSize:   128,
			BusyTimeout: 10 * time.Second,
			Synchronous: "NORMAL",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.History.MaxEntries <= 0 {
		errs = append(errs, fieldError("history.max_entries", "must be positive, got %d", c.History.MaxEntries))
	}
	if c.Save.Debounce < 0 {
		errs = append(errs, fieldError("save.debounce", "must not be negative, got %v", c.Save.Debounce))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverFile:
		if c.Store.Path == "" {
			errs = append(errs, fieldError("store.path", "required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fieldError("store.driver", "unknown driver %q", c.Store.Driver))
	}
	if c.Store.CacheSize <= 0 {
		errs = append(errs, fieldError("store.cache_size", "must be positive, got %d", c.Store.CacheSize))
	}
	if c.Store.BusyTimeout < 0 {
		errs = append(errs, fieldError("store.busy_timeout", "must not be negative, got %v", c.Store.BusyTimeout))
	}
	switch strings.ToUpper(c.Store.Synchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		errs = append(errs, fieldError("store.synchronous", "unknown mode %q", c.Store.Synchronous))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fieldError("logging.level", "unknown level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// Loader reads layered configuration.
type Loader struct {
	fs      FileSystem
	environ func() []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFS sets the file system configuration files are read from.
func WithFS(fsys FileSystem) LoaderOption {
	return func(l *Loader) {
		if fsys != nil {
			l.fs = fsys
		}
	}
}

// WithEnviron sets the environment source. Default: os.Environ.
func WithEnviron(environ func() []string) LoaderOption {
	return func(l *Loader) {
		if environ != nil {
			l.environ = environ
		}
	}
}

// NewLoader creates a loader over the OS file system and environment.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		fs:      OSFS{},
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load layers defaults, the file at path and the environment, then
// validates the result. An empty path or a missing file skips the file
// layer.
func (l *Loader) Load(path string) (Config, error) {
	merged := make(map[string]any)

	if path != "" {
		fileMap, err := readFile(l.fs, path)
		if err != nil {
			return Config{}, err
		}
		merged = DeepMerge(merged, fileMap)
	}
	merged = DeepMerge(merged, envMap(EnvPrefix, l.environ()))

	cfg, err := decode(Default(), merged)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads configuration with the default loader.
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}

// decode overlays values from m onto base.
func decode(base Config, m map[string]any) (Config, error) {
	a := accessor{data: m}
	cfg := base

	cfg.History.MaxEntries = a.getInt("history.max_entries", cfg.History.MaxEntries)
	cfg.Save.Debounce = a.getDuration("save.debounce", cfg.Save.Debounce)
	cfg.Store.Driver = a.getString("store.driver", cfg.Store.Driver)
	cfg.Store.Path = a.getString("store.path", cfg.Store.Path)
	cfg.Store.CacheSize = a.getInt("store.cache_size", cfg.Store.CacheSize)
	cfg.Store.BusyTimeout = a.getDuration("store.busy_timeout", cfg.Store.BusyTimeout)
	cfg.Store.Synchronous = a.getString("store.synchronous", cfg.Store.Synchronous)
	cfg.Logging.Level = a.getString("logging.level", cfg.Logging.Level)
	cfg.Logging.Development = a.getBool("logging.development", cfg.Logging.Development)

	if len(a.errs) > 0 {
		return Config{}, errors.Join(a.errs...)
	}
	return cfg, nil
}

// FieldError reports an invalid value at a configuration path.
type FieldError struct {
	Path    string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Path, e.Message)
}

func fieldError(path, format string, args ...any) error {
	return &FieldError{Path: path, Message: fmt.Sprintf(format, args...)}
}
