// Package config loads the launchr TOML configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/loykin/launchr/internal/env"
)

// EnvPrefix is the prefix of environment variables that override file values,
// e.g. LAUNCHR_STORE_DSN for store.dsn.
const EnvPrefix = "LAUNCHR"

const (
	LeaseModeActive = "active"
	LeaseModeLazy   = "lazy"
)

// Config represents the top-level TOML structure.
type Config struct {
	Server      ServerConfig     `toml:"server" mapstructure:"server"`
	Store       StoreConfig      `toml:"store" mapstructure:"store"`
	Audit       AuditConfig      `toml:"audit" mapstructure:"audit"`
	Lease       LeaseConfig      `toml:"lease" mapstructure:"lease"`
	Launcher    LauncherConfig   `toml:"launcher" mapstructure:"launcher"`
	Terminator  TerminatorConfig `toml:"terminator" mapstructure:"terminator"`
	Auth        AuthConfig       `toml:"auth" mapstructure:"auth"`
	Log         LogConfig        `toml:"log" mapstructure:"log"`
	Metrics     MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	ProjectsDir string           `toml:"projects_dir" mapstructure:"projects_dir"`
	Projects    []ProjectConfig  `toml:"projects" mapstructure:"projects"`

	// File is the path the config was read from, empty for defaults only.
	File string `toml:"-" mapstructure:"-"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS. Explicit cert/key files win over Dir; with
// AutoGenerate a self-signed pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type AuditConfig struct {
	// Sinks are DSNs, see audit/factory. Empty means log only.
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type LeaseConfig struct {
	Duration     time.Duration `toml:"duration" mapstructure:"duration"`
	Mode         string        `toml:"mode" mapstructure:"mode"`
	ReapInterval time.Duration `toml:"reap_interval" mapstructure:"reap_interval"`
}

type LauncherConfig struct {
	SettleDelay time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	LogDir      string        `toml:"log_dir" mapstructure:"log_dir"`
	MaxSizeMB   int           `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups  int           `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays  int           `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress    bool          `toml:"compress" mapstructure:"compress"`
	// Env entries override EnvFiles, which are applied in order.
	Env         []string `toml:"env" mapstructure:"env"`
	EnvFiles    []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv    bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	ResolvedEnv []string `toml:"-" mapstructure:"-"`
}

type TerminatorConfig struct {
	StopTimeout     time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	Enabled         bool          `toml:"enabled" mapstructure:"enabled"`
	JWTSecret       string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	PrivilegedRoles []string      `toml:"privileged_roles" mapstructure:"privileged_roles"`
	Actors          []ActorConfig `toml:"actors" mapstructure:"actors"`
}

// ActorConfig grants roles to an actor name. A list is used instead of a
// table so names keep their case.
type ActorConfig struct {
	Name  string   `toml:"name" mapstructure:"name"`
	Roles []string `toml:"roles" mapstructure:"roles"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the API server.
	Listen    string          `toml:"listen" mapstructure:"listen"`
	Resources ResourcesConfig `toml:"resources" mapstructure:"resources"`
}

type ResourcesConfig struct {
	Enabled  bool          `toml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

// ProjectConfig is one catalog entry.
type ProjectConfig struct {
	Ref    string   `toml:"ref" mapstructure:"ref"`
	Name   string   `toml:"name" mapstructure:"name"`
	Script string   `toml:"script" mapstructure:"script"`
	Env    []string `toml:"env" mapstructure:"env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("store.dsn", "sqlite://launchr.db")
	v.SetDefault("lease.duration", time.Hour)
	v.SetDefault("lease.mode", LeaseModeActive)
	v.SetDefault("lease.reap_interval", 30*time.Second)
	v.SetDefault("launcher.settle_delay", time.Second)
	v.SetDefault("launcher.log_dir", "")
	v.SetDefault("launcher.use_os_env", true)
	v.SetDefault("terminator.stop_timeout", 5*time.Second)
	v.SetDefault("terminator.shutdown_timeout", 3*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.privileged_roles", []string{"admin", "superadmin"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 15*time.Second)
	v.SetDefault("projects_dir", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	}
	return v
}

// Load reads path (optional) and returns a validated config. Relative
// paths in the file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.File = path
	c.resolvePaths()
	if err := c.resolveEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// baseDir is the directory relative paths are resolved against.
func (c *Config) baseDir() string {
	if c.File == "" {
		wd, _ := os.Getwd()
		return wd
	}
	abs, err := filepath.Abs(c.File)
	if err != nil {
		return filepath.Dir(c.File)
	}
	return filepath.Dir(abs)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.baseDir(), p)
}

func (c *Config) resolvePaths() {
	c.ProjectsDir = c.resolve(c.ProjectsDir)
	if c.ProjectsDir == "" {
		c.ProjectsDir = c.baseDir()
	}
	c.Launcher.LogDir = c.resolve(c.Launcher.LogDir)
	c.Log.File = c.resolve(c.Log.File)
	c.Server.TLS.CertFile = c.resolve(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = c.resolve(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = c.resolve(c.Server.TLS.Dir)
	for i := range c.Launcher.EnvFiles {
		c.Launcher.EnvFiles[i] = c.resolve(c.Launcher.EnvFiles[i])
	}
}

// resolveEnv merges env_files (in order) and env into ResolvedEnv.
func (c *Config) resolveEnv() error {
	e := env.New()
	e.Isolate()
	for _, p := range c.Launcher.EnvFiles {
		kvs, err := env.LoadFile(p)
		if err != nil {
			return fmt.Errorf("launcher env file: %w", err)
		}
		e.Apply(kvs)
	}
	e.Apply(c.Launcher.Env)
	c.Launcher.ResolvedEnv = e.Merge(nil)
	return nil
}

// ScriptPath returns the absolute script path of p.
func (c *Config) ScriptPath(p ProjectConfig) string {
	if p.Script == "" || filepath.IsAbs(p.Script) {
		return p.Script
	}
	return filepath.Join(c.ProjectsDir, p.Script)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Lease.Duration <= 0 {
		errs = append(errs, fmt.Errorf("lease.duration must be positive, got %s", c.Lease.Duration))
	}
	switch c.Lease.Mode {
	case LeaseModeActive:
		if c.Lease.ReapInterval <= 0 {
			errs = append(errs, fmt.Errorf("lease.reap_interval must be positive in active mode, got %s", c.Lease.ReapInterval))
		}
	case LeaseModeLazy:
	default:
		errs = append(errs, fmt.Errorf("lease.mode must be %q or %q, got %q", LeaseModeActive, LeaseModeLazy, c.Lease.Mode))
	}
	if c.Launcher.SettleDelay < 0 {
		errs = append(errs, errors.New("launcher.settle_delay must not be negative"))
	}
	if c.Terminator.StopTimeout <= 0 || c.Terminator.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("terminator timeouts must be positive"))
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes when auth is enabled"))
	}
	for i, a := range c.Auth.Actors {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("auth.actors[%d]: name is required", i))
		}
	}
	if c.Server.TLS.Enabled && c.Server.TLS.Dir == "" && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	if c.Metrics.Resources.Enabled && c.Metrics.Resources.Interval <= 0 {
		errs = append(errs, errors.New("metrics.resources.interval must be positive"))
	}
	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		switch {
		case p.Ref == "":
			errs = append(errs, fmt.Errorf("projects[%d]: ref is required", i))
		case seen[p.Ref]:
			errs = append(errs, fmt.Errorf("projects[%d]: duplicate ref %q", i, p.Ref))
		}
		seen[p.Ref] = true
		if p.Script == "" {
			errs = append(errs, fmt.Errorf("projects[%d] %q: script is required", i, p.Ref))
		}
	}
	return errors.Join(errs...)
}

// Watch re-reads path whenever it changes and hands the new config to
// onChange. Invalid files are reported to onError and otherwise ignored,
// so the previous config stays in effect.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		return errors.New("watch requires a config file")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		c, err := decode(v, path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(c)
	})
	v.WatchConfig()
	return nil
}
