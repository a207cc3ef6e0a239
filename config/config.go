// Package config provides YAML and TOML configuration parsing for Vidiboard.
//
// This package enables running Vidiboard as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//
//	database:
//	  driver: sqlite
//	  path: ${VIDIBOARD_DB:-dashboards.db}
//
//	compile:
//	  command: vidi-build
//	  args: [--release]
//	  workers: 4
//	  fallback: _generic
//
//	dashboards:
//	  - id: overview
//	    file: dashboards/overview.jsonc
//	    permanent: true
//
//	grids:
//	  - id: loss
//	    name: Loss
//	    template: '{"title":"{{.model}}","plots":[{"kind":"line"}]}'
//	    dimensions:
//	      model: [small, large]
//
// The same structure is accepted as TOML when the file ends in ".toml".
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/vidiboard/internal/store"
)

// minPollInterval is the minimum allowed compile status polling interval.
const minPollInterval = 10 * time.Millisecond

// Format names a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration structure for Vidiboard.
//
// It maps directly to the configuration file structure.
// Use [Load] or [Parse] to create a Config.
type Config struct {
	// Title is the portal title. Defaults to "Vidiboard" if not set.
	Title string `yaml:"title" toml:"title"`

	// Host is the interface to listen on. Defaults to 0.0.0.0.
	Host string `yaml:"host" toml:"host"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port" toml:"port"`

	TLS       TLSConfig       `yaml:"tls" toml:"tls"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Compile   CompileConfig   `yaml:"compile" toml:"compile"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" toml:"lifecycle"`
	Session   SessionConfig   `yaml:"session" toml:"session"`

	// Dashboards are seeded from definition files at startup.
	Dashboards []DashboardConfig `yaml:"dashboards" toml:"dashboards"`

	// Grids defines dashboard grids that expand via cartesian product.
	Grids []GridConfig `yaml:"grids" toml:"grids"`

	// dir is the directory of the loaded file. Relative dashboard files
	// resolve against it.
	dir string
}

// TLSConfig enables HTTPS when both files are set.
type TLSConfig struct {
	Cert string `yaml:"cert" toml:"cert"`
	Key  string `yaml:"key" toml:"key"`
}

// DatabaseConfig selects the dashboard store.
type DatabaseConfig struct {
	// Driver is "sqlite", "postgres" or "memory". Defaults to sqlite.
	Driver string `yaml:"driver" toml:"driver"`

	// Path is the SQLite database file. Defaults to dashboards.db.
	Path string `yaml:"path" toml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" toml:"dsn"`

	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// CompileConfig configures the external build command and the worker pool.
type CompileConfig struct {
	// Command is the build executable. Defaults to the SDK default.
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`

	// ArtifactDir receives built artifacts. Defaults to "artifacts".
	ArtifactDir string `yaml:"artifact_dir" toml:"artifact_dir"`

	// Workers bounds concurrent builds. Defaults to 2.
	Workers int `yaml:"workers" toml:"workers"`

	// Timeout bounds a single build. Zero uses the SDK default.
	Timeout Duration `yaml:"timeout" toml:"timeout"`

	// Fallback is served when the build command is unavailable.
	Fallback string `yaml:"fallback" toml:"fallback"`

	// Eager compiles on every publish instead of on first request.
	Eager bool `yaml:"eager" toml:"eager"`

	// PollInterval and MaxPolls bound artifact waits. Defaults to 1s and 120.
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxPolls     int      `yaml:"max_polls" toml:"max_polls"`
}

// LifecycleConfig controls dashboard expiry.
type LifecycleConfig struct {
	// DefaultTTL applies to dashboards published without a TTL over HTTP.
	// Defaults to 24h. "0s" disables the default.
	DefaultTTL *Duration `yaml:"default_ttl" toml:"default_ttl"`

	// SweepInterval is the time between eviction sweeps. Defaults to 5m.
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`

	// MaxPending bounds each viewer's undelivered events. Zero uses the
	// SDK default.
	MaxPending int `yaml:"max_pending" toml:"max_pending"`
}

// defaultTTL returns DefaultTTL, or zero when unset.
func (l LifecycleConfig) defaultTTL() time.Duration {
	if l.DefaultTTL == nil {
		return 0
	}
	return l.DefaultTTL.Duration()
}

// SessionConfig controls WebSocket keepalive. Both must be set together.
type SessionConfig struct {
	PingInterval Duration `yaml:"ping_interval" toml:"ping_interval"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`
}

// DashboardConfig seeds one dashboard from a definition file at startup.
// Seeding replaces the stored definition under ID.
type DashboardConfig struct {
	ID    string   `yaml:"id" toml:"id"`
	Name  string   `yaml:"name" toml:"name"`
	Owner string   `yaml:"owner" toml:"owner"`
	Tags  []string `yaml:"tags" toml:"tags"`

	// File is a JSON or JSONC definition. Relative paths resolve against
	// the configuration file's directory.
	File string `yaml:"file" toml:"file"`

	Permanent bool     `yaml:"permanent" toml:"permanent"`
	TTL       Duration `yaml:"ttl" toml:"ttl"`
}

// GridConfig defines a dashboard grid that expands via cartesian product.
//
// For example, with dimensions {model: [small, large], data: [train, eval]},
// the grid expands to 4 dashboards: train/small, train/large, eval/small,
// eval/large. Generated ids join ID with the dimension values.
type GridConfig struct {
	// ID prefixes every generated dashboard id.
	ID string `yaml:"id" toml:"id"`

	// Name is the base name for generated dashboards.
	Name string `yaml:"name" toml:"name"`

	// Template is a Go template for the definition document.
	// Dimension keys are available as template variables: {{.model}}
	Template string `yaml:"template" toml:"template"`

	// Dimensions maps dimension names to their possible values.
	Dimensions map[string][]string `yaml:"dimensions" toml:"dimensions"`

	Owner     string   `yaml:"owner" toml:"owner"`
	Tags      []string `yaml:"tags" toml:"tags"`
	Permanent bool     `yaml:"permanent" toml:"permanent"`
	TTL       Duration `yaml:"ttl" toml:"ttl"`
}

// Duration wraps time.Duration for YAML and TOML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler, which TOML decoding uses.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a configuration file. Files ending in ".toml" are
// parsed as TOML, everything else as YAML.
//
// Environment variables in string fields are expanded after parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = FormatTOML
	}

	cfg, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse parses configuration data in the given format.
//
// Defaults are applied for Host (0.0.0.0), Port (8080), Database (sqlite
// dashboards.db), ArtifactDir (artifacts), Workers (2), DefaultTTL (24h),
// SweepInterval (5m), PollInterval (1s) and MaxPolls (120).
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Title == "" {
		c.Title = "Vidiboard"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "dashboards.db"
	}
	if c.Compile.ArtifactDir == "" {
		c.Compile.ArtifactDir = "artifacts"
	}
	if c.Compile.Workers == 0 {
		c.Compile.Workers = 2
	}
	if c.Compile.PollInterval == 0 {
		c.Compile.PollInterval = Duration(time.Second)
	}
	if c.Compile.MaxPolls == 0 {
		c.Compile.MaxPolls = 120
	}
	if c.Lifecycle.DefaultTTL == nil {
		ttl := Duration(24 * time.Hour)
		c.Lifecycle.DefaultTTL = &ttl
	}
	if c.Lifecycle.SweepInterval == 0 {
		c.Lifecycle.SweepInterval = Duration(5 * time.Minute)
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	for _, field := range []*string{
		&c.Title, &c.Host, &c.TLS.Cert, &c.TLS.Key,
		&c.Database.Path, &c.Database.DSN,
		&c.Compile.Command, &c.Compile.ArtifactDir, &c.Compile.Fallback,
	} {
		expanded, err := expandEnvVars(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	for i, arg := range c.Compile.Args {
		expanded, err := expandEnvVars(arg)
		if err != nil {
			return fmt.Errorf("compile.args[%d]: %w", i, err)
		}
		c.Compile.Args[i] = expanded
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("tls: cert and key must be set together")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database: sqlite requires a path")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database: postgres requires a dsn")
		}
	default:
		return fmt.Errorf("database: driver must be sqlite, postgres, or memory, got %q", c.Database.Driver)
	}

	if c.Compile.Workers < 0 {
		return fmt.Errorf("compile: workers cannot be negative, got %d", c.Compile.Workers)
	}
	if c.Compile.Timeout.Duration() < 0 {
		return fmt.Errorf("compile: timeout cannot be negative, got %s", c.Compile.Timeout.Duration())
	}
	if c.Compile.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("compile: poll_interval must be at least %s, got %s",
			minPollInterval, c.Compile.PollInterval.Duration())
	}
	if c.Compile.MaxPolls < 0 {
		return fmt.Errorf("compile: max_polls cannot be negative, got %d", c.Compile.MaxPolls)
	}

	if c.Lifecycle.defaultTTL() < 0 {
		return fmt.Errorf("lifecycle: default_ttl cannot be negative, got %s", c.Lifecycle.defaultTTL())
	}
	if c.Lifecycle.SweepInterval.Duration() < time.Second {
		return fmt.Errorf("lifecycle: sweep_interval must be at least 1s, got %s",
			c.Lifecycle.SweepInterval.Duration())
	}
	if c.Lifecycle.MaxPending < 0 {
		return fmt.Errorf("lifecycle: max_pending cannot be negative, got %d", c.Lifecycle.MaxPending)
	}

	ping, read := c.Session.PingInterval.Duration(), c.Session.ReadTimeout.Duration()
	if (ping == 0) != (read == 0) {
		return errors.New("session: ping_interval and read_timeout must be set together")
	}
	if ping != 0 && read <= ping {
		return fmt.Errorf("session: read_timeout (%s) must exceed ping_interval (%s)", read, ping)
	}

	ids := make(map[string]string)
	claim := func(id, owner string) error {
		if prev, exists := ids[id]; exists {
			return fmt.Errorf("%s: id %q already used by %s", owner, id, prev)
		}
		ids[id] = owner
		return nil
	}

	for i := range c.Dashboards {
		d := &c.Dashboards[i]
		where := fmt.Sprintf("dashboards[%d]", i)

		if d.ID == "" {
			return fmt.Errorf("%s: id is required", where)
		}
		if !store.ValidID(d.ID) {
			return fmt.Errorf("%s: invalid id %q", where, d.ID)
		}
		if err := claim(d.ID, where); err != nil {
			return err
		}

		if d.File == "" {
			return fmt.Errorf("%s (%s): file is required", where, d.ID)
		}
		expanded, err := expandEnvVars(d.File)
		if err != nil {
			return fmt.Errorf("%s (%s): file: %w", where, d.ID, err)
		}
		d.File = expanded

		if err := validateExpiry(d.Permanent, d.TTL, where); err != nil {
			return err
		}
	}

	for i := range c.Grids {
		g := &c.Grids[i]
		where := fmt.Sprintf("grids[%d]", i)

		if g.ID == "" {
			return fmt.Errorf("%s: id is required", where)
		}
		if !store.ValidID(g.ID) {
			return fmt.Errorf("%s: invalid id %q", where, g.ID)
		}
		if g.Name == "" {
			g.Name = g.ID
		}

		if g.Template == "" {
			return fmt.Errorf("%s (%s): template is required", where, g.ID)
		}
		expanded, err := expandEnvVars(g.Template)
		if err != nil {
			return fmt.Errorf("%s (%s): template: %w", where, g.ID, err)
		}
		g.Template = expanded

		// fail fast before the SDK tries to use an invalid template
		if _, err := template.New("").Parse(g.Template); err != nil {
			return fmt.Errorf("%s (%s): invalid template: %w", where, g.ID, err)
		}

		if len(g.Dimensions) == 0 {
			return fmt.Errorf("%s (%s): at least one dimension is required", where, g.ID)
		}
		for dimName, dimValues := range g.Dimensions {
			if len(dimValues) == 0 {
				return fmt.Errorf("%s (%s): dimension %q has no values", where, g.ID, dimName)
			}
			seen := make(map[string]struct{}, len(dimValues))
			for _, v := range dimValues {
				if v == "" {
					return fmt.Errorf("%s (%s): dimension %q contains an empty value", where, g.ID, dimName)
				}
				if _, exists := seen[v]; exists {
					return fmt.Errorf("%s (%s): dimension %q has duplicate value %q", where, g.ID, dimName, v)
				}
				seen[v] = struct{}{}
			}
		}

		for _, id := range g.dashboardIDs() {
			if !store.ValidID(id) {
				return fmt.Errorf("%s (%s): generated id %q is invalid", where, g.ID, id)
			}
			if err := claim(id, where); err != nil {
				return err
			}
		}

		if err := validateExpiry(g.Permanent, g.TTL, where); err != nil {
			return err
		}
	}

	return nil
}

func validateExpiry(permanent bool, ttl Duration, where string) error {
	if ttl.Duration() < 0 {
		return fmt.Errorf("%s: ttl cannot be negative, got %s", where, ttl.Duration())
	}
	if permanent && ttl != 0 {
		return fmt.Errorf("%s: ttl cannot be set on a permanent dashboard", where)
	}
	return nil
}
