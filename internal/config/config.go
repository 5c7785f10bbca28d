// Package config defines the scanfleet configuration file, its defaults,
// and validation. Configuration is read from YAML directly with Load, or
// through viper with FromViper so environment variables and flags can
// override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	re2 "github.com/wasilibs/go-re2"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

// Session backends.
const (
	BackendTmux    = "tmux"
	BackendProcess = "process"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

var sessionPrefixPattern = re2.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config represents the complete scanfleet configuration
type Config struct {
	// Worker pool and polling behavior
	Scanning ScanningConfig `yaml:"scanning" json:"scanning" mapstructure:"scanning"`

	// Execution session backend
	Session SessionConfig `yaml:"session" json:"session" mapstructure:"session"`

	// Output markers used to detect progress and completion
	Monitor MonitorConfig `yaml:"monitor" json:"monitor" mapstructure:"monitor"`

	// Target name resolution and range expansion
	Resolver ResolverConfig `yaml:"resolver" json:"resolver" mapstructure:"resolver"`

	// External scanner invocation
	Nmap NmapConfig `yaml:"nmap" json:"nmap" mapstructure:"nmap"`

	// Port discovery stage
	Ports PortsStageConfig `yaml:"ports" json:"ports" mapstructure:"ports"`

	// Service fingerprinting stage
	Services ServicesStageConfig `yaml:"services" json:"services" mapstructure:"services"`

	// Live status view
	Display DisplayConfig `yaml:"display" json:"display" mapstructure:"display"`

	// Optional read-only status server
	Server ServerConfig `yaml:"server" json:"server" mapstructure:"server"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging" mapstructure:"logging"`
}

// ScanningConfig holds worker pool settings
type ScanningConfig struct {
	// Number of concurrent sessions. Zero means ask the operator.
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers" validate:"gte=0"`

	// Interval between output snapshots
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" mapstructure:"poll_interval" validate:"gt=0"`

	// Bounded wait for each dequeue attempt
	DequeueTimeout time.Duration `yaml:"dequeue_timeout" json:"dequeue_timeout" mapstructure:"dequeue_timeout" validate:"gt=0"`

	// Bounded wait per worker when joining after cancellation
	JoinTimeout time.Duration `yaml:"join_timeout" json:"join_timeout" mapstructure:"join_timeout" validate:"gt=0"`

	// Upper bound on a single scan. Zero disables the limit.
	ScanTimeout time.Duration `yaml:"scan_timeout" json:"scan_timeout" mapstructure:"scan_timeout" validate:"gte=0"`

	// Session launches per second. Zero disables pacing.
	LaunchRate float64 `yaml:"launch_rate" json:"launch_rate" mapstructure:"launch_rate" validate:"gte=0"`

	// Launches allowed in a burst when pacing is enabled
	LaunchBurst int `yaml:"launch_burst" json:"launch_burst" mapstructure:"launch_burst" validate:"gte=0"`
}

// SessionConfig selects and tunes the execution session backend
type SessionConfig struct {
	Backend string `yaml:"backend" json:"backend" mapstructure:"backend" validate:"oneof=tmux process"`

	// Prefix for generated session names
	Prefix string `yaml:"prefix" json:"prefix" mapstructure:"prefix" validate:"required,max=32"`

	TmuxPath string `yaml:"tmux_path" json:"tmux_path" mapstructure:"tmux_path" validate:"required_if=Backend tmux"`

	// Shell used by the process backend
	Shell string `yaml:"shell" json:"shell" mapstructure:"shell" validate:"required_if=Backend process"`

	// Bound on a single teardown attempt
	DestroyTimeout time.Duration `yaml:"destroy_timeout" json:"destroy_timeout" mapstructure:"destroy_timeout" validate:"gt=0"`
}

// MonitorConfig holds the output markers
type MonitorConfig struct {
	// Regular expression whose first capture group is the percentage
	ProgressPattern string `yaml:"progress_pattern" json:"progress_pattern" mapstructure:"progress_pattern" validate:"required"`

	// Literal text that marks a finished scan
	DoneMarker string `yaml:"done_marker" json:"done_marker" mapstructure:"done_marker" validate:"required"`
}

// ResolverConfig holds target resolution settings
type ResolverConfig struct {
	// Nameservers to query directly. Empty uses the system resolver.
	Nameservers []string `yaml:"nameservers" json:"nameservers" mapstructure:"nameservers" validate:"dive,hostname_port|ip"`

	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout" validate:"gt=0"`

	// Lifetime of cached lookups. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl" validate:"gte=0"`

	CacheSize int64 `yaml:"cache_size" json:"cache_size" mapstructure:"cache_size" validate:"gte=0"`

	// Largest range that will be expanded into individual targets
	MaxRangeSize int `yaml:"max_range_size" json:"max_range_size" mapstructure:"max_range_size" validate:"gt=0"`
}

// NmapConfig holds scanner invocation settings
type NmapConfig struct {
	Binary string `yaml:"binary" json:"binary" mapstructure:"binary" validate:"required"`

	// Periodic progress output interval. Zero omits --stats-every.
	StatsEvery time.Duration `yaml:"stats_every" json:"stats_every" mapstructure:"stats_every" validate:"gte=0"`

	// Timing template 1-5. Zero leaves nmap's default.
	Timing int `yaml:"timing" json:"timing" mapstructure:"timing" validate:"gte=0,lte=5"`
}

// PortsStageConfig holds port discovery settings
type PortsStageConfig struct {
	ScopeFile string `yaml:"scope_file" json:"scope_file" mapstructure:"scope_file"`
	OutputDir string `yaml:"output_dir" json:"output_dir" mapstructure:"output_dir" validate:"required"`
	Ports     string `yaml:"ports" json:"ports" mapstructure:"ports" validate:"required"`
}

// ServicesStageConfig holds service fingerprinting settings
type ServicesStageConfig struct {
	FindingsDir string `yaml:"findings_dir" json:"findings_dir" mapstructure:"findings_dir" validate:"required"`
	OutputDir   string `yaml:"output_dir" json:"output_dir" mapstructure:"output_dir" validate:"required"`
}

// DisplayConfig holds status view settings
type DisplayConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval" mapstructure:"refresh_interval" validate:"gt=0"`
}

// ServerConfig holds status server settings
type ServerConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Listen         string        `yaml:"listen" json:"listen" mapstructure:"listen" validate:"required_if=Enabled true,omitempty,hostname_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout" validate:"gte=0"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins" mapstructure:"allowed_origins"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Workers:        0,
			PollInterval:   1 * time.Second,
			DequeueTimeout: 1 * time.Second,
			JoinTimeout:    1 * time.Second,
			ScanTimeout:    0,
			LaunchRate:     0,
			LaunchBurst:    1,
		},
		Session: SessionConfig{
			Backend:        BackendTmux,
			Prefix:         "scan",
			TmuxPath:       "tmux",
			Shell:          "/bin/sh",
			DestroyTimeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			ProgressPattern: `About ([0-9]+(?:\.[0-9]+)?)% done`,
			DoneMarker:      "Nmap done",
		},
		Resolver: ResolverConfig{
			Timeout:      5 * time.Second,
			CacheTTL:     10 * time.Minute,
			CacheSize:    10000,
			MaxRangeSize: 65536,
		},
		Nmap: NmapConfig{
			Binary:     "nmap",
			StatsEvery: 5 * time.Second,
		},
		Ports: PortsStageConfig{
			ScopeFile: "scope.txt",
			OutputDir: "output",
			Ports:     "1-65535",
		},
		Services: ServicesStageConfig{
			FindingsDir: "findings",
			OutputDir:   "service_scan",
		},
		Display: DisplayConfig{
			Enabled:         true,
			RefreshInterval: 2 * time.Second,
		},
		Server: ServerConfig{
			Enabled:        false,
			Listen:         "127.0.0.1:9470",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Start with defaults
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil // Return defaults if no config file
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
	if err != nil {
		return nil, errors.NewConfigurationError("failed to read config file", err)
	}

	// YAML is a superset of JSON, so one parser covers .yaml, .yml and .json.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.NewConfigurationError(
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// FromViper builds a configuration from defaults overlaid with everything
// viper knows about: the config file it read, bound flags and environment.
func FromViper(v *viper.Viper) (*Config, error) {
	config := Default()
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.NewConfigurationError("failed to decode configuration", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				fmt.Sprintf("failed on '%s' rule", fe.Tag()), fe.Namespace(), fe.Value())
		}
		return errors.NewConfigurationError("invalid configuration", err)
	}

	if !sessionPrefixPattern.MatchString(c.Session.Prefix) {
		return errors.ErrConfigInvalid("session.prefix", c.Session.Prefix)
	}

	progress, err := re2.Compile(c.Monitor.ProgressPattern)
	if err != nil {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"progress pattern does not compile", "monitor.progress_pattern", c.Monitor.ProgressPattern)
	}
	if progress.NumSubexp() < 1 {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"progress pattern needs a capture group for the percentage",
			"monitor.progress_pattern", c.Monitor.ProgressPattern)
	}

	if c.Scanning.LaunchRate > 0 && c.Scanning.LaunchBurst < 1 {
		return errors.ErrConfigInvalid("scanning.launch_burst", c.Scanning.LaunchBurst)
	}

	return nil
}

// RequireWorkers reports whether the pool size must still be supplied by the operator.
func (c *Config) RequireWorkers() bool {
	return c.Scanning.Workers <= 0
}

// GetServerAddress returns the status server listen address
func (c *Config) GetServerAddress() string {
	return c.Server.Listen
}

// IsServerEnabled returns true if the status server should run
func (c *Config) IsServerEnabled() bool {
	return c.Server.Enabled
}
