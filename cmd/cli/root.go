// Package cli provides the command-line interface for scanfleet.
// It implements the Cobra command tree for the port discovery, service
// fingerprinting and findings stages.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

const envPrefix = "SCANFLEET"

// Exit codes returned by Execute.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
	exitInterrupted = 130
)

var (
	cfgFile    string
	verbose    bool
	noDisplay  bool
	statusAddr string
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanfleet",
	Short: "Parallel nmap orchestration",
	Long: `Scanfleet runs nmap against a scope of targets through a bounded pool of
workers. Each scan runs in its own tmux session or process group, is
watched until nmap reports completion, and is torn down afterwards.

Port discovery writes every output format per target. Service
fingerprinting reads the open ports extracted from those results.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and returns the process exit code.
// This is called by main.main().
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.IsCode(err, errors.CodeCanceled):
		return exitInterrupted
	case errors.IsFatal(err):
		return exitConfigError
	default:
		return exitFailure
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.Int("workers", 0, "number of concurrent scan sessions (prompted when unset)")
	flags.String("backend", config.BackendTmux, "session backend: tmux or process")
	flags.StringVar(&statusAddr, "status-addr", "", "serve the status API on this address")
	flags.BoolVar(&noDisplay, "no-display", false, "disable the live status view")

	bindFlag("verbose", "verbose")
	bindFlag("scanning.workers", "workers")
	bindFlag("session.backend", "backend")
}

// normalizeFlagName accepts config-style spellings such as --output_dir.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func bindFlag(key, name string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", name, err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := setConfigDefaults(viper.GetViper()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to register config defaults: %v\n", err)
	}

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setConfigDefaults registers every key of the default configuration so
// that environment variables can override keys absent from the file.
func setConfigDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	registerDefaults(v, "", tree)
	return nil
}

func registerDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := value.(map[string]interface{}); ok {
			registerDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, value)
	}
}

// loadConfig builds the effective configuration and applies the flags that
// do not map onto a single key.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}

	if noDisplay {
		cfg.Display.Enabled = false
	}
	if cmd.Flags().Changed("status-addr") {
		cfg.Server.Enabled = statusAddr != ""
		cfg.Server.Listen = statusAddr
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if verbose {
		cfg.Logging.Level = logging.LevelDebug
	}
	return cfg, nil
}

// initLogging creates the run logger and installs it as the default.
func initLogging(cfg *config.Config) *logging.Logger {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logger.Debug("Structured logging initialized",
			"level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
	return logger
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
