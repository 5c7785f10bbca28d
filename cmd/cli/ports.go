package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/scanning"
	"github.com/anstrom/scanfleet/internal/targets"
)

var portsTargets []string

// portsCmd runs the port discovery stage.
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Discover open ports on every target in scope",
	Long: `Scan every target in the scope file, or the targets given with --target,
for open TCP ports. Scope entries may be addresses, host names, CIDR
blocks or dash ranges. Range members share an output sub-directory named
after the range.

Each target writes all nmap output formats to <output-dir>/[range/]<address>.`,
	Example: `  scanfleet ports --scope scope.txt --workers 8
  scanfleet ports --target 10.0.0.0/28 --target db.internal --ports 1-1024
  scanfleet ports --backend process --no-display`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStage(cmd, newPortsStrategy, loadScope)
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)

	portsCmd.Flags().String("scope", "", "newline-delimited scope file (default scope.txt)")
	portsCmd.Flags().StringArrayVar(&portsTargets, "target", nil, "scope entry to scan instead of the scope file (repeatable)")
	portsCmd.Flags().String("output-dir", "", "directory for scan output (default output)")
	portsCmd.Flags().String("ports", "", "port specification, e.g. '80,443', '1-1024' or 'T:22,U:53' (default 1-65535)")

	portsCmd.Flags().Lookup("scope").Usage = "Scope file with one address, name, CIDR or range per line"

	portsCmd.PreRunE = bindCommandFlags(map[string]string{
		"scope":      "ports.scope_file",
		"output-dir": "ports.output_dir",
		"ports":      "ports.ports",
	})
}

// bindCommandFlags returns a PreRunE that binds flags to config keys.
// Binding happens per invocation because several commands share keys.
func bindCommandFlags(keys map[string]string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		for name, key := range keys {
			if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return fmt.Errorf("failed to bind %s flag: %w", name, err)
			}
		}
		return nil
	}
}

func newPortsStrategy(cfg *config.Config) scanning.Strategy {
	return scanning.NewPortDiscovery(cfg.Nmap, cfg.Ports.OutputDir, cfg.Ports.Ports)
}

// loadScope reads the scope and resolves it into targets.
func loadScope(ctx context.Context, env *stageEnv) ([]targets.Target, error) {
	cfg := env.cfg
	if err := validatePorts(cfg.Ports.Ports); err != nil {
		return nil, errors.NewConfigFieldError(errors.CodeValidation, err.Error(), "ports.ports", cfg.Ports.Ports)
	}

	lines := portsTargets
	if len(lines) == 0 {
		var err error
		if lines, err = targets.ReadLines(cfg.Ports.ScopeFile); err != nil {
			return nil, err
		}
	}

	names, closeNames, err := newNameResolver(cfg, env)
	if err != nil {
		return nil, err
	}
	defer closeNames()

	resolver := targets.NewTargetResolver(names, targets.Options{
		MaxRangeSize: cfg.Resolver.MaxRangeSize,
		Metrics:      env.metrics,
		Logger:       env.logger,
	})
	tgts, errs := resolver.Resolve(ctx, lines)
	logSkipped(env.logger, "scope entry", errs)

	if len(tgts) == 0 {
		return nil, errors.ErrNoTargets()
	}
	return tgts, nil
}

// newNameResolver builds the host name resolver: configured nameservers
// or the system resolver, cached when a TTL is set.
func newNameResolver(cfg *config.Config, env *stageEnv) (targets.Resolver, func(), error) {
	var names targets.Resolver = targets.SystemResolver{}
	if len(cfg.Resolver.Nameservers) > 0 {
		names = targets.NewDNSResolver(cfg.Resolver.Nameservers, cfg.Resolver.Timeout)
	}
	if cfg.Resolver.CacheTTL <= 0 {
		return names, func() {}, nil
	}

	cached, err := targets.NewCachingResolver(names, cfg.Resolver.CacheSize, cfg.Resolver.CacheTTL, env.metrics)
	if err != nil {
		return nil, nil, errors.NewConfigurationError("failed to create resolver cache", err)
	}
	return cached, cached.Close, nil
}

// validatePorts checks an nmap port specification.
func validatePorts(ports string) error {
	if ports == "" {
		return fmt.Errorf("empty port specification")
	}

	for _, part := range strings.Split(ports, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// T:, U:, S: and P: select the protocol for this and later entries.
		if proto, rest, qualified := strings.Cut(part, ":"); qualified {
			if !strings.Contains("TUSP", proto) || len(proto) != 1 {
				return fmt.Errorf("invalid protocol qualifier: %s", part)
			}
			part = rest
		}

		if first, last, isRange := strings.Cut(part, "-"); isRange {
			if strings.Contains(last, "-") {
				return fmt.Errorf("invalid port range: %s", part)
			}
			start, err := parsePort(first)
			if err != nil {
				return fmt.Errorf("invalid start port in range: %s", first)
			}
			end, err := parsePort(last)
			if err != nil {
				return fmt.Errorf("invalid end port in range: %s", last)
			}
			if start > end {
				return fmt.Errorf("start port cannot be greater than end port: %s", part)
			}
			continue
		}

		if _, err := parsePort(part); err != nil {
			return fmt.Errorf("invalid port: %s", part)
		}
	}
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port out of range")
	}
	return port, nil
}
