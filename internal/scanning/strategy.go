package scanning

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Ullaakut/nmap/v3"
	"github.com/alessio/shellescape"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/targets"
)

// Stage names.
const (
	StagePorts    = "ports"
	StageServices = "services"
)

const (
	// DefaultPorts covers every TCP port.
	DefaultPorts = "1-65535"

	serviceTimestampLayout = "20060102_150405"
)

// Strategy turns a target into the command line run inside its session.
type Strategy interface {
	// Name is the stage name used in logs and metrics.
	Name() string
	// OutputBase is the path prefix for the scanner's output files.
	OutputBase(t targets.Target) string
	// Command returns a shell-quoted command line.
	Command(ctx context.Context, t targets.Target, outputBase string) (string, error)
}

// PortDiscovery scans every requested port of a target and writes all
// nmap output formats to OutputBase.
type PortDiscovery struct {
	nmap      config.NmapConfig
	outputDir string
	ports     string
}

// NewPortDiscovery creates the port discovery strategy.
func NewPortDiscovery(nmapCfg config.NmapConfig, outputDir, ports string) *PortDiscovery {
	if ports == "" {
		ports = DefaultPorts
	}
	return &PortDiscovery{nmap: nmapCfg, outputDir: outputDir, ports: ports}
}

// Name implements Strategy.
func (s *PortDiscovery) Name() string { return StagePorts }

// OutputBase implements Strategy: output_dir/[group/]address.
func (s *PortDiscovery) OutputBase(t targets.Target) string {
	return filepath.Join(s.outputDir, t.Group, t.Address)
}

// Command implements Strategy.
func (s *PortDiscovery) Command(ctx context.Context, t targets.Target, outputBase string) (string, error) {
	opts := []nmap.Option{
		nmap.WithPorts(s.ports),
		nmap.WithSkipHostDiscovery(),
	}
	opts = append(opts, commonOptions(s.nmap, t)...)
	opts = append(opts, nmap.WithCustomArguments("-oA", outputBase))
	return buildCommand(ctx, s.nmap, opts)
}

// ServiceScan fingerprints the services on a target's known open ports.
type ServiceScan struct {
	nmap      config.NmapConfig
	outputDir string
	now       func() time.Time
}

// NewServiceScan creates the service fingerprinting strategy.
func NewServiceScan(nmapCfg config.NmapConfig, outputDir string) *ServiceScan {
	return &ServiceScan{nmap: nmapCfg, outputDir: outputDir, now: time.Now}
}

// Name implements Strategy.
func (s *ServiceScan) Name() string { return StageServices }

// OutputBase implements Strategy: output_dir/[group/]address_<timestamp>.
func (s *ServiceScan) OutputBase(t targets.Target) string {
	name := t.Address + "_" + s.now().Format(serviceTimestampLayout)
	return filepath.Join(s.outputDir, t.Group, name)
}

// Command implements Strategy.
func (s *ServiceScan) Command(ctx context.Context, t targets.Target, outputBase string) (string, error) {
	if t.Ports == "" {
		return "", fmt.Errorf("target %s has no port list", t.Address)
	}
	opts := []nmap.Option{
		nmap.WithCustomArguments("-v"),
		nmap.WithPorts(t.Ports),
		nmap.WithSYNScan(),
		nmap.WithServiceInfo(),
		nmap.WithDefaultScript(),
		nmap.WithAggressiveScan(),
	}
	opts = append(opts, commonOptions(s.nmap, t)...)
	opts = append(opts,
		nmap.WithCustomArguments("-oN", outputBase+".nmap"),
		nmap.WithCustomArguments("-oG", outputBase+".gnmap"),
	)
	return buildCommand(ctx, s.nmap, opts)
}

// commonOptions adds timing, periodic stats and the target itself.
func commonOptions(cfg config.NmapConfig, t targets.Target) []nmap.Option {
	var opts []nmap.Option
	if cfg.Timing > 0 {
		opts = append(opts, nmap.WithTimingTemplate(nmap.Timing(cfg.Timing)))
	}
	if cfg.StatsEvery > 0 {
		opts = append(opts, nmap.WithCustomArguments("--stats-every", formatStatsInterval(cfg.StatsEvery)))
	}
	if t.IsIPv6() {
		opts = append(opts, nmap.WithIPv6Scanning())
	}
	return append(opts, nmap.WithTargets(t.Address))
}

// buildCommand renders options into a quoted command line without running nmap.
func buildCommand(ctx context.Context, cfg config.NmapConfig, opts []nmap.Option) (string, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "nmap"
	}
	scanner, err := nmap.NewScanner(ctx, append([]nmap.Option{nmap.WithBinaryPath(binary)}, opts...)...)
	if err != nil {
		return "", fmt.Errorf("failed to build scanner command: %w", err)
	}
	return shellescape.QuoteCommand(append([]string{binary}, scanner.Args()...)), nil
}

// formatStatsInterval renders d in nmap's time syntax.
func formatStatsInterval(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
