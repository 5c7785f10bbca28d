package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/scanning"
	"github.com/anstrom/scanfleet/internal/targets"
)

// servicesCmd runs the service fingerprinting stage.
var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Fingerprint services on previously discovered open ports",
	Long: `Read <findings>/ip_port_list.txt and every <findings>/<group>/ip_port_list.txt
and run a version, script and OS detection scan against the listed ports
of each address. Lines have the form address:ports.

Results are written to <output-dir>/[group/]<address>_<timestamp>.{nmap,gnmap}.`,
	Example: `  scanfleet services
  scanfleet services --findings findings --output-dir service_scan --workers 4`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStage(cmd, newServicesStrategy, loadFindings)
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)

	servicesCmd.Flags().String("findings", "", "directory holding ip_port_list.txt files (default findings)")
	servicesCmd.Flags().String("output-dir", "", "directory for scan output (default service_scan)")

	servicesCmd.PreRunE = bindCommandFlags(map[string]string{
		"findings":   "services.findings_dir",
		"output-dir": "services.output_dir",
	})
}

func newServicesStrategy(cfg *config.Config) scanning.Strategy {
	return scanning.NewServiceScan(cfg.Nmap, cfg.Services.OutputDir)
}

// loadFindings reads the port lists written by the findings command.
func loadFindings(_ context.Context, env *stageEnv) ([]targets.Target, error) {
	tgts, errs, err := targets.LoadFindings(env.cfg.Services.FindingsDir)
	if err != nil {
		return nil, err
	}
	logSkipped(env.logger, "findings line", errs)

	if len(tgts) == 0 {
		return nil, errors.ErrNoTargets()
	}
	return tgts, nil
}
