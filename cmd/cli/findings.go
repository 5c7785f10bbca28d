package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/findings"
	"github.com/anstrom/scanfleet/internal/logging"
)

// findingsCmd turns port discovery output into the services stage input.
var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Extract open ports from port discovery output",
	Long: `Read the nmap reports written by the ports stage, preferring XML and
falling back to grepable output, and write one ip_port_list.txt per output
directory. Reports in <input>/<group>/ produce <findings>/<group>/ip_port_list.txt.`,
	Example: `  scanfleet findings
  scanfleet findings --input output --findings findings`,
	RunE: runFindings,
}

func init() {
	rootCmd.AddCommand(findingsCmd)

	findingsCmd.Flags().String("input", "", "port discovery output directory (default output)")
	findingsCmd.Flags().String("findings", "", "directory to write port lists to (default findings)")

	findingsCmd.PreRunE = bindCommandFlags(map[string]string{
		"input":    "ports.output_dir",
		"findings": "services.findings_dir",
	})
}

func runFindings(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := initLogging(cfg)
	defer func() { _ = logger.Close() }()

	extractor := findings.NewExtractor(logger)
	reports, errs, err := extractor.Extract(cfg.Ports.OutputDir, cfg.Services.FindingsDir)
	logSkipped(logger, "report", errs)
	if err != nil {
		return err
	}

	printReports(cmd.OutOrStdout(), reports, len(errs))
	return nil
}

func printReports(w io.Writer, reports []findings.Report, skipped int) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No open ports found")
		return
	}

	hosts := 0
	table := tablewriter.NewWriter(w)
	table.Header("Group", "Hosts", "File")
	for _, r := range reports {
		group := r.Group
		if group == "" {
			group = "-"
		}
		hosts += r.Hosts
		_ = table.Append([]string{group, humanize.Comma(int64(r.Hosts)), r.Path})
	}
	_ = table.Render()

	fmt.Fprintf(w, "%s with open ports in %s",
		pluralize(hosts, "host", "hosts"), pluralize(len(reports), "file", "files"))
	if skipped > 0 {
		fmt.Fprintf(w, ", %s skipped", pluralize(skipped, "report", "reports"))
	}
	fmt.Fprintln(w)
	logging.Debug("Findings written", "files", len(reports), "hosts", hosts)
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return humanize.Comma(int64(n)) + " " + many
}
