package tracker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/anstrom/scanfleet/internal/logging"
)

const (
	clearScreen            = "\033[2J\033[H"
	defaultRefreshInterval = 2 * time.Second
)

// SystemLoad is a host resource sample.
type SystemLoad struct {
	CPUPercent float64
	MemPercent float64
	MemUsed    uint64
	MemTotal   uint64
}

// SystemSampler reads host load.
type SystemSampler interface {
	Sample(ctx context.Context) (SystemLoad, error)
}

// HostSampler samples the local host with gopsutil.
type HostSampler struct{}

// Sample implements SystemSampler. CPU usage is measured since the previous
// call.
func (HostSampler) Sample(ctx context.Context) (SystemLoad, error) {
	var load SystemLoad

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return load, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		load.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return load, fmt.Errorf("failed to read memory usage: %w", err)
	}
	load.MemPercent = vm.UsedPercent
	load.MemUsed = vm.Used
	load.MemTotal = vm.Total
	return load, nil
}

// DisplayOptions configures a Display.
type DisplayOptions struct {
	Title           string
	RefreshInterval time.Duration
	Sampler         SystemSampler
	Logger          *logging.Logger
}

// Display redraws the terminal with the tracker state on every change and
// on a fixed interval.
type Display struct {
	tracker  *Tracker
	out      io.Writer
	title    string
	interval time.Duration
	sampler  SystemSampler
	logger   *logging.Logger

	renderMu sync.Mutex
	now      func() time.Time
}

// NewDisplay creates a Display writing to w.
func NewDisplay(t *Tracker, w io.Writer, opts DisplayOptions) *Display {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.Sampler == nil {
		opts.Sampler = HostSampler{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Title == "" {
		opts.Title = "scanfleet"
	}
	return &Display{
		tracker:  t,
		out:      w,
		title:    opts.Title,
		interval: opts.RefreshInterval,
		sampler:  opts.Sampler,
		logger:   opts.Logger.WithComponent("display"),
		now:      time.Now,
	}
}

// Run renders until ctx is done.
func (d *Display) Run(ctx context.Context) error {
	changes, unsubscribe := d.tracker.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Render(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		case <-ticker.C:
		}
		d.Render(ctx)
	}
}

// Render draws one frame from a single tracker snapshot. Concurrent calls
// never interleave.
func (d *Display) Render(ctx context.Context) {
	d.renderMu.Lock()
	defer d.renderMu.Unlock()

	snap := d.tracker.Snapshot()

	load, err := d.sampler.Sample(ctx)
	loadOK := err == nil
	if err != nil {
		d.logger.Debug("System load sample failed", "error", err)
	}

	fmt.Fprint(d.out, clearScreen)
	d.renderHeader(snap)
	d.renderActive(snap)
	if loadOK {
		d.renderLoad(load)
	}
	d.renderFailed(snap.Failed)
}

func (d *Display) renderHeader(snap Snapshot) {
	bold := color.New(color.FgCyan, color.Bold)
	_, _ = bold.Fprintf(d.out, "%s\n", d.title)

	pending := snap.Total - snap.Completed - len(snap.Failed) - len(snap.Active)
	if pending < 0 {
		pending = 0
	}
	fmt.Fprintf(d.out, "Total: %d  Active: %s  Completed: %s  Failed: %s  Pending: %d\n\n",
		snap.Total,
		color.YellowString("%d", len(snap.Active)),
		color.GreenString("%d", snap.Completed),
		color.RedString("%d", len(snap.Failed)),
		pending,
	)
}

func (d *Display) renderActive(snap Snapshot) {
	if len(snap.Active) == 0 {
		fmt.Fprintln(d.out, "No active scans")
		fmt.Fprintln(d.out)
		return
	}

	table := tablewriter.NewWriter(d.out)
	table.Header("Target", "Group", "Session", "State", "Progress", "Elapsed")
	now := d.now()
	for i := range snap.Active {
		rec := &snap.Active[i]
		_ = table.Append([]string{
			rec.Target.Address,
			rec.Target.Group,
			rec.Session,
			rec.State.String(),
			progressBar(rec.Progress),
			now.Sub(rec.StartTime).Truncate(time.Second).String(),
		})
	}
	_ = table.Render()
	fmt.Fprintln(d.out)
}

func (d *Display) renderLoad(load SystemLoad) {
	fmt.Fprintf(d.out, "CPU: %s  RAM: %s (%s / %s)\n\n",
		loadColor(load.CPUPercent),
		loadColor(load.MemPercent),
		humanize.IBytes(load.MemUsed),
		humanize.IBytes(load.MemTotal),
	)
}

func (d *Display) renderFailed(failed []FailedTarget) {
	if len(failed) == 0 {
		return
	}
	_, _ = color.New(color.FgRed, color.Bold).Fprintln(d.out, "Failed:")
	for _, f := range failed {
		fmt.Fprintf(d.out, "  %s  %s\n", describeTarget(f.Target.Address, f.Target.Group), f.Reason)
	}
}

func progressBar(pct int) string {
	const width = 20
	filled := pct * width / 100
	bar := make([]byte, width)
	for i := range bar {
		if i < filled {
			bar[i] = '#'
		} else {
			bar[i] = '.'
		}
	}
	return "[" + string(bar) + "] " + strconv.Itoa(pct) + "%"
}

func loadColor(pct float64) string {
	s := fmt.Sprintf("%.1f%%", pct)
	switch {
	case pct >= 90:
		return color.RedString("%s", s)
	case pct >= 70:
		return color.YellowString("%s", s)
	default:
		return color.GreenString("%s", s)
	}
}

func describeTarget(address, group string) string {
	if group == "" {
		return address
	}
	return address + " (" + group + ")"
}

// PrintSummary writes the final outcome of a run.
func PrintSummary(w io.Writer, s OutcomeSummary) {
	fmt.Fprintln(w)
	_, _ = color.New(color.Bold).Fprintln(w, "Scan summary")
	fmt.Fprintf(w, "Total targets: %d\n", s.Total)
	fmt.Fprintf(w, "Completed:     %s\n", color.GreenString("%d", s.Completed))
	fmt.Fprintf(w, "Failed:        %s\n", color.RedString("%d", len(s.Failed)))
	for _, f := range s.Failed {
		fmt.Fprintf(w, "  - %s: %s\n", describeTarget(f.Target.Address, f.Target.Group), f.Reason)
	}
}
