// Package targets turns scope input into scannable endpoints.
//
// A scope line is one of: a single IP address, an address range (CIDR
// prefix or dash range), or a host name. Ranges expand into one Target per
// usable host, all sharing a filesystem-safe Group so output can be
// partitioned per range. Names are resolved to a concrete address through a
// pluggable Resolver. Entries that cannot be resolved are reported and
// skipped; duplicates are kept and scanned independently.
package targets

import (
	"context"
	"net/netip"
	"strings"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
)

// DefaultMaxRangeSize bounds range expansion when no limit is configured.
const DefaultMaxRangeSize = 65536

// Target is one resolved, scannable endpoint.
type Target struct {
	// Address is always a concrete IP address.
	Address string `json:"address"`
	// Ports is an optional port list in scanner syntax.
	Ports string `json:"ports,omitempty"`
	// Group is the originating range identifier, safe to use as a directory name.
	Group string `json:"group,omitempty"`
}

func (t Target) String() string {
	return t.Address
}

// IsIPv6 reports whether Address is an IPv6 address.
func (t Target) IsIPv6() bool {
	addr, err := netip.ParseAddr(t.Address)
	return err == nil && addr.Is6() && !addr.Is4In6()
}

// Options configures a TargetResolver.
type Options struct {
	MaxRangeSize int
	Metrics      metrics.Recorder
	Logger       *logging.Logger
}

// TargetResolver expands and resolves scope entries.
type TargetResolver struct {
	names    Resolver
	maxRange int
	metrics  metrics.Recorder
	logger   *logging.Logger
}

// NewTargetResolver creates a resolver that uses names for host name lookups.
func NewTargetResolver(names Resolver, opts Options) *TargetResolver {
	if names == nil {
		names = SystemResolver{}
	}
	if opts.MaxRangeSize <= 0 {
		opts.MaxRangeSize = DefaultMaxRangeSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &TargetResolver{
		names:    names,
		maxRange: opts.MaxRangeSize,
		metrics:  metrics.OrNop(opts.Metrics),
		logger:   opts.Logger.WithComponent("resolver"),
	}
}

// Resolve processes scope lines in order and returns the flat target list
// together with one error per skipped entry. Blank lines and lines starting
// with '#' are ignored.
func (r *TargetResolver) Resolve(ctx context.Context, lines []string) ([]Target, []error) {
	var out []Target
	var errs []error

	for _, line := range lines {
		entry := strings.TrimSpace(line)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}

		targets, err := r.resolveEntry(ctx, entry)
		if err != nil {
			r.metrics.IncrementResolutionErrors(string(errors.GetCode(err)))
			r.logger.Warn("Skipping scope entry", "entry", entry, "error", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, targets...)
	}

	return out, errs
}

func (r *TargetResolver) resolveEntry(ctx context.Context, entry string) ([]Target, error) {
	if addr, err := netip.ParseAddr(entry); err == nil {
		return []Target{{Address: addr.Unmap().String()}}, nil
	}

	rng, isRange, err := parseRange(entry)
	if err != nil {
		return nil, err
	}
	if isRange {
		return rng.expand(r.maxRange)
	}

	addr, err := r.names.LookupHost(ctx, entry)
	if err != nil {
		return nil, errors.NewResolutionError(entry, err)
	}
	r.logger.Debug("Resolved host name", "entry", entry, "address", addr)
	return []Target{{Address: addr}}, nil
}
