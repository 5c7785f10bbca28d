package targets

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/miekg/dns"

	"github.com/anstrom/scanfleet/internal/metrics"
)

const (
	defaultDNSPort    = "53"
	defaultDNSTimeout = 5 * time.Second
	cacheBufferItems  = 64
	cacheCounterRatio = 10
)

// Resolver turns a host name into one concrete address.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (string, error)
}

// SystemResolver resolves names with the operating system's resolver.
type SystemResolver struct {
	Resolver *net.Resolver
}

// LookupHost returns the first IPv4 address for host, or the first address
// of any family when there is no IPv4 answer.
func (s SystemResolver) LookupHost(ctx context.Context, host string) (string, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return "", err
	}
	return pickAddress(host, addrs)
}

func pickAddress(host string, addrs []netip.Addr) (string, error) {
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap().String(), nil
		}
	}
	return addrs[0].String(), nil
}

// DNSResolver queries explicit nameservers, asking for A records first and
// AAAA records second.
type DNSResolver struct {
	servers []string
	client  *dns.Client
}

// NewDNSResolver creates a resolver for the given nameservers. Entries
// without a port use 53.
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, defaultDNSPort)
		}
		normalized = append(normalized, s)
	}
	return &DNSResolver{
		servers: normalized,
		client:  &dns.Client{Timeout: timeout},
	}
}

// LookupHost implements Resolver.
func (d *DNSResolver) LookupHost(ctx context.Context, host string) (string, error) {
	if len(d.servers) == 0 {
		return "", fmt.Errorf("no nameservers configured")
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, server := range d.servers {
			addr, err := d.query(ctx, server, host, qtype)
			if err == nil && addr != "" {
				return addr, nil
			}
			if err != nil {
				if isNXDomain(err) {
					return "", err
				}
				lastErr = err
				continue
			}
			// Empty answer from this server; the next record type may have one.
			break
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("lookup %s: %w", host, lastErr)
	}
	return "", fmt.Errorf("lookup %s: no address records", host)
}

type nxDomainError struct{ host string }

func (e nxDomainError) Error() string { return "lookup " + e.host + ": no such host" }

func isNXDomain(err error) bool {
	_, ok := err.(nxDomainError)
	return ok
}

func (d *DNSResolver) query(ctx context.Context, server, host string, qtype uint16) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	in, _, err := d.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", err
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return "", nxDomainError{host: host}
	default:
		return "", fmt.Errorf("%s answered %s", server, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			return v.A.String(), nil
		case *dns.AAAA:
			return v.AAAA.String(), nil
		}
	}
	return "", nil
}

// CachingResolver memoizes successful lookups of another Resolver.
type CachingResolver struct {
	next    Resolver
	cache   *ristretto.Cache
	ttl     time.Duration
	metrics metrics.Recorder
}

// NewCachingResolver wraps next with a cache holding up to size entries for ttl.
func NewCachingResolver(next Resolver, size int64, ttl time.Duration, rec metrics.Recorder) (*CachingResolver, error) {
	if size <= 0 {
		size = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * cacheCounterRatio,
		MaxCost:     size,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}
	return &CachingResolver{
		next:    next,
		cache:   cache,
		ttl:     ttl,
		metrics: metrics.OrNop(rec),
	}, nil
}

// LookupHost implements Resolver. Failed lookups are not cached.
func (c *CachingResolver) LookupHost(ctx context.Context, host string) (string, error) {
	if v, ok := c.cache.Get(host); ok {
		if addr, ok := v.(string); ok {
			c.metrics.IncrementResolverCache(metrics.CacheHit)
			return addr, nil
		}
	}
	c.metrics.IncrementResolverCache(metrics.CacheMiss)

	addr, err := c.next.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	c.cache.SetWithTTL(host, addr, 1, c.ttl)
	c.cache.Wait()
	return addr, nil
}

// Close releases the cache.
func (c *CachingResolver) Close() {
	c.cache.Close()
}
