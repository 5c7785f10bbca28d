package targets

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/metrics"
)

// startDNSServer runs an in-process UDP nameserver answering from records.
func startDNSServer(t *testing.T, records map[string][]dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		rrs, known := records[q.Name]
		if !known {
			m.Rcode = dns.RcodeNameError
		}
		for _, rr := range rrs {
			if rr.Header().Rrtype == q.Qtype {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestDNSResolver(t *testing.T) {
	addr := startDNSServer(t, map[string][]dns.RR{
		"v4.example.": {mustRR(t, "v4.example. 60 IN A 192.0.2.10")},
		"v6.example.": {mustRR(t, "v6.example. 60 IN AAAA 2001:db8::10")},
		"both.example.": {
			mustRR(t, "both.example. 60 IN AAAA 2001:db8::20"),
			mustRR(t, "both.example. 60 IN A 192.0.2.20"),
		},
		"empty.example.": {},
	})

	r := NewDNSResolver([]string{addr}, time.Second)
	ctx := context.Background()

	got, err := r.LookupHost(ctx, "v4.example")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", got)

	got, err = r.LookupHost(ctx, "v6.example")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::10", got)

	got, err = r.LookupHost(ctx, "both.example")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.20", got, "A records are preferred")

	_, err = r.LookupHost(ctx, "nope.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such host")

	_, err = r.LookupHost(ctx, "empty.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no address records")
}

func TestDNSResolverNoServers(t *testing.T) {
	_, err := NewDNSResolver(nil, time.Second).LookupHost(context.Background(), "x")
	assert.Error(t, err)
}

func TestNewDNSResolverAddsPort(t *testing.T) {
	r := NewDNSResolver([]string{"10.0.0.53", "10.0.0.54:5353", "2001:db8::53"}, 0)
	assert.Equal(t, []string{"10.0.0.53:53", "10.0.0.54:5353", "[2001:db8::53]:53"}, r.servers)
}

type countingResolver struct {
	calls atomic.Int32
	addr  string
	err   error
}

func (c *countingResolver) LookupHost(context.Context, string) (string, error) {
	c.calls.Add(1)
	return c.addr, c.err
}

func TestCachingResolver(t *testing.T) {
	next := &countingResolver{addr: "198.51.100.7"}
	pm := metrics.NewPrometheusMetrics()

	r, err := NewCachingResolver(next, 100, time.Minute, pm)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 3; i++ {
		got, err := r.LookupHost(context.Background(), "cached.example")
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.7", got)
	}

	assert.Equal(t, int32(1), next.calls.Load(), "only the first lookup reaches the backing resolver")
}

func TestCachingResolverDoesNotCacheFailures(t *testing.T) {
	next := &countingResolver{err: fmt.Errorf("timeout")}

	r, err := NewCachingResolver(next, 100, time.Minute, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.LookupHost(context.Background(), "flaky.example")
	require.Error(t, err)
	_, err = r.LookupHost(context.Background(), "flaky.example")
	require.Error(t, err)

	assert.Equal(t, int32(2), next.calls.Load())
}

func TestPickAddress(t *testing.T) {
	_, err := pickAddress("x", nil)
	assert.Error(t, err)
}

func TestSystemResolverLocalhost(t *testing.T) {
	got, err := SystemResolver{}.LookupHost(context.Background(), "localhost")
	if err != nil {
		t.Skipf("system resolver unavailable: %v", err)
	}
	assert.NotEmpty(t, got)
}
