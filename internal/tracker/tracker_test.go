package tracker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/targets"
)

func tgt(addr, group string) targets.Target {
	return targets.Target{Address: addr, Group: group}
}

func TestTrackerLifecycle(t *testing.T) {
	tr := New(3)

	require.True(t, tr.Begin(0, tgt("10.0.0.1", ""), "scan_10_0_0_1"))
	require.True(t, tr.Begin(1, tgt("10.0.0.2", ""), "scan_10_0_0_2"))
	assert.False(t, tr.Begin(1, tgt("10.0.0.2", ""), "scan_10_0_0_2"), "already active")

	tr.SetState(0, StateDispatched)
	assert.True(t, tr.UpdateProgress(0, 40))
	assert.False(t, tr.UpdateProgress(0, 40), "unchanged")
	assert.False(t, tr.UpdateProgress(7, 10), "unknown id")

	snap := tr.Snapshot()
	require.Len(t, snap.Active, 2)
	assert.Equal(t, StatePolling, snap.Active[0].State)
	assert.Equal(t, 40, snap.Active[0].Progress)
	assert.Equal(t, []string{"scan_10_0_0_1", "scan_10_0_0_2"}, tr.ActiveSessions())

	assert.True(t, tr.Complete(0))
	assert.False(t, tr.Complete(0), "idempotent")
	assert.False(t, tr.Fail(0, tgt("10.0.0.1", ""), "late"), "already completed")

	assert.True(t, tr.Fail(1, targets.Target{}, "[POLLING_FAILED] boom"))
	assert.True(t, tr.Fail(2, tgt("10.0.0.3", ""), "[CANCELED] Scan canceled"), "never claimed")
	assert.False(t, tr.Begin(2, tgt("10.0.0.3", ""), "scan_10_0_0_3"), "finalized ids cannot restart")

	sum := tr.Summary()
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Completed)
	require.Len(t, sum.Failed, 2)
	assert.Equal(t, "10.0.0.2", sum.Failed[0].Target.Address, "active record target wins")
	assert.Equal(t, "10.0.0.3", sum.Failed[1].Target.Address)
	assert.Equal(t, 0, tr.ActiveCount())
	assert.True(t, tr.Finalized(2))
}

func TestSummaryFailedOrdering(t *testing.T) {
	tr := New(4)
	tr.Fail(3, tgt("10.0.0.9", ""), "x")
	tr.Fail(2, tgt("10.0.0.1", "b"), "x")
	tr.Fail(1, tgt("10.0.0.1", "a"), "x")
	tr.Fail(0, tgt("10.0.0.1", "a"), "x")

	var got []string
	for _, f := range tr.Summary().Failed {
		got = append(got, fmt.Sprintf("%s/%s/%d", f.Target.Address, f.Target.Group, f.ID))
	}
	assert.Equal(t, []string{"10.0.0.1/a/0", "10.0.0.1/a/1", "10.0.0.1/b/2", "10.0.0.9//3"}, got)
}

func TestTrackerConcurrentAccounting(t *testing.T) {
	const n = 200
	tr := New(n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			target := tgt(fmt.Sprintf("10.0.%d.%d", id/250, id%250), "")
			tr.Begin(id, target, fmt.Sprintf("scan_%d", id))
			tr.UpdateProgress(id, id%100)
			if id%3 == 0 {
				tr.Fail(id, target, "x")
			} else {
				tr.Complete(id)
			}
			// racing second finalization is always a no-op
			tr.Fail(id, target, "late")
		}(i)
	}
	wg.Wait()

	sum := tr.Summary()
	assert.Equal(t, n, sum.Completed+len(sum.Failed))
	assert.Equal(t, 67, len(sum.Failed))
}

func TestSubscribeCoalesces(t *testing.T) {
	tr := New(5)
	ch, cancel := tr.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		tr.Begin(i, tgt("10.0.0.1", ""), "s")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	cancel()
	cancel()
	tr.Complete(0)
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a signal")
	default:
	}
}

type fakeSampler struct {
	load SystemLoad
	err  error
}

func (f fakeSampler) Sample(context.Context) (SystemLoad, error) { return f.load, f.err }

func TestDisplayRender(t *testing.T) {
	color.NoColor = true

	tr := New(3)
	tr.Begin(0, tgt("10.0.0.1", "10.0.0.0_30"), "scan_10_0_0_1")
	tr.UpdateProgress(0, 50)
	tr.Fail(1, tgt("10.0.0.2", "10.0.0.0_30"), "[SESSION_CREATE_FAILED] Failed to create session")

	var buf bytes.Buffer
	d := NewDisplay(tr, &buf, DisplayOptions{
		Title:   "ports scan",
		Sampler: fakeSampler{load: SystemLoad{CPUPercent: 12.5, MemPercent: 80, MemUsed: 2 << 30, MemTotal: 4 << 30}},
	})
	d.Render(context.Background())

	out := buf.String()
	assert.Contains(t, out, clearScreen)
	assert.Contains(t, out, "ports scan")
	assert.Contains(t, out, "Total: 3  Active: 1  Completed: 0  Failed: 1  Pending: 1")
	assert.Contains(t, out, "scan_10_0_0_1")
	assert.Contains(t, out, "[##########..........] 50%")
	assert.Contains(t, out, "CPU: 12.5%")
	assert.Contains(t, out, "RAM: 80.0% (2.0 GiB / 4.0 GiB)")
	assert.Contains(t, out, "10.0.0.2 (10.0.0.0_30)  [SESSION_CREATE_FAILED]")
}

func TestDisplaySamplerFailureOmitsLoad(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	d := NewDisplay(New(0), &buf, DisplayOptions{Sampler: fakeSampler{err: fmt.Errorf("no procfs")}})
	d.Render(context.Background())

	assert.Contains(t, buf.String(), "No active scans")
	assert.NotContains(t, buf.String(), "CPU:")
}

func TestDisplayRunStopsOnCancel(t *testing.T) {
	color.NoColor = true

	tr := New(1)
	var buf safeBuffer
	d := NewDisplay(tr, &buf, DisplayOptions{RefreshInterval: time.Hour, Sampler: fakeSampler{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	tr.Begin(0, tgt("10.0.0.1", ""), "scan_10_0_0_1")
	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("scan_10_0_0_1"))
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("display did not stop")
	}
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	PrintSummary(&buf, OutcomeSummary{
		Total:     3,
		Completed: 1,
		Failed: []FailedTarget{
			{Target: tgt("10.0.0.1", ""), Reason: "[CANCELED] Scan canceled"},
			{Target: tgt("10.0.0.2", "dmz"), Reason: "[DISPATCH_FAILED] Failed to dispatch command"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Total targets: 3")
	assert.Contains(t, out, "Completed:     1")
	assert.Contains(t, out, "Failed:        2")
	assert.Contains(t, out, "  - 10.0.0.1: [CANCELED] Scan canceled")
	assert.Contains(t, out, "  - 10.0.0.2 (dmz): [DISPATCH_FAILED]")
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[....................] 0%", progressBar(0))
	assert.Equal(t, "[####################] 100%", progressBar(100))
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
