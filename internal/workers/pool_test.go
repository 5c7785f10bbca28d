package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(size int) Config {
	return Config{
		Size:           size,
		DequeueTimeout: 5 * time.Millisecond,
		JoinTimeout:    50 * time.Millisecond,
	}
}

func TestQueue(t *testing.T) {
	t.Run("fifo order", func(t *testing.T) {
		q := NewQueue[int](3)
		require.NoError(t, q.Put(1))
		require.NoError(t, q.Put(2))
		require.NoError(t, q.Put(3))
		assert.Error(t, q.Put(4), "queue is full")

		for want := 1; want <= 3; want++ {
			got, ok := q.Get(time.Millisecond)
			require.True(t, ok)
			assert.Equal(t, want, got)
		}
	})

	t.Run("get times out on empty queue", func(t *testing.T) {
		q := NewQueue[string](1)
		start := time.Now()
		_, ok := q.Get(20 * time.Millisecond)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("draining rejects puts", func(t *testing.T) {
		q := NewQueue[int](2)
		require.NoError(t, q.Put(1))
		q.MarkDraining()
		assert.True(t, q.Draining())
		assert.Error(t, q.Put(2))
		assert.Equal(t, 1, q.Len())
	})

	t.Run("drain empties the queue", func(t *testing.T) {
		q := NewQueue[int](4)
		for i := 0; i < 4; i++ {
			require.NoError(t, q.Put(i))
		}
		assert.Equal(t, []int{0, 1, 2, 3}, q.Drain())
		assert.Equal(t, 0, q.Len())
		assert.Nil(t, q.Drain())
	})
}

func TestNewPoolDefaults(t *testing.T) {
	p := New[int](Config{}, NewQueue[int](1), func(context.Context, int, int) {}, nil)
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, time.Second, p.config.DequeueTimeout)
	assert.Equal(t, time.Second, p.config.JoinTimeout)
}

func TestPoolProcessesEveryItem(t *testing.T) {
	const items = 50
	q := NewQueue[int](items)
	for i := 0; i < items; i++ {
		require.NoError(t, q.Put(i))
	}
	q.MarkDraining()

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	p := New(fastConfig(4), q, func(_ context.Context, _ int, item int) {
		mu.Lock()
		seen[item]++
		mu.Unlock()
	}, nil)

	p.Start(context.Background())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not exit after the queue drained")
	}

	assert.Len(t, seen, items)
	for item, count := range seen {
		assert.Equal(t, 1, count, "item %d", item)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	q := NewQueue[int](20)
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Put(i))
	}
	q.MarkDraining()

	var active, peak atomic.Int32
	p := New(fastConfig(3), q, func(context.Context, int, int) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
	}, nil)

	p.Start(context.Background())
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load())
}

func TestPoolKeepsWaitingUntilDraining(t *testing.T) {
	q := NewQueue[int](4)
	var handled atomic.Int32
	p := New(fastConfig(2), q, func(context.Context, int, int) { handled.Add(1) }, nil)

	p.Start(context.Background())

	// workers poll the empty queue and stay alive
	time.Sleep(30 * time.Millisecond)
	select {
	case <-p.Done():
		t.Fatal("workers exited before the queue was marked draining")
	default:
	}

	require.NoError(t, q.Put(7))
	q.MarkDraining()
	p.Wait()
	assert.Equal(t, int32(1), handled.Load())
}

func TestPoolStopLeavesQueuedItems(t *testing.T) {
	q := NewQueue[int](10)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Put(i))
	}
	q.MarkDraining()

	release := make(chan struct{})
	var handled atomic.Int32
	p := New(fastConfig(2), q, func(context.Context, int, int) {
		handled.Add(1)
		<-release
	}, nil)

	p.Start(context.Background())
	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, time.Millisecond)

	p.Stop()
	assert.True(t, p.Stopped())
	close(release)
	p.Wait()

	assert.Equal(t, int32(2), handled.Load())
	assert.Len(t, q.Drain(), 8)
}

func TestPoolJoinReportsStuckWorkers(t *testing.T) {
	q := NewQueue[int](2)
	require.NoError(t, q.Put(1))
	q.MarkDraining()

	block := make(chan struct{})
	defer close(block)

	claimed := make(chan int, 1)
	p := New(fastConfig(2), q, func(_ context.Context, worker int, _ int) {
		claimed <- worker
		<-block
	}, nil)

	p.Start(context.Background())
	stuck := <-claimed

	p.Stop()
	start := time.Now()
	running := p.Join(20 * time.Millisecond)

	assert.Equal(t, []int{stuck}, running)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoolHandlerSeesContext(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.Put(1))
	q.MarkDraining()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawCanceled atomic.Bool
	p := New(fastConfig(1), q, func(ctx context.Context, _ int, _ int) {
		sawCanceled.Store(ctx.Err() != nil)
	}, nil)

	p.Start(ctx)
	p.Wait()
	assert.True(t, sawCanceled.Load(), "claimed items are still handed to the handler")
}
