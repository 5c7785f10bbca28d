package metrics

import "time"

// Cache lookup results.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Recorder is the metrics surface used by the orchestrator, the session
// backends and the resolver.
type Recorder interface {
	ObserveScan(stage, status string, duration time.Duration)
	SetTargets(stage string, count int)
	SetActiveSessions(count int)
	IncrementSessionErrors(operation string)
	IncrementSessionDestroys()
	IncrementResolutionErrors(code string)
	IncrementResolverCache(result string)
}

// Nop discards all metrics.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) ObserveScan(string, string, time.Duration) {}
func (Nop) SetTargets(string, int)                    {}
func (Nop) SetActiveSessions(int)                     {}
func (Nop) IncrementSessionErrors(string)             {}
func (Nop) IncrementSessionDestroys()                 {}
func (Nop) IncrementResolutionErrors(string)          {}
func (Nop) IncrementResolverCache(string)             {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
