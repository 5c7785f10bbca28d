// Package tracker records the lifecycle of every scan in a run and renders
// a live status view. One mutex serializes all state changes so aggregate
// counts stay consistent under concurrent workers.
package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/scanfleet/internal/targets"
)

// State is the per-target scan state.
type State int

const (
	StateQueued State = iota
	StateSessionCreating
	StateDispatched
	StatePolling
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSessionCreating:
		return "creating"
	case StateDispatched:
		return "dispatched"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateQueued; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Record is one claimed, not yet finalized scan.
type Record struct {
	ID        int            `json:"id"`
	Target    targets.Target `json:"target"`
	Session   string         `json:"session"`
	State     State          `json:"state"`
	Progress  int            `json:"progress"`
	StartTime time.Time      `json:"start_time"`
}

// FailedTarget is a target that ended without completing.
type FailedTarget struct {
	ID     int            `json:"-"`
	Target targets.Target `json:"target"`
	Reason string         `json:"reason"`
}

// OutcomeSummary is the final accounting of a run.
type OutcomeSummary struct {
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    []FailedTarget `json:"failed"`
}

// Snapshot is a consistent copy of the tracker state.
type Snapshot struct {
	OutcomeSummary
	Active  []Record  `json:"active"`
	TakenAt time.Time `json:"taken_at"`
}

// Tracker holds active records, the completed count and the failed set.
type Tracker struct {
	mu        sync.Mutex
	total     int
	active    map[int]*Record
	completed int
	failed    map[int]FailedTarget
	finalized map[int]struct{}

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// New creates a tracker for a run of total targets.
func New(total int) *Tracker {
	return &Tracker{
		total:     total,
		active:    make(map[int]*Record),
		failed:    make(map[int]FailedTarget),
		finalized: make(map[int]struct{}),
		subs:      make(map[int]chan struct{}),
	}
}

// SetTotal sets the number of targets in the run.
func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()

	t.notify()
}

// Begin records that a worker claimed the target with the given sequence id.
// It returns false if id is already active or finalized.
func (t *Tracker) Begin(id int, target targets.Target, session string) bool {
	t.mu.Lock()
	if _, done := t.finalized[id]; done {
		t.mu.Unlock()
		return false
	}
	if _, busy := t.active[id]; busy {
		t.mu.Unlock()
		return false
	}
	t.active[id] = &Record{
		ID:        id,
		Target:    target,
		Session:   session,
		State:     StateSessionCreating,
		StartTime: time.Now(),
	}
	t.mu.Unlock()

	t.notify()
	return true
}

// SetState moves an active record to state.
func (t *Tracker) SetState(id int, state State) {
	t.mu.Lock()
	rec, ok := t.active[id]
	if ok {
		rec.State = state
	}
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

// UpdateProgress sets the completion percentage of an active record.
func (t *Tracker) UpdateProgress(id, pct int) bool {
	t.mu.Lock()
	rec, ok := t.active[id]
	changed := ok && rec.Progress != pct
	if changed {
		rec.Progress = pct
		if rec.State < StatePolling {
			rec.State = StatePolling
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
	return changed
}

// Complete finalizes id as completed. It is a no-op returning false when id
// was already finalized.
func (t *Tracker) Complete(id int) bool {
	t.mu.Lock()
	if _, done := t.finalized[id]; done {
		t.mu.Unlock()
		return false
	}
	t.finalized[id] = struct{}{}
	delete(t.active, id)
	t.completed++
	t.mu.Unlock()

	t.notify()
	return true
}

// Fail finalizes id as failed with reason. It is a no-op returning false when
// id was already finalized. target is used for ids that were never claimed.
func (t *Tracker) Fail(id int, target targets.Target, reason string) bool {
	t.mu.Lock()
	if _, done := t.finalized[id]; done {
		t.mu.Unlock()
		return false
	}
	if rec, ok := t.active[id]; ok {
		target = rec.Target
		delete(t.active, id)
	}
	t.finalized[id] = struct{}{}
	t.failed[id] = FailedTarget{ID: id, Target: target, Reason: reason}
	t.mu.Unlock()

	t.notify()
	return true
}

// Finalized reports whether id reached a terminal outcome.
func (t *Tracker) Finalized(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.finalized[id]
	return ok
}

// ActiveCount returns the number of claimed, unfinalized records.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// ActiveSessions returns the session names of all active records.
func (t *Tracker) ActiveSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.active))
	for _, rec := range t.active {
		if rec.Session != "" {
			names = append(names, rec.Session)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a consistent copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := make([]Record, 0, len(t.active))
	for _, rec := range t.active {
		active = append(active, *rec)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	return Snapshot{
		OutcomeSummary: t.summaryLocked(),
		Active:         active,
		TakenAt:        time.Now(),
	}
}

// Summary returns the outcome accounting.
func (t *Tracker) Summary() OutcomeSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summaryLocked()
}

func (t *Tracker) summaryLocked() OutcomeSummary {
	failed := make([]FailedTarget, 0, len(t.failed))
	for _, f := range t.failed {
		failed = append(failed, f)
	}
	sortFailed(failed)
	return OutcomeSummary{Total: t.total, Completed: t.completed, Failed: failed}
}

// sortFailed orders by address, then group, then id.
func sortFailed(failed []FailedTarget) {
	sort.Slice(failed, func(i, j int) bool {
		a, b := failed[i], failed[j]
		if a.Target.Address != b.Target.Address {
			return a.Target.Address < b.Target.Address
		}
		if a.Target.Group != b.Target.Group {
			return a.Target.Group < b.Target.Group
		}
		return a.ID < b.ID
	})
}

// Subscribe returns a channel signalled after state changes. Signals
// coalesce: a slow reader sees at most one pending signal. Call the returned
// function to unsubscribe.
func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
		})
	}
}

func (t *Tracker) notify() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
