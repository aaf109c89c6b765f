package register

import (
	"sync"
	"time"
)

// Phase is the current stage of a batch registration.
type Phase string

const (
	PhaseLookup      Phase = "lookup"
	PhaseRegistering Phase = "registering"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

const maxRecentEvents = 20

// DatasetEvent records a finished dataset for the recent activity log.
type DatasetEvent struct {
	DataID string `json:"data_id"`
	Status string `json:"status"` // "completed", "failed"
	Error  string `json:"error,omitempty"`
}

// Snapshot is a copy of a Tracker's state, safe for JSON serialization.
type Snapshot struct {
	Phase             Phase          `json:"phase"`
	Total             int            `json:"total"`
	Current           int            `json:"current"`
	CompletedDatasets int            `json:"completed_datasets"`
	FailedDatasets    int            `json:"failed_datasets"`
	Percent           float64        `json:"percent"`
	Message           string         `json:"message,omitempty"`
	RecentEvents      []DatasetEvent `json:"recent_events,omitempty"`
	StartTime         time.Time      `json:"start_time"`
	Elapsed           string         `json:"elapsed"`
}

// Tracker accumulates progress from pool workers. It implements
// provider.Progress, so providers report straight into it. Listeners call
// Wait to block until the next update.
type Tracker struct {
	mu sync.Mutex

	phase     Phase
	total     int
	current   int
	completed int
	failed    int
	message   string
	startTime time.Time

	recentEvents []DatasetEvent

	// closed and replaced on every update
	notify chan struct{}
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		phase:     PhaseLookup,
		startTime: time.Now(),
		notify:    make(chan struct{}),
	}
}

// Update implements provider.Progress.
func (t *Tracker) Update(increment int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current += increment
	if message != "" {
		t.message = message
	}
	t.signal()
}

// SetPhase updates the current phase.
func (t *Tracker) SetPhase(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.signal()
}

// SetTotal sets the expected number of progress steps.
func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
	t.signal()
}

// DatasetCompleted records a registered dataset.
func (t *Tracker) DatasetCompleted(dataID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	t.addRecentEvent(DatasetEvent{DataID: dataID, Status: "completed"})
	t.signal()
}

// DatasetFailed records a dataset whose registration failed.
func (t *Tracker) DatasetFailed(dataID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
	ev := DatasetEvent{DataID: dataID, Status: "failed"}
	if err != nil {
		ev.Error = err.Error()
	}
	t.addRecentEvent(ev)
	t.signal()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	if t.total > 0 {
		pct = float64(t.current) / float64(t.total) * 100
		if pct > 100 {
			pct = 100
		}
	}
	events := make([]DatasetEvent, len(t.recentEvents))
	copy(events, t.recentEvents)

	return Snapshot{
		Phase:             t.phase,
		Total:             t.total,
		Current:           t.current,
		CompletedDatasets: t.completed,
		FailedDatasets:    t.failed,
		Percent:           pct,
		Message:           t.message,
		RecentEvents:      events,
		StartTime:         t.startTime,
		Elapsed:           time.Since(t.startTime).Truncate(time.Second).String(),
	}
}

// Wait returns a channel closed by the next update.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// addRecentEvent prepends ev, keeping the newest maxRecentEvents. Must be
// called with t.mu held.
func (t *Tracker) addRecentEvent(ev DatasetEvent) {
	t.recentEvents = append([]DatasetEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > maxRecentEvents {
		t.recentEvents = t.recentEvents[:maxRecentEvents]
	}
}
