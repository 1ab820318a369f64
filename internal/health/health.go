// Package health tracks the state of the upstreams a turn depends on and
// reports process statistics for the /health endpoint.
package health

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Upstream names.
const (
	UpstreamCompletion = "completion"
	UpstreamSearch     = "search"
	UpstreamDriver     = "driver"
)

// upstream tracks consecutive failure counts for a single upstream.
type upstream struct {
	failures          int
	lastErr           string
	lastFail          time.Time
	lastSuccess       time.Time
	lastEmittedStatus Status
}

// UpstreamHealth is a point-in-time view of one upstream.
type UpstreamHealth struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
}

// Tracker records upstream outcomes. Any failure degrades an upstream;
// threshold consecutive failures mark it failed; one success recovers it.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	upstreams map[string]*upstream
	now       func() time.Time
}

func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Tracker{
		threshold: threshold,
		upstreams: make(map[string]*upstream),
		now:       time.Now,
	}
}

func (t *Tracker) get(name string) *upstream {
	u, ok := t.upstreams[name]
	if !ok {
		u = &upstream{lastEmittedStatus: StatusHealthy}
		t.upstreams[name] = u
	}
	return u
}

// RecordSuccess resets the failure count. It returns the new status and
// whether it changed since the last recorded outcome.
func (t *Tracker) RecordSuccess(name string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.get(name)
	u.failures = 0
	u.lastErr = ""
	u.lastSuccess = t.now()
	return t.emitLocked(u)
}

// RecordFailure counts a consecutive failure.
func (t *Tracker) RecordFailure(name string, err error) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.get(name)
	u.failures++
	if err != nil {
		u.lastErr = err.Error()
	}
	u.lastFail = t.now()
	return t.emitLocked(u)
}

func (t *Tracker) emitLocked(u *upstream) (Status, bool) {
	status := t.statusLocked(u)
	changed := status != u.lastEmittedStatus
	u.lastEmittedStatus = status
	return status, changed
}

// statusLocked computes health status. Caller must hold t.mu.
func (t *Tracker) statusLocked(u *upstream) Status {
	switch {
	case u.failures >= t.threshold:
		return StatusFailed
	case u.failures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Status returns the current status of name. Unknown upstreams are healthy.
func (t *Tracker) Status(name string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.upstreams[name]
	if !ok {
		return StatusHealthy
	}
	return t.statusLocked(u)
}

// Snapshot returns every tracked upstream sorted by name.
func (t *Tracker) Snapshot() []UpstreamHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UpstreamHealth, 0, len(t.upstreams))
	for name, u := range t.upstreams {
		out = append(out, UpstreamHealth{
			Name:                name,
			Status:              t.statusLocked(u),
			ConsecutiveFailures: u.failures,
			LastError:           u.lastErr,
			LastFailure:         u.lastFail,
			LastSuccess:         u.lastSuccess,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst status across all upstreams.
func (t *Tracker) Overall() Status {
	worst := StatusHealthy
	for _, u := range t.Snapshot() {
		switch u.Status {
		case StatusFailed:
			return StatusFailed
		case StatusDegraded:
			worst = StatusDegraded
		}
	}
	return worst
}
