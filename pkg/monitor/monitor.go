// Package monitor runs the poll-diff-notify loop: fetch the feed, drop
// entries already notified, deliver the rest oldest-first, persist the seen
// set and touch the liveness marker. Fetch failures switch the loop into
// linear backoff; any fully successful iteration resets it.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/feed"
	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/notifier"
)

var (
	fetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xcontest_monitor_fetches_total",
		Help: "Successful feed fetches",
	})
	fetchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xcontest_monitor_fetch_failures_total",
		Help: "Failed feed fetches",
	})
	notificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xcontest_monitor_notifications_total",
		Help: "Entries delivered to the notification sink",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xcontest_monitor_dropped_total",
		Help: "Entries dropped after a permanent notification failure",
	})
)

// Fetcher retrieves the feed as an ordered sequence of entries
type Fetcher interface {
	Fetch(ctx context.Context) ([]feed.Entry, error)
}

// Notifier delivers one entry to the sink. Permanent failures are reported
// wrapped in notifier.ErrPermanent.
type Notifier interface {
	Send(ctx context.Context, e feed.Entry) error
}

// SeenStore is the durable set of already-notified identities
type SeenStore interface {
	Contains(id string) bool
	Add(id string)
	Flush(ctx context.Context) error
}

// Alive records a heartbeat for the external health probe
type Alive interface {
	Touch() error
}

// Params configures a Monitor
type Params struct {
	Fetcher  Fetcher
	Notifier Notifier
	Store    SeenStore
	Alive    Alive

	Interval   time.Duration // base sleep between successful iterations
	Backoff    time.Duration // backoff unit, scaled by consecutive failures
	MaxBackoff time.Duration // backoff cap, defaults to 10x Backoff
	Pilots     []string      // optional pilot username filter, empty means all
}

// Status is a snapshot of loop progress for the status endpoint
type Status struct {
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Notified            int64     `json:"notified"`
	Dropped             int64     `json:"dropped"`
}

// Monitor is the poll loop. One iteration runs to completion before the
// next begins; the seen store is touched by this loop only.
type Monitor struct {
	Params
	pilots   map[string]struct{}
	failures int

	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	status Status
}

// New creates a monitor with the given collaborators
func New(p Params) *Monitor {
	if p.Interval == 0 {
		p.Interval = 10 * time.Minute
	}
	if p.Backoff == 0 {
		p.Backoff = 20 * time.Minute
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 10 * p.Backoff
	}

	pilots := make(map[string]struct{}, len(p.Pilots))
	for _, pilot := range p.Pilots {
		pilots[pilot] = struct{}{}
	}

	return &Monitor{Params: p, pilots: pilots, sleep: sleepCtx}
}

// Run executes the loop until the context is canceled. Cancellation is
// honored between iterations and during sleeps; returns nil on shutdown.
func (m *Monitor) Run(ctx context.Context) error {
	lgr.Printf("[INFO] monitor started, interval %v, backoff %v (max %v)", m.Interval, m.Backoff, m.MaxBackoff)
	for {
		if ctx.Err() != nil {
			lgr.Printf("[INFO] monitor stopped")
			return nil
		}

		delay := m.iteration(ctx)

		lgr.Printf("[DEBUG] sleeping for %v", delay)
		if err := m.sleep(ctx, delay); err != nil {
			lgr.Printf("[INFO] monitor stopped")
			return nil
		}
	}
}

// Status returns a snapshot of the loop's progress
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// iteration runs one fetch-diff-notify cycle and returns the next sleep
func (m *Monitor) iteration(ctx context.Context) time.Duration {
	entries, err := m.Fetcher.Fetch(ctx)
	if err != nil {
		m.failures++
		fetchFailuresTotal.Inc()
		delay := m.backoffDelay()
		lgr.Printf("[ERROR] feed fetch failed (attempt %d): %v", m.failures, err)

		m.mu.Lock()
		m.status.ConsecutiveFailures = m.failures
		m.status.LastError = err.Error()
		m.mu.Unlock()
		return delay
	}
	fetchesTotal.Inc()
	lgr.Printf("[INFO] fetched %d entries", len(entries))

	entries = m.filterPilots(entries)

	fresh := entries[:0:0]
	for _, e := range entries {
		if !m.Store.Contains(e.GUID) {
			fresh = append(fresh, e)
		}
	}
	orderOldestFirst(fresh)
	lgr.Printf("[INFO] %d new entries to notify", len(fresh))

	var notified, dropped int64
	for _, e := range fresh {
		switch sendErr := m.Notifier.Send(ctx, e); {
		case sendErr == nil:
			m.Store.Add(e.GUID)
			notified++
			notificationsTotal.Inc()
			lgr.Printf("[INFO] notified %s", e.GUID)
		case errors.Is(sendErr, notifier.ErrPermanent):
			// mark seen anyway, retrying can't fix this entry
			m.Store.Add(e.GUID)
			dropped++
			droppedTotal.Inc()
			lgr.Printf("[ERROR] dropped %s: %v", e.GUID, sendErr)
		default:
			// transient, entry stays unseen and is retried next iteration
			lgr.Printf("[WARN] failed to notify %s, will retry: %v", e.GUID, sendErr)
		}
	}

	if err := m.Store.Flush(ctx); err != nil {
		// in-memory state stays authoritative, flush is retried next iteration
		lgr.Printf("[WARN] failed to flush seen state: %v", err)
	}

	m.failures = 0
	if err := m.Alive.Touch(); err != nil {
		lgr.Printf("[WARN] failed to touch liveness marker: %v", err)
	}

	m.mu.Lock()
	m.status.LastSuccess = time.Now()
	m.status.ConsecutiveFailures = 0
	m.status.LastError = ""
	m.status.Notified += notified
	m.status.Dropped += dropped
	m.mu.Unlock()

	return m.Interval
}

// backoffDelay scales the backoff unit by consecutive failures, capped
func (m *Monitor) backoffDelay() time.Duration {
	delay := time.Duration(m.failures) * m.Backoff
	if delay > m.MaxBackoff {
		delay = m.MaxBackoff
	}
	return delay
}

// filterPilots keeps entries from watched pilots only, no-op when unset
func (m *Monitor) filterPilots(entries []feed.Entry) []feed.Entry {
	if len(m.pilots) == 0 {
		return entries
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if _, ok := m.pilots[e.Pilot()]; ok {
			kept = append(kept, e)
		}
	}
	lgr.Printf("[DEBUG] pilot filter kept %d of %d entries", len(kept), len(entries))
	return kept
}

// orderOldestFirst arranges entries so notifications follow publication
// order. XContest delivers newest-first, so entries without any timestamps
// are reversed instead of sorted.
func orderOldestFirst(entries []feed.Entry) {
	timestamped := false
	for _, e := range entries {
		if !e.Published.IsZero() {
			timestamped = true
			break
		}
	}

	if !timestamped {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
		return
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Published.Before(entries[j].Published)
	})
}

// sleepCtx blocks for d or until the context is canceled
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
