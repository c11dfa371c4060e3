package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/feed"
	"github.com/tomasbedrich/xcontest-rss-monitor/pkg/notifier"
)

type fakeFetcher struct {
	mu      sync.Mutex
	batches []func() ([]feed.Entry, error)
	calls   int
}

func (f *fakeFetcher) Fetch(context.Context) ([]feed.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.batches) {
		i = len(f.batches) - 1
	}
	f.calls++
	return f.batches[i]()
}

func entries(es ...feed.Entry) func() ([]feed.Entry, error) {
	return func() ([]feed.Entry, error) { return es, nil }
}

func fetchErr(msg string) func() ([]feed.Entry, error) {
	return func() ([]feed.Entry, error) { return nil, errors.New(msg) }
}

type fakeNotifier struct {
	sent []string
	fail map[string]error
}

func (n *fakeNotifier) Send(_ context.Context, e feed.Entry) error {
	if err, ok := n.fail[e.GUID]; ok {
		return err
	}
	n.sent = append(n.sent, e.GUID)
	return nil
}

type fakeStore struct {
	seen     map[string]struct{}
	flushes  int
	flushErr error
}

func newFakeStore() *fakeStore { return &fakeStore{seen: map[string]struct{}{}} }

func (s *fakeStore) Contains(id string) bool { _, ok := s.seen[id]; return ok }
func (s *fakeStore) Add(id string)           { s.seen[id] = struct{}{} }
func (s *fakeStore) Flush(context.Context) error {
	s.flushes++
	return s.flushErr
}

type fakeAlive struct {
	touches int
}

func (a *fakeAlive) Touch() error { a.touches++; return nil }

func at(hour int) time.Time {
	return time.Date(2020, 5, 19, hour, 0, 0, 0, time.UTC)
}

func newTestMonitor(f Fetcher, n Notifier, s SeenStore, a Alive) *Monitor {
	return New(Params{
		Fetcher:  f,
		Notifier: n,
		Store:    s,
		Alive:    a,
		Interval: 10 * time.Minute,
		Backoff:  20 * time.Minute,
	})
}

func TestMonitor_DedupAcrossIterations(t *testing.T) {
	fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){
		entries(
			feed.Entry{GUID: "a", Published: at(1)},
			feed.Entry{GUID: "b", Published: at(2)},
		),
		entries(
			feed.Entry{GUID: "a", Published: at(1)},
			feed.Entry{GUID: "b", Published: at(2)},
			feed.Entry{GUID: "c", Published: at(3)},
		),
	}}
	ntf := &fakeNotifier{}
	st := newFakeStore()
	alive := &fakeAlive{}
	m := newTestMonitor(fetcher, ntf, st, alive)

	ctx := context.Background()
	assert.Equal(t, m.Interval, m.iteration(ctx))
	assert.Equal(t, []string{"a", "b"}, ntf.sent)

	assert.Equal(t, m.Interval, m.iteration(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, ntf.sent, "a and b must not be re-notified")
	assert.Equal(t, 2, st.flushes)
	assert.Equal(t, 2, alive.touches)
}

func TestMonitor_NotifiesOldestFirst(t *testing.T) {
	t.Run("newest-first feed with timestamps", func(t *testing.T) {
		fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){entries(
			feed.Entry{GUID: "newest", Published: at(3)},
			feed.Entry{GUID: "middle", Published: at(2)},
			feed.Entry{GUID: "oldest", Published: at(1)},
		)}}
		ntf := &fakeNotifier{}
		m := newTestMonitor(fetcher, ntf, newFakeStore(), &fakeAlive{})

		m.iteration(context.Background())
		assert.Equal(t, []string{"oldest", "middle", "newest"}, ntf.sent)
	})

	t.Run("no timestamps reverses feed order", func(t *testing.T) {
		fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){entries(
			feed.Entry{GUID: "third"},
			feed.Entry{GUID: "second"},
			feed.Entry{GUID: "first"},
		)}}
		ntf := &fakeNotifier{}
		m := newTestMonitor(fetcher, ntf, newFakeStore(), &fakeAlive{})

		m.iteration(context.Background())
		assert.Equal(t, []string{"first", "second", "third"}, ntf.sent)
	})
}

func TestMonitor_BackoffOnFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){
		fetchErr("boom 1"),
		fetchErr("boom 2"),
		fetchErr("boom 3"),
		entries(feed.Entry{GUID: "a", Published: at(1)}),
	}}
	ntf := &fakeNotifier{}
	st := newFakeStore()
	alive := &fakeAlive{}
	m := New(Params{
		Fetcher: fetcher, Notifier: ntf, Store: st, Alive: alive,
		Interval: 10 * time.Minute, Backoff: 20 * time.Minute, MaxBackoff: 50 * time.Minute,
	})

	ctx := context.Background()
	assert.Equal(t, 20*time.Minute, m.iteration(ctx))
	assert.Equal(t, 40*time.Minute, m.iteration(ctx))
	assert.Equal(t, 50*time.Minute, m.iteration(ctx), "capped at MaxBackoff")

	assert.Equal(t, 0, alive.touches, "liveness must not be marked on fetch failure")
	assert.Equal(t, 0, st.flushes)
	assert.Equal(t, 3, m.Status().ConsecutiveFailures)
	assert.Contains(t, m.Status().LastError, "boom 3")

	// a single success resets the backoff
	assert.Equal(t, 10*time.Minute, m.iteration(ctx))
	assert.Equal(t, []string{"a"}, ntf.sent)
	assert.Equal(t, 1, alive.touches)
	assert.Equal(t, 0, m.Status().ConsecutiveFailures)
	assert.Empty(t, m.Status().LastError)

	// and a following failure starts from the base unit again
	fetcher.mu.Lock()
	fetcher.batches = append(fetcher.batches, fetchErr("boom 4"))
	fetcher.mu.Unlock()
	assert.Equal(t, 20*time.Minute, m.iteration(ctx))
}

func TestMonitor_PoisonEntryIsolated(t *testing.T) {
	batch := entries(
		feed.Entry{GUID: "a", Published: at(1)},
		feed.Entry{GUID: "poison", Published: at(2)},
		feed.Entry{GUID: "c", Published: at(3)},
	)
	fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){batch, batch}}
	ntf := &fakeNotifier{fail: map[string]error{
		"poison": fmt.Errorf("%w: unrenderable", notifier.ErrPermanent),
	}}
	st := newFakeStore()
	m := newTestMonitor(fetcher, ntf, st, &fakeAlive{})

	ctx := context.Background()
	m.iteration(ctx)
	assert.Equal(t, []string{"a", "c"}, ntf.sent, "poison entry must not block the rest of the batch")
	assert.True(t, st.Contains("poison"), "permanently failed entry is marked seen")

	m.iteration(ctx)
	assert.Equal(t, []string{"a", "c"}, ntf.sent, "poison entry must not be retried")
	assert.EqualValues(t, 1, m.Status().Dropped)
	assert.EqualValues(t, 2, m.Status().Notified)
}

func TestMonitor_TransientNotifyFailureRetried(t *testing.T) {
	batch := entries(
		feed.Entry{GUID: "a", Published: at(1)},
		feed.Entry{GUID: "b", Published: at(2)},
	)
	fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){batch, batch}}
	ntf := &fakeNotifier{fail: map[string]error{"b": errors.New("connection reset")}}
	st := newFakeStore()
	m := newTestMonitor(fetcher, ntf, st, &fakeAlive{})

	ctx := context.Background()
	m.iteration(ctx)
	assert.Equal(t, []string{"a"}, ntf.sent)
	assert.False(t, st.Contains("b"), "transient failure must not mark the entry seen")

	// sink recovered, entry goes out on the next iteration
	delete(ntf.fail, "b")
	m.iteration(ctx)
	assert.Equal(t, []string{"a", "b"}, ntf.sent)
	assert.True(t, st.Contains("b"))
}

func TestMonitor_FlushFailureRecoverable(t *testing.T) {
	fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){
		entries(feed.Entry{GUID: "a", Published: at(1)}),
	}}
	ntf := &fakeNotifier{}
	st := newFakeStore()
	st.flushErr = errors.New("disk full")
	alive := &fakeAlive{}
	m := newTestMonitor(fetcher, ntf, st, alive)

	delay := m.iteration(context.Background())
	assert.Equal(t, m.Interval, delay, "flush failure must not trigger backoff")
	assert.Equal(t, 1, alive.touches)
	assert.True(t, st.Contains("a"), "in-memory state stays authoritative")
}

func TestMonitor_PilotFilter(t *testing.T) {
	link := func(pilot string) string {
		return "https://www.xcontest.org/world/en/flights/detail:" + pilot + "/21.04.2019/07:57"
	}
	fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){entries(
		feed.Entry{GUID: "a", Link: link("Filipo"), Published: at(1)},
		feed.Entry{GUID: "b", Link: link("Nobody"), Published: at(2)},
		feed.Entry{GUID: "c", Link: link("Bull77"), Published: at(3)},
	)}}
	ntf := &fakeNotifier{}
	m := New(Params{
		Fetcher: fetcher, Notifier: ntf, Store: newFakeStore(), Alive: &fakeAlive{},
		Interval: time.Minute, Backoff: time.Minute,
		Pilots: []string{"Filipo", "Bull77"},
	})

	m.iteration(context.Background())
	assert.Equal(t, []string{"a", "c"}, ntf.sent)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{batches: []func() ([]feed.Entry, error){
		entries(feed.Entry{GUID: "a", Published: at(1)}),
	}}
	m := newTestMonitor(fetcher, &fakeNotifier{}, newFakeStore(), &fakeAlive{})

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
		}
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err, "shutdown is graceful")
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}

	assert.Len(t, delays, 3)
	for _, d := range delays {
		assert.Equal(t, m.Interval, d)
	}
}

func TestMonitor_Defaults(t *testing.T) {
	m := New(Params{})
	assert.Equal(t, 10*time.Minute, m.Interval)
	assert.Equal(t, 20*time.Minute, m.Backoff)
	assert.Equal(t, 200*time.Minute, m.MaxBackoff)
}
