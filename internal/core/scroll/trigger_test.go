package scroll

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"Feedsync/internal/core/feeds"
	"Feedsync/internal/core/posts"
	"Feedsync/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageSource struct {
	gates map[int]chan struct{}
	errs  map[int]error
	calls map[int]int
	total int
	mu    sync.Mutex
}

func newPageSource(total int) *pageSource {
	return &pageSource{
		total: total,
		gates: make(map[int]chan struct{}),
		errs:  make(map[int]error),
		calls: make(map[int]int),
	}
}

func (s *pageSource) GetFeedPage(_ context.Context, q gateway.FeedQuery) (*gateway.Page, error) {
	s.mu.Lock()
	s.calls[q.Page]++
	gate := s.gates[q.Page]
	err := s.errs[q.Page]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	var items []posts.FeedItem
	for i := (q.Page - 1) * q.Limit; i < q.Page*q.Limit && i < s.total; i++ {
		items = append(items, posts.FeedItem{
			ID:        fmt.Sprintf("p%03d", i),
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		})
	}
	return &gateway.Page{Items: items, TotalCount: s.total, Page: q.Page}, nil
}

func (s *pageSource) callsFor(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[page]
}

type observation struct {
	fn      func(bool)
	id      string
	stopped bool
}

type fakeObserver struct {
	observed []*observation
	mu       sync.Mutex
}

func (o *fakeObserver) Observe(id string, fn func(bool)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	obs := &observation{id: id, fn: fn}
	o.observed = append(o.observed, obs)
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		obs.stopped = true
	}
}

func (o *fakeObserver) latest(t *testing.T) *observation {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.observed)
	return o.observed[len(o.observed)-1]
}

func (o *fakeObserver) live() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for _, obs := range o.observed {
		if !obs.stopped {
			ids = append(ids, obs.id)
		}
	}
	return ids
}

func loadedStore(t *testing.T, src *pageSource) *feeds.Store {
	t.Helper()
	reg := feeds.NewRegistry(src, nil)
	s, _, err := reg.Open(feeds.Global())
	require.NoError(t, err)
	require.NoError(t, s.LoadFirst(context.Background()))
	return s
}

func TestTrigger_LoadsWhenLastItemAppears(t *testing.T) {
	src := newPageSource(45)
	store := loadedStore(t, src)
	obs := &fakeObserver{}

	trig := New(context.Background(), store, obs, nil)
	defer trig.Close()
	assert.Equal(t, "p019", trig.BoundID())
	first := obs.latest(t)

	first.fn(true)
	assert.Equal(t, 1, src.callsFor(2))
	assert.Equal(t, 40, store.Len())

	// Rebound to the new tail; the old observation is disposed.
	assert.Equal(t, "p039", trig.BoundID())
	assert.Equal(t, []string{"p039"}, obs.live())

	// Late callbacks from the disposed observation are ignored.
	first.fn(false)
	first.fn(true)
	assert.Equal(t, 0, src.callsFor(3))

	obs.latest(t).fn(true)
	assert.Equal(t, 45, store.Len())
	assert.Equal(t, feeds.StateExhausted, store.State())
	assert.Equal(t, "p044", trig.BoundID())

	obs.latest(t).fn(true)
	assert.Equal(t, 0, src.callsFor(4))
}

func TestTrigger_FiresOncePerTransition(t *testing.T) {
	src := newPageSource(45)
	src.errs[2] = fmt.Errorf("%w: reset", gateway.ErrNetwork)
	store := loadedStore(t, src)
	obs := &fakeObserver{}

	trig := New(context.Background(), store, obs, nil)
	defer trig.Close()
	cur := obs.latest(t)

	cur.fn(true)
	assert.Equal(t, 1, src.callsFor(2))
	assert.Equal(t, "p019", trig.BoundID(), "failed load keeps the binding")

	cur.fn(true)
	assert.Equal(t, 1, src.callsFor(2), "still visible, no new transition")

	cur.fn(false)
	cur.fn(true)
	assert.Equal(t, 2, src.callsFor(2))
}

func TestTrigger_SkipsWhileLoading(t *testing.T) {
	src := newPageSource(45)
	store := loadedStore(t, src)
	obs := &fakeObserver{}
	trig := New(context.Background(), store, obs, nil)
	defer trig.Close()
	before := obs.latest(t)

	release := make(chan struct{})
	src.mu.Lock()
	src.gates[1] = release
	src.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- store.LoadFirst(context.Background()) }()
	require.Eventually(t, func() bool { return store.State() == feeds.StateLoading }, time.Second, time.Millisecond)

	// The reload bumped the generation and disposed the old binding.
	require.Eventually(t, func() bool { return obs.latest(t) != before }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"p019"}, obs.live())

	obs.latest(t).fn(true)
	assert.Equal(t, 0, src.callsFor(2))

	close(release)
	require.NoError(t, <-done)

	// The reload kept p019 as the tail and it is still in view.
	require.Eventually(t, func() bool { return store.Len() == 40 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, src.callsFor(2))
	assert.Equal(t, "p039", trig.BoundID())
}

func TestTrigger_ResumesAfterFailedLoadInFlight(t *testing.T) {
	src := newPageSource(45)
	store := loadedStore(t, src)
	obs := &fakeObserver{}
	trig := New(context.Background(), store, obs, nil)
	defer trig.Close()
	cur := obs.latest(t)

	release := make(chan struct{})
	src.mu.Lock()
	src.gates[2] = release
	src.errs[2] = fmt.Errorf("%w: reset", gateway.ErrNetwork)
	src.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := store.LoadMore(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return store.State() == feeds.StateLoadingMore }, time.Second, time.Millisecond)

	cur.fn(true)
	assert.Equal(t, 1, src.callsFor(2), "no second request while one is in flight")

	close(release)
	require.ErrorIs(t, <-done, gateway.ErrNetwork)

	require.Eventually(t, func() bool {
		return src.callsFor(2) == 2 && store.State() == feeds.StateLoaded
	}, time.Second, time.Millisecond)
	assert.Equal(t, "p019", trig.BoundID())

	// The retry failed too; nothing fires until the item leaves and re-enters view.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, src.callsFor(2))
	cur.fn(false)
	cur.fn(true)
	assert.Equal(t, 3, src.callsFor(2))
}

func TestTrigger_HiddenDuringLoadDoesNotResume(t *testing.T) {
	src := newPageSource(45)
	store := loadedStore(t, src)
	obs := &fakeObserver{}
	trig := New(context.Background(), store, obs, nil)
	defer trig.Close()
	cur := obs.latest(t)

	release := make(chan struct{})
	src.mu.Lock()
	src.gates[2] = release
	src.errs[2] = fmt.Errorf("%w: reset", gateway.ErrNetwork)
	src.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := store.LoadMore(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return store.State() == feeds.StateLoadingMore }, time.Second, time.Millisecond)

	cur.fn(true)
	cur.fn(false)
	close(release)
	require.Error(t, <-done)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, src.callsFor(2))
}

func TestTrigger_EmptyFeedBindsNothing(t *testing.T) {
	src := newPageSource(0)
	store := loadedStore(t, src)
	obs := &fakeObserver{}

	trig := New(context.Background(), store, obs, nil)
	defer trig.Close()

	assert.Empty(t, trig.BoundID())
	assert.Empty(t, obs.live())
}

func TestTrigger_Close(t *testing.T) {
	src := newPageSource(45)
	store := loadedStore(t, src)
	obs := &fakeObserver{}

	trig := New(context.Background(), store, obs, nil)
	cur := obs.latest(t)
	trig.Close()
	trig.Close()

	assert.Empty(t, obs.live())
	cur.fn(true)
	assert.Equal(t, 0, src.callsFor(2))

	_, err := store.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Len(t, obs.observed, 1, "closed trigger does not rebind")
}
