package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"Feedsync/internal/core/posts"
	"Feedsync/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	gates map[string]chan struct{}
	err   error
	calls []string
	mu    sync.Mutex
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{gates: make(map[string]chan struct{})}
}

func (f *fakeSearcher) SearchUsers(ctx context.Context, term string) ([]posts.User, error) {
	f.mu.Lock()
	f.calls = append(f.calls, term)
	gate := f.gates[term]
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []posts.User{{ID: "did:plc:" + term, Handle: term + ".test"}}, nil
}

func (f *fakeSearcher) block(term string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[term] = ch
	return ch
}

func (f *fakeSearcher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeClock hands out timers that only fire when the test says so
type fakeClock struct {
	timers []*fakeTimer
	mu     sync.Mutex
}

type fakeTimer struct {
	fn      func()
	clock   *fakeClock
	d       time.Duration
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: fn, d: d, clock: c}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// take marks every live timer fired and returns their callbacks
func (c *fakeClock) take() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fns []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			fns = append(fns, t.fn)
		}
	}
	return fns
}

// fireOne fires the single live timer
func (c *fakeClock) fireOne(t *testing.T) {
	t.Helper()
	fns := c.take()
	require.Len(t, fns, 1)
	fns[0]()
}

func newTestController(api Searcher) (*Controller, *fakeClock) {
	clock := &fakeClock{}
	c := NewController(api, Options{AfterFunc: clock.AfterFunc})
	return c, clock
}

func TestController_BurstEmitsOneQueryForFinalValue(t *testing.T) {
	api := newFakeSearcher()
	c, clock := newTestController(api)
	defer c.Close()

	for _, in := range []string{"al", "ali", "alic", "alice", "alice "} {
		c.OnInput(in)
	}

	clock.fireOne(t)
	assert.Equal(t, []string{"alice"}, api.called())

	state := c.Suggestions()
	assert.Equal(t, "alice", state.Term)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "alice.test", state.Users[0].Handle)
	assert.False(t, state.Loading)

	for _, tm := range clock.timers {
		assert.Equal(t, DefaultQuiet, tm.d)
	}
}

func TestController_RealTimerDebounce(t *testing.T) {
	api := newFakeSearcher()
	c := NewController(api, Options{Quiet: 20 * time.Millisecond})
	defer c.Close()

	for _, in := range []string{"bo", "bob", "bobb", "bobby", "bobby_"} {
		c.OnInput(in)
	}

	assert.Eventually(t, func() bool {
		return c.Suggestions().Term == "bobby_"
	}, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"bobby_"}, api.called())
}

func TestController_ShortInputClearsSynchronously(t *testing.T) {
	api := newFakeSearcher()
	c, clock := newTestController(api)
	defer c.Close()

	c.OnInput("carol")
	clock.fireOne(t)
	require.NotEmpty(t, c.Suggestions().Users)

	var seen []State
	c.OnSuggestions(func(s State) { seen = append(seen, s) })

	c.OnInput("  c ")
	state := c.Suggestions()
	assert.Empty(t, state.Users)
	assert.Empty(t, state.Term)
	assert.Empty(t, clock.take(), "short input schedules nothing")
	require.Len(t, seen, 1)
	assert.Empty(t, seen[0].Users)
}

func TestController_MinLengthCountsRunes(t *testing.T) {
	api := newFakeSearcher()
	c, clock := newTestController(api)
	defer c.Close()

	c.OnInput("é")
	assert.Empty(t, clock.take())

	c.OnInput("日本")
	clock.fireOne(t)
	assert.Equal(t, []string{"日本"}, api.called())
}

func TestController_StaleResponseDiscarded(t *testing.T) {
	api := newFakeSearcher()
	release := api.block("da")
	c, clock := newTestController(api)
	defer c.Close()

	c.OnInput("da")
	slow := clock.take()
	require.Len(t, slow, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		slow[0]()
	}()
	require.Eventually(t, func() bool { return len(api.called()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.Suggestions().Loading)

	c.OnInput("dave")
	clock.fireOne(t)
	assert.Equal(t, "dave", c.Suggestions().Term)

	close(release)
	<-done

	state := c.Suggestions()
	assert.Equal(t, "dave", state.Term)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "dave.test", state.Users[0].Handle)
}

func TestController_ClearSupersedesInFlight(t *testing.T) {
	api := newFakeSearcher()
	release := api.block("ed")
	c, clock := newTestController(api)
	defer c.Close()

	c.OnInput("ed")
	fns := clock.take()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fns[0]()
	}()
	require.Eventually(t, func() bool { return len(api.called()) == 1 }, time.Second, time.Millisecond)

	c.OnInput("")
	close(release)
	<-done

	state := c.Suggestions()
	assert.Empty(t, state.Term)
	assert.Empty(t, state.Users)
}

func TestController_RepeatedTermServedFromCache(t *testing.T) {
	api := newFakeSearcher()
	c, clock := newTestController(api)
	defer c.Close()

	c.OnInput("frank")
	clock.fireOne(t)
	first := c.Suggestions()

	c.OnInput("fr")
	clock.fireOne(t)

	c.OnInput("Frank")
	clock.fireOne(t)
	state := c.Suggestions()

	assert.Equal(t, []string{"frank", "fr"}, api.called())
	assert.Equal(t, first.Users, state.Users)
	assert.Greater(t, state.Sequence, first.Sequence)
}

func TestController_CacheDisabled(t *testing.T) {
	api := newFakeSearcher()
	clock := &fakeClock{}
	c := NewController(api, Options{AfterFunc: clock.AfterFunc, CacheTTL: -1})
	defer c.Close()

	for i := 0; i < 2; i++ {
		c.OnInput("gina")
		clock.fireOne(t)
	}
	assert.Len(t, api.called(), 2)
}

func TestController_ErrorIsSurfaced(t *testing.T) {
	api := newFakeSearcher()
	api.err = fmt.Errorf("searchUsers: %w: connection refused", gateway.ErrNetwork)
	c, clock := newTestController(api)
	defer c.Close()

	c.OnInput("hank")
	clock.fireOne(t)

	state := c.Suggestions()
	assert.ErrorIs(t, state.Err, gateway.ErrNetwork)
	assert.Empty(t, state.Users)

	// Failures are not cached.
	api.err = nil
	c.OnInput("hank")
	clock.fireOne(t)
	assert.NoError(t, c.Suggestions().Err)
	assert.Len(t, api.called(), 2)
}

func TestController_CloseStopsEverything(t *testing.T) {
	api := newFakeSearcher()
	c, clock := newTestController(api)

	c.OnInput("ivan")
	c.Close()
	assert.Empty(t, clock.take(), "pending timer stopped")

	c.OnInput("ivana")
	assert.Empty(t, clock.take())
	assert.Empty(t, api.called())
}
