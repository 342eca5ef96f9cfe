// Package search debounces user-lookup input into at most one request per
// quiet interval and keeps suggestion state consistent when responses
// arrive out of order.
package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"Feedsync/internal/core/posts"
	"Feedsync/internal/gateway"

	"github.com/patrickmn/go-cache"
)

const (
	// DefaultQuiet is how long input must stay unchanged before a query is sent
	DefaultQuiet = 300 * time.Millisecond

	// DefaultMinLength is the shortest trimmed term, in runes, that is queried
	DefaultMinLength = 2

	// DefaultCacheTTL is how long the results for a term are reused
	DefaultCacheTTL = time.Minute
)

// Searcher runs one user lookup. gateway.Client satisfies it.
type Searcher interface {
	SearchUsers(ctx context.Context, term string) ([]posts.User, error)
}

// Stopper cancels a scheduled call. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Options configures a Controller. Zero values take the defaults.
type Options struct {
	Logger *slog.Logger
	// AfterFunc schedules fn after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) Stopper
	Quiet     time.Duration
	MinLength int
	// CacheTTL below zero disables the term cache.
	CacheTTL time.Duration
}

// State is the suggestion state shown to the user
type State struct {
	Err      error
	Term     string
	Users    []posts.User
	Sequence uint64
	Loading  bool
}

// Controller turns raw input into sequence-tagged user lookups
type Controller struct {
	api       Searcher
	terms     *cache.Cache
	logger    *slog.Logger
	afterFunc func(d time.Duration, fn func()) Stopper
	ctx       context.Context
	cancel    context.CancelFunc
	timer     Stopper
	listeners map[int]func(State)
	state     State

	quiet        time.Duration
	minLength    int
	scheduled    uint64 // bumped on every input; a timer only fires for the latest
	issued       uint64
	applied      uint64
	nextListener int
	closed       bool
	mu           sync.Mutex
}

// NewController creates a controller querying api
func NewController(api Searcher, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, fn func()) Stopper {
			return time.AfterFunc(d, fn)
		}
	}

	var terms *cache.Cache
	if opts.CacheTTL > 0 {
		terms = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		api:       api,
		terms:     terms,
		logger:    opts.Logger,
		afterFunc: opts.AfterFunc,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(State)),
		quiet:     opts.Quiet,
		minLength: opts.MinLength,
	}
}

// OnInput records the latest raw input. Short input clears the suggestions
// immediately; anything else restarts the quiet interval.
func (c *Controller) OnInput(raw string) {
	term := strings.TrimSpace(raw)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.scheduled++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if utf8.RuneCountInString(term) < c.minLength {
		c.issued++
		c.applied = c.issued
		c.state = State{Sequence: c.applied}
		state, listeners := c.snapshotLocked()
		c.mu.Unlock()
		notify(listeners, state)
		return
	}

	gen := c.scheduled
	c.timer = c.afterFunc(c.quiet, func() { c.fire(gen, term) })
	c.mu.Unlock()
}

// Suggestions returns the current state
func (c *Controller) Suggestions() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyState(c.state)
}

// OnSuggestions registers fn to run after every applied state change. The
// returned function removes it.
func (c *Controller) OnSuggestions(fn func(State)) (cancel func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close stops the pending timer and abandons any request in flight
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.listeners = make(map[int]func(State))
	c.cancel()
}

func (c *Controller) fire(gen uint64, term string) {
	c.mu.Lock()
	if c.closed || gen != c.scheduled {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.issued++
	seq := c.issued

	if users, ok := c.cached(term); ok {
		c.mu.Unlock()
		c.logger.Debug("search served from cache", "term", term, "sequence", seq)
		c.apply(seq, term, users, nil)
		return
	}

	c.state.Loading = true
	state, listeners := c.snapshotLocked()
	ctx := c.ctx
	c.mu.Unlock()
	notify(listeners, state)

	users, err := c.api.SearchUsers(ctx, term)
	if err == nil && c.terms != nil {
		c.terms.SetDefault(cacheKey(term), users)
	}
	c.apply(seq, term, users, err)
}

// apply installs the result of request seq unless a newer state was
// already applied
func (c *Controller) apply(seq uint64, term string, users []posts.User, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if seq < c.applied {
		c.mu.Unlock()
		c.logger.Debug("discarding stale suggestions",
			"term", term,
			"sequence", seq,
			"applied", c.applied,
			"error", gateway.ErrStaleResponse)
		return
	}

	c.applied = seq
	c.state = State{Term: term, Users: users, Err: err, Sequence: seq}
	if seq < c.issued {
		// A newer request is still in flight.
		c.state.Loading = true
	}
	state, listeners := c.snapshotLocked()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("user search failed", "term", term, "error", err, "class", gateway.Class(err))
	}
	notify(listeners, state)
}

func (c *Controller) cached(term string) ([]posts.User, bool) {
	if c.terms == nil {
		return nil, false
	}
	v, ok := c.terms.Get(cacheKey(term))
	if !ok {
		return nil, false
	}
	users, ok := v.([]posts.User)
	return users, ok
}

func (c *Controller) snapshotLocked() (State, []func(State)) {
	listeners := make([]func(State), 0, len(c.listeners))
	for i := 0; i < c.nextListener; i++ {
		if fn, ok := c.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	return copyState(c.state), listeners
}

func cacheKey(term string) string {
	return strings.ToLower(term)
}

func copyState(s State) State {
	if s.Users != nil {
		users := make([]posts.User, len(s.Users))
		copy(users, s.Users)
		s.Users = users
	}
	return s
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}
