// Package feeds holds the paginated feed stores and the registry that keeps
// every cached copy of an item consistent across them.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"Feedsync/internal/core/events"
	"Feedsync/internal/core/posts"
	"Feedsync/internal/gateway"
)

// DefaultPageSize is used when a store is opened without an explicit size
const DefaultPageSize = 20

var (
	// ErrLoadInProgress is returned by LoadFirst while a first load is in flight
	ErrLoadInProgress = errors.New("feed load already in progress")

	// ErrStoreClosed is returned by operations on a deactivated store
	ErrStoreClosed = errors.New("feed store closed")
)

// PageSource fetches one page of a feed. gateway.Client satisfies it.
type PageSource interface {
	GetFeedPage(ctx context.Context, q gateway.FeedQuery) (*gateway.Page, error)
}

// Store owns the ordered item sequence of one FeedKey.
// All methods are safe for concurrent use. No lock is held across a page
// request; results that arrive after the store was reloaded or closed are
// dropped.
type Store struct {
	source    PageSource
	registry  *Registry
	logger    *slog.Logger
	index     map[string]int
	listeners map[int]func(Change)
	lastErr   error
	key       FeedKey
	items     []posts.FeedItem
	tokens    []events.Token
	bus       *events.Bus
	cursor    PageCursor

	generation   uint64
	refs         int
	nextListener int
	state        State
	closed       bool
	mu           sync.Mutex
}

func newStore(key FeedKey, source PageSource, registry *Registry, pageSize int, logger *slog.Logger) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		key:       key,
		source:    source,
		registry:  registry,
		logger:    logger.With("feed", key.String()),
		index:     make(map[string]int),
		listeners: make(map[int]func(Change)),
		cursor:    PageCursor{PageSize: pageSize},
		state:     StateEmpty,
	}
}

// Key returns the feed identity
func (s *Store) Key() FeedKey { return s.key }

// State returns the current load state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the pagination cursor
func (s *Store) Cursor() PageCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Generation increments every time the list is replaced wholesale
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Err returns the error of the last failed page load, cleared on success
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Len returns the number of loaded items
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Items returns a copy of the sequence, newest first
func (s *Store) Items() []posts.FeedItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]posts.FeedItem, len(s.items))
	for i, item := range s.items {
		out[i] = item.Clone()
	}
	return out
}

// Get returns a copy of the item with the given id
func (s *Store) Get(id string) (posts.FeedItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return posts.FeedItem{}, false
	}
	return s.items[i].Clone(), true
}

// Closed reports whether the store has been deactivated
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot describes the store as a listener would see it right now
func (s *Store) Snapshot() Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, _ := s.changeLocked()
	return c
}

// OnChange registers fn to run after every change. The returned function
// removes the listener. Listeners run outside the store lock.
func (s *Store) OnChange(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// LoadFirst replaces the sequence with page 1 and resets the cursor.
// It fails with ErrLoadInProgress while another first load is in flight.
// A LoadMore in flight is superseded. On failure the previous items and
// state are kept.
func (s *Store) LoadFirst(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.state == StateLoading {
		s.mu.Unlock()
		return ErrLoadInProgress
	}
	prev := s.state
	if prev == StateLoadingMore {
		prev = StateLoaded
	}
	s.state = StateLoading
	s.generation++
	gen := s.generation
	pageSize := s.cursor.PageSize
	change, listeners := s.changeLocked()
	s.mu.Unlock()
	notify(listeners, change)

	page, err := s.source.GetFeedPage(ctx, s.query(1, pageSize))

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("dropping stale first page", "generation", gen)
		return nil
	}
	if err != nil {
		s.state = prev
		s.lastErr = err
		change, listeners = s.changeLocked()
		s.mu.Unlock()
		notify(listeners, change)

		s.logger.Warn("first page load failed", "error", err, "class", gateway.Class(err))
		return fmt.Errorf("load %s: %w", s.key, err)
	}

	s.items = s.items[:0]
	s.index = make(map[string]int, len(page.Items))
	added := s.appendLocked(page.Items)
	s.cursor = PageCursor{
		PageNumber: 1,
		PageSize:   pageSize,
		TotalKnown: page.TotalCount,
	}
	s.settleLocked(len(page.Items), added)
	s.lastErr = nil
	change, listeners = s.changeLocked()
	s.mu.Unlock()
	notify(listeners, change)

	s.logger.Debug("first page loaded",
		"items", added,
		"total", page.TotalCount,
		"state", change.State.String())
	return nil
}

// LoadMore requests the next page and appends it, skipping ids already
// present. It is a no-op, returning false, while a load is in flight, once
// the feed is exhausted, or before the first load. The returned bool reports
// whether a request was issued.
func (s *Store) LoadMore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrStoreClosed
	}
	if s.state != StateLoaded {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateLoadingMore
	gen := s.generation
	next := s.cursor.PageNumber + 1
	pageSize := s.cursor.PageSize
	change, listeners := s.changeLocked()
	s.mu.Unlock()
	notify(listeners, change)

	page, err := s.source.GetFeedPage(ctx, s.query(next, pageSize))

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("dropping stale page", "page", next, "generation", gen)
		return true, nil
	}
	if err != nil {
		// Partial failure never blanks a populated feed.
		s.state = StateLoaded
		s.lastErr = err
		change, listeners = s.changeLocked()
		s.mu.Unlock()
		notify(listeners, change)

		s.logger.Warn("page load failed", "page", next, "error", err, "class", gateway.Class(err))
		return true, fmt.Errorf("load %s page %d: %w", s.key, next, err)
	}

	added := s.appendLocked(page.Items)
	s.cursor.PageNumber = next
	s.cursor.TotalKnown = page.TotalCount
	s.settleLocked(len(page.Items), added)
	s.lastErr = nil
	change, listeners = s.changeLocked()
	s.mu.Unlock()
	notify(listeners, change)

	s.logger.Debug("page loaded",
		"page", next,
		"received", len(page.Items),
		"added", added,
		"state", change.State.String())
	return true, nil
}

// Prepend inserts item at the head after a local or remote creation and
// increments TotalKnown. An item already present is replaced in place.
// Prepends before the first page has loaded are ignored, since that page
// will contain the item.
func (s *Store) Prepend(item posts.FeedItem) bool {
	s.mu.Lock()
	if s.closed || s.state == StateEmpty || s.state == StateLoading {
		s.mu.Unlock()
		return false
	}

	if i, ok := s.index[item.ID]; ok {
		s.items[i] = item.Clone()
	} else {
		s.items = append([]posts.FeedItem{item.Clone()}, s.items...)
		s.reindexLocked()
		s.cursor.TotalKnown++
	}
	change, listeners := s.changeLocked()
	s.mu.Unlock()
	notify(listeners, change)
	return true
}

// Remove deletes the item with the given id and decrements TotalKnown
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if s.closed || !ok {
		s.mu.Unlock()
		return false
	}

	s.items = append(s.items[:i], s.items[i+1:]...)
	s.reindexLocked()
	if s.cursor.TotalKnown > 0 {
		s.cursor.TotalKnown--
	}
	change, listeners := s.changeLocked()
	s.mu.Unlock()
	notify(listeners, change)
	return true
}

// Patch merges p into the item with the given id. No-op if absent.
func (s *Store) Patch(id string, p posts.Patch) bool {
	return s.rewrite(id, nil, func(posts.FeedItem) posts.Patch { return p })
}

// holding returns the load generation of the store when it holds id
func (s *Store) holding(id string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	_, ok := s.index[id]
	return s.generation, ok
}

// rewrite applies the patch fn computes from the current item. With a
// non-nil generation the item is left alone once the store has reloaded.
func (s *Store) rewrite(id string, generation *uint64, fn func(posts.FeedItem) posts.Patch) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if s.closed || !ok || (generation != nil && *generation != s.generation) {
		s.mu.Unlock()
		return false
	}
	s.items[i] = fn(s.items[i]).Apply(s.items[i])
	change, listeners := s.changeLocked()
	s.mu.Unlock()
	notify(listeners, change)
	return true
}

// patchAuthor applies p to every item written by authorID
func (s *Store) patchAuthor(authorID string, p posts.Patch) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	n := 0
	for i := range s.items {
		if s.items[i].Author.ID == authorID {
			s.items[i] = p.Apply(s.items[i])
			n++
		}
	}
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	change, listeners := s.changeLocked()
	s.mu.Unlock()
	notify(listeners, change)
	return n
}

// Activate subscribes the store to the topics routed to its key
func (s *Store) Activate(bus *events.Bus) {
	s.mu.Lock()
	if s.closed || s.bus != nil {
		s.mu.Unlock()
		return
	}
	s.bus = bus
	s.mu.Unlock()

	tokens := make([]events.Token, 0, 8)
	for _, r := range routesFor(s.key) {
		r := r
		tokens = append(tokens, bus.Subscribe(r.topic, func(ctx context.Context, ev events.Event) error {
			if s.Closed() {
				return nil
			}
			return r.apply(s, ev)
		}))
	}

	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
}

// Close deactivates the store once every opener has closed it: it stops
// receiving events, leaves the registry, and ignores late page results.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.refs > 1 {
		s.refs--
		s.mu.Unlock()
		return
	}
	s.refs = 0
	s.closed = true
	tokens := s.tokens
	bus := s.bus
	s.tokens = nil
	s.listeners = make(map[int]func(Change))
	s.mu.Unlock()

	if bus != nil {
		for _, t := range tokens {
			bus.Unsubscribe(t)
		}
	}
	if s.registry != nil {
		s.registry.forget(s)
	}
	s.logger.Debug("feed store closed")
}

func (s *Store) query(page, limit int) gateway.FeedQuery {
	return gateway.FeedQuery{
		Kind:  string(s.key.Kind),
		Scope: s.key.Scope,
		Page:  page,
		Limit: limit,
	}
}

// appendLocked appends items in server order, skipping known ids
func (s *Store) appendLocked(items []posts.FeedItem) int {
	added := 0
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, dup := s.index[item.ID]; dup {
			continue
		}
		if n := len(s.items); n > 0 && item.CreatedAt.After(s.items[n-1].CreatedAt) {
			s.logger.Warn("server page out of order",
				"id", item.ID,
				"created_at", item.CreatedAt,
				"tail_created_at", s.items[n-1].CreatedAt)
		}
		s.index[item.ID] = len(s.items)
		s.items = append(s.items, item.Clone())
		added++
	}
	return added
}

// settleLocked picks Loaded or Exhausted after a successful page. A short
// page that still added items keeps the feed Loaded while fewer than
// TotalKnown are held, since the server list may have shifted under it.
func (s *Store) settleLocked(received, added int) {
	if s.cursor.TotalKnown < len(s.items) {
		s.cursor.TotalKnown = len(s.items)
	}
	switch {
	case len(s.items) >= s.cursor.TotalKnown,
		received == 0,
		received < s.cursor.PageSize && added == 0:
		s.state = StateExhausted
	default:
		s.state = StateLoaded
	}
}

func (s *Store) reindexLocked() {
	s.index = make(map[string]int, len(s.items))
	for i, item := range s.items {
		s.index[item.ID] = i
	}
}

func (s *Store) changeLocked() (Change, []func(Change)) {
	c := Change{
		Key:        s.key,
		State:      s.state,
		Len:        len(s.items),
		Generation: s.generation,
		Err:        s.lastErr,
	}
	if n := len(s.items); n > 0 {
		c.LastID = s.items[n-1].ID
	}
	listeners := make([]func(Change), 0, len(s.listeners))
	for i := 0; i < s.nextListener; i++ {
		if fn, ok := s.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	return c, listeners
}

func notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}
