// Package scroll requests the next page of a feed when its last rendered
// item scrolls into view.
package scroll

import (
	"context"
	"log/slog"
	"sync"

	"Feedsync/internal/core/feeds"
)

// Observer is the viewport-intersection primitive of the host. Observe
// reports visibility changes of one rendered item until stop is called.
type Observer interface {
	Observe(itemID string, fn func(visible bool)) (stop func())
}

// Feed is the part of a feed store the trigger drives. *feeds.Store
// satisfies it.
type Feed interface {
	LoadMore(ctx context.Context) (bool, error)
	State() feeds.State
	Snapshot() feeds.Change
	OnChange(fn func(feeds.Change)) (cancel func())
}

// Trigger watches the last item of one feed. LoadMore runs on the
// observer's goroutine.
type Trigger struct {
	ctx      context.Context
	feed     Feed
	observer Observer
	logger   *slog.Logger
	unwatch  func()
	stop     func()

	boundID    string
	binding    uint64 // identifies the current Observe call
	generation uint64
	visible    bool
	deferred   bool // entered view while a load was in flight
	closed     bool
	mu         sync.Mutex
}

// New binds a trigger to the current last item of feed and follows the
// feed until Close. ctx is passed to every LoadMore.
func New(ctx context.Context, feed Feed, observer Observer, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trigger{
		ctx:      ctx,
		feed:     feed,
		observer: observer,
	}

	t.logger = logger.With("feed", feed.Snapshot().Key.String())
	t.unwatch = feed.OnChange(t.onChange)

	snap := feed.Snapshot()
	t.mu.Lock()
	t.generation = snap.Generation
	b := t.rebindLocked(snap.LastID)
	t.mu.Unlock()
	t.observe(b)
	return t
}

// BoundID returns the id of the item currently observed
func (t *Trigger) BoundID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.boundID
}

// Close disposes the observation and stops following the feed
func (t *Trigger) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	stop := t.stop
	t.stop = nil
	t.boundID = ""
	unwatch := t.unwatch
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if unwatch != nil {
		unwatch()
	}
}

func (t *Trigger) onChange(c feeds.Change) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var b rebind
	switch {
	case c.Generation != t.generation:
		// The list was replaced wholesale; the old binding is meaningless.
		t.generation = c.Generation
		b = t.rebindLocked(c.LastID)
	case c.LastID != t.boundID:
		b = t.rebindLocked(c.LastID)
	case t.deferred && !c.State.Busy():
		// The load that blocked the trigger ended without moving the last
		// item, which is still in view.
		t.deferred = false
		visible := t.visible
		t.mu.Unlock()
		if visible {
			t.logger.Debug("scroll trigger resumed after load")
			go t.loadMore()
		}
		return
	default:
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.observe(b)
}

// rebind is a pending switch of the observation to a new item
type rebind struct {
	previous func()
	id       string
	binding  uint64
}

// rebindLocked retires the current observation. The new one is started by
// observe once the lock is released.
func (t *Trigger) rebindLocked(id string) rebind {
	b := rebind{previous: t.stop, id: id}
	t.stop = nil
	t.binding++
	t.boundID = id
	t.visible = false
	t.deferred = false
	b.binding = t.binding
	return b
}

func (t *Trigger) observe(b rebind) {
	if b.previous != nil {
		b.previous()
	}
	if b.id == "" {
		return
	}

	stop := t.observer.Observe(b.id, func(visible bool) {
		t.onVisibility(b.binding, visible)
	})

	t.mu.Lock()
	if t.closed || t.binding != b.binding {
		t.mu.Unlock()
		stop()
		return
	}
	t.stop = stop
	t.mu.Unlock()
	t.logger.Debug("scroll trigger bound", "item", b.id)
}

func (t *Trigger) onVisibility(binding uint64, visible bool) {
	t.mu.Lock()
	if t.closed || binding != t.binding {
		t.mu.Unlock()
		return
	}
	entered := visible && !t.visible
	t.visible = visible
	if !visible {
		t.deferred = false
	}
	if !entered {
		t.mu.Unlock()
		return
	}
	if t.feed.State().Busy() {
		t.deferred = true
		t.mu.Unlock()
		t.logger.Debug("scroll trigger deferred, load in flight")
		return
	}
	t.mu.Unlock()
	t.loadMore()
}

func (t *Trigger) loadMore() {
	if _, err := t.feed.LoadMore(t.ctx); err != nil {
		t.logger.Warn("load more failed", "error", err)
	}
}
