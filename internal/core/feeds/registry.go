package feeds

import (
	"fmt"
	"log/slog"
	"sync"

	"Feedsync/internal/core/posts"
)

// Registry tracks the live feed stores and is the single path through which
// shared items are mutated. A FeedItem id may be held by several stores;
// every patch here reaches all of them.
type Registry struct {
	source PageSource
	logger *slog.Logger
	stores map[FeedKey]*Store
	order  []FeedKey
	mu     sync.RWMutex
}

// StoreOption configures a store opened through the registry
type StoreOption func(*storeOptions)

type storeOptions struct {
	pageSize int
}

// WithPageSize overrides the page size of a newly created store
func WithPageSize(n int) StoreOption {
	return func(o *storeOptions) {
		o.pageSize = n
	}
}

// NewRegistry creates a registry whose stores fetch pages from source
func NewRegistry(source PageSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source: source,
		logger: logger,
		stores: make(map[FeedKey]*Store),
	}
}

// Open returns the live store for key, creating it if needed. Every Open
// must be balanced by a Store.Close; the store is torn down on the last one.
// Options only apply when the store is created.
func (r *Registry) Open(key FeedKey, opts ...StoreOption) (*Store, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[key]; ok {
		s.mu.Lock()
		live := !s.closed
		if live {
			s.refs++
		}
		s.mu.Unlock()
		if live {
			return s, false, nil
		}
	}

	o := storeOptions{pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pageSize <= 0 {
		return nil, false, fmt.Errorf("%w: page size must be positive", ErrInvalidFeedKey)
	}

	s := newStore(key, r.source, r, o.pageSize, r.logger)
	s.refs = 1
	// A closed store may not have left the registry yet; take its slot.
	if _, ok := r.stores[key]; !ok {
		r.order = append(r.order, key)
	}
	r.stores[key] = s

	r.logger.Debug("feed store opened", "feed", key.String(), "page_size", o.pageSize)
	return s, true, nil
}

// Store returns the live store for key
func (r *Registry) Store(key FeedKey) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[key]
	return s, ok
}

// Keys returns the keys of every live store, in open order
func (r *Registry) Keys() []FeedKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FeedKey, len(r.order))
	copy(out, r.order)
	return out
}

// PatchItem merges p into every cached copy of id and returns how many
// copies changed
func (r *Registry) PatchItem(id string, p posts.Patch) int {
	n := 0
	for _, s := range r.live() {
		if s.Patch(id, p) {
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("item patched", "id", id, "copies", n)
	}
	return n
}

// Copy is one cached copy of an item, pinned to the load generation of the
// store holding it
type Copy struct {
	store      *Store
	Key        FeedKey
	Generation uint64
}

// Copies returns every cached copy of id
func (r *Registry) Copies(id string) []Copy {
	var out []Copy
	for _, s := range r.live() {
		if gen, ok := s.holding(id); ok {
			out = append(out, Copy{store: s, Key: s.key, Generation: gen})
		}
	}
	return out
}

// RestoreItem rewrites the listed copies of id with the patch fn computes
// from each copy's current value. Copies whose store has closed or reloaded
// since they were taken are left alone.
func (r *Registry) RestoreItem(id string, copies []Copy, fn func(posts.FeedItem) posts.Patch) int {
	n := 0
	for _, c := range copies {
		gen := c.Generation
		if c.store != nil && c.store.rewrite(id, &gen, fn) {
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("item restored", "id", id, "copies", n)
	}
	return n
}

// PatchAuthor merges p into every cached item written by authorID
func (r *Registry) PatchAuthor(authorID string, p posts.Patch) int {
	n := 0
	for _, s := range r.live() {
		n += s.patchAuthor(authorID, p)
	}
	if n > 0 {
		r.logger.Debug("author items patched", "author", authorID, "copies", n)
	}
	return n
}

// RemoveItem removes id from every store holding it
func (r *Registry) RemoveItem(id string) int {
	n := 0
	for _, s := range r.live() {
		if s.Remove(id) {
			n++
		}
	}
	return n
}

// Lookup returns a cached copy of id from the first store holding it
func (r *Registry) Lookup(id string) (posts.FeedItem, bool) {
	for _, s := range r.live() {
		if item, ok := s.Get(id); ok {
			return item, true
		}
	}
	return posts.FeedItem{}, false
}

// LookupAuthor returns a cached item written by authorID
func (r *Registry) LookupAuthor(authorID string) (posts.FeedItem, bool) {
	for _, s := range r.live() {
		for _, item := range s.Items() {
			if item.Author.ID == authorID {
				return item, true
			}
		}
	}
	return posts.FeedItem{}, false
}

// Holders returns the keys of every store holding id
func (r *Registry) Holders(id string) []FeedKey {
	var keys []FeedKey
	for _, s := range r.live() {
		if _, ok := s.Get(id); ok {
			keys = append(keys, s.key)
		}
	}
	return keys
}

func (r *Registry) live() []*Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Store, 0, len(r.order))
	for _, key := range r.order {
		if s, ok := r.stores[key]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) forget(s *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.stores[s.key]; !ok || cur != s {
		return
	}
	delete(r.stores, s.key)
	for i, key := range r.order {
		if key == s.key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
