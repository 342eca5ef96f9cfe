// Package mutations applies user actions optimistically to every cached
// copy of an item, issues the request, and reconciles with the server's
// answer: server values win on success, the pre-mutation values come back
// on failure.
package mutations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"Feedsync/internal/core/events"
	"Feedsync/internal/core/feeds"
	"Feedsync/internal/core/posts"
	"Feedsync/internal/gateway"

	"github.com/prometheus/client_golang/prometheus"
)

// Patcher updates every cached copy of an item. *feeds.Registry satisfies it.
type Patcher interface {
	PatchItem(id string, p posts.Patch) int
	PatchAuthor(authorID string, p posts.Patch) int
	Copies(id string) []feeds.Copy
	RestoreItem(id string, copies []feeds.Copy, fn func(posts.FeedItem) posts.Patch) int
	Lookup(id string) (posts.FeedItem, bool)
	LookupAuthor(authorID string) (posts.FeedItem, bool)
}

// Mutator issues the requests behind intents. gateway.Client satisfies it.
type Mutator interface {
	Mutate(ctx context.Context, kind string, targetID string) (*gateway.MutationResult, error)
	CreatePost(ctx context.Context, req posts.CreatePostRequest) (*posts.FeedItem, error)
	UpdatePost(ctx context.Context, id string, req posts.UpdatePostRequest) (*posts.FeedItem, error)
	DeletePost(ctx context.Context, id string) error
	CreateComment(ctx context.Context, req posts.CreateCommentRequest) (*posts.FeedItem, error)
	DeleteComment(ctx context.Context, id string) error
}

// Publisher announces settled mutations. *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) int
}

// Options configures an Engine
type Options struct {
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	// ViewerID is the acting user, carried in settlement payloads so the
	// viewer-scoped feeds can pick up the change.
	ViewerID string
}

// Engine owns no storage: it patches through the Patcher and announces
// through the Publisher. Store change listeners run while the engine lock
// is held and must not call back into the engine.
type Engine struct {
	api      Mutator
	cache    Patcher
	bus      Publisher
	metrics  *metrics
	logger   *slog.Logger
	tracks   map[string]*track // unresolved intents per target+class
	viewerID string
	seq      uint64
	mu       sync.Mutex
}

// NewEngine creates an engine
func NewEngine(api Mutator, cache Patcher, bus Publisher, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:      api,
		cache:    cache,
		bus:      bus,
		metrics:  newMetrics(opts.Registerer),
		logger:   logger,
		tracks:   make(map[string]*track),
		viewerID: opts.ViewerID,
	}
}

// track follows the unresolved intents on one target+class
type track struct {
	// baseline holds the values from before the first unresolved intent,
	// moved forward by any superseded intent the server confirmed.
	baseline posts.Patch
	copies   []feeds.Copy // cached copies when the baseline was taken
	latest   uint64       // highest issued sequence
}

// Pending is an intent whose optimistic state is applied and whose request
// has not been settled yet
type Pending struct {
	engine  *Engine
	outcome *Outcome
	intent  Intent
	mu      sync.Mutex
}

// Intent returns the intent with its sequence and patches filled in
func (p *Pending) Intent() Intent {
	return p.intent
}

// Settle issues the request and reconciles the cache with its result.
// Calling it again returns the first outcome. The error is non-nil only for
// a rolled back intent; a superseded one reports ErrStaleResponse in
// Outcome.Err and returns nil.
func (p *Pending) Settle(ctx context.Context) (*Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outcome == nil {
		p.outcome = p.engine.settle(ctx, p.intent)
	}
	if p.outcome.Status == StatusRolledBack {
		return p.outcome, p.outcome.Err
	}
	return p.outcome, nil
}

// Apply begins and settles intent
func (e *Engine) Apply(ctx context.Context, intent Intent) (*Outcome, error) {
	pending, err := e.Begin(intent)
	if err != nil {
		return nil, err
	}
	return pending.Settle(ctx)
}

// Begin validates intent, assigns its sequence number and applies the
// optimistic patch to every cached copy of the target. Nothing is sent
// until Settle.
func (e *Engine) Begin(intent Intent) (*Pending, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	intent.Previous = posts.Patch{}
	intent.Optimistic = posts.Patch{}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	intent.Sequence = e.seq

	current, cached := e.lookup(intent)
	if cached {
		intent.Previous, intent.Optimistic = optimistic(intent, current)
	}
	if intent.TargetID != "" {
		e.trackLocked(intent, cached)
	}

	if cached && !intent.Optimistic.IsEmpty() {
		n := e.patch(intent, intent.Optimistic)
		e.logger.Debug("optimistic patch applied",
			"kind", intent.Kind,
			"target", intent.TargetID,
			"sequence", intent.Sequence,
			"copies", n)
	}

	return &Pending{engine: e, intent: intent}, nil
}

// settlement is what a successful request changes
type settlement struct {
	item    *posts.FeedItem
	payload any
	topic   string
	apply   posts.Patch // authoritative values for every cached copy
}

func (e *Engine) settle(ctx context.Context, intent Intent) *Outcome {
	correlationID := events.NewCorrelationID()
	s, reqErr := e.request(gateway.WithCorrelationID(ctx, correlationID), intent)

	e.mu.Lock()
	t := e.tracks[sequenceKey(intent)]
	if intent.TargetID != "" && (t == nil || t.latest != intent.Sequence) {
		// The server accepted this one, so a later failure returns to
		// its result rather than to the values before it.
		if reqErr == nil && t != nil {
			t.baseline = s.apply.Fill(t.baseline)
		}
		e.mu.Unlock()
		out := &Outcome{
			Intent: intent,
			Status: StatusSuperseded,
			Err: fmt.Errorf("%s %s sequence %d: %w",
				intent.Kind, intent.TargetID, intent.Sequence, gateway.ErrStaleResponse),
		}
		e.metrics.resolved(intent.Kind.Class(), out.Status)
		e.logger.Debug("mutation superseded",
			"kind", intent.Kind,
			"target", intent.TargetID,
			"sequence", intent.Sequence,
			"request_error", reqErr)
		return out
	}
	if intent.TargetID != "" {
		delete(e.tracks, sequenceKey(intent))
	}

	if reqErr != nil {
		restored := e.rollbackLocked(intent, t)
		e.mu.Unlock()

		out := &Outcome{
			Intent: intent,
			Status: StatusRolledBack,
			Err:    fmt.Errorf("%s %s: %w", intent.Kind, intent.TargetID, reqErr),
		}
		e.metrics.resolved(intent.Kind.Class(), out.Status)
		e.logger.Warn("mutation rolled back",
			"kind", intent.Kind,
			"target", intent.TargetID,
			"sequence", intent.Sequence,
			"class", gateway.Class(reqErr),
			"restored", restored,
			"error", reqErr)
		return out
	}

	if !s.apply.IsEmpty() {
		e.patch(intent, s.apply)
	}
	if s.item == nil && intent.Kind.Class() != ClassFollow {
		if cached, ok := e.cache.Lookup(intent.TargetID); ok {
			s.item = &cached
		}
	}
	e.mu.Unlock()

	if s.topic != "" {
		if s.payload == nil {
			s.payload = e.itemPayload(intent, s)
		}
		e.bus.Publish(ctx, events.Event{
			Topic:         s.topic,
			CorrelationID: correlationID,
			Payload:       s.payload,
		})
	}

	e.metrics.resolved(intent.Kind.Class(), StatusConfirmed)
	e.logger.Debug("mutation confirmed",
		"kind", intent.Kind,
		"target", intent.TargetID,
		"sequence", intent.Sequence,
		"topic", s.topic)
	return &Outcome{Intent: intent, Status: StatusConfirmed, Item: s.item}
}

// request issues the call for intent and translates the answer into the
// values to apply
func (e *Engine) request(ctx context.Context, intent Intent) (settlement, error) {
	if intent.Kind.IsToggle() {
		res, err := e.api.Mutate(ctx, string(intent.Kind), intent.TargetID)
		if err != nil {
			return settlement{}, err
		}
		return toggleSettlement(intent, res), nil
	}

	switch intent.Kind {
	case KindCreate:
		var (
			item  *posts.FeedItem
			err   error
			topic = events.TopicPostCreated
		)
		if intent.ParentID != "" {
			topic = events.TopicCommentCreated
			item, err = e.api.CreateComment(ctx, posts.CreateCommentRequest{PostID: intent.ParentID, Text: intent.Text})
		} else {
			item, err = e.api.CreatePost(ctx, posts.CreatePostRequest{Text: intent.Text, Media: intent.Media})
		}
		if err != nil {
			return settlement{}, err
		}
		return settlement{item: item, topic: topic}, nil

	case KindUpdate:
		item, err := e.api.UpdatePost(ctx, intent.TargetID, posts.UpdatePostRequest{Text: intent.Text, Media: intent.Media})
		if err != nil {
			return settlement{}, err
		}
		apply := posts.Patch{Text: posts.String(item.Text)}
		if item.Media != nil {
			apply.Media = item.Media
		}
		return settlement{item: item, topic: events.TopicPostUpdated, apply: apply}, nil

	case KindDelete:
		topic := events.TopicPostDeleted
		var err error
		if intent.ParentID != "" {
			topic = events.TopicCommentDeleted
			err = e.api.DeleteComment(ctx, intent.TargetID)
		} else {
			err = e.api.DeletePost(ctx, intent.TargetID)
		}
		if err != nil {
			return settlement{}, err
		}
		return settlement{
			topic:   topic,
			payload: events.RemovedPayload{ID: intent.TargetID, ParentID: intent.ParentID},
		}, nil
	}

	return settlement{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, intent.Kind)
}

func toggleSettlement(intent Intent, res *gateway.MutationResult) settlement {
	var s settlement
	on := res.NewValue

	switch intent.Kind.Class() {
	case ClassLike:
		s.apply.Liked = posts.Bool(on)
		if res.NewCount != nil {
			s.apply.LikeCount = posts.Int(*res.NewCount)
		}
		s.topic = pick(on, events.TopicPostLiked, events.TopicPostUnliked)
	case ClassRepost:
		s.apply.Reposted = posts.Bool(on)
		if res.NewCount != nil {
			s.apply.RepostCount = posts.Int(*res.NewCount)
		}
		s.topic = pick(on, events.TopicPostReposted, events.TopicPostUnreposted)
	case ClassSave:
		s.apply.Saved = posts.Bool(on)
		s.topic = pick(on, events.TopicPostSaved, events.TopicPostUnsaved)
	case ClassFollow:
		s.apply.AuthorFollowed = posts.Bool(on)
		s.topic = pick(on, events.TopicAuthorFollowed, events.TopicAuthorUnfollowed)
	}
	return s
}

func (e *Engine) itemPayload(intent Intent, s settlement) any {
	if intent.Kind.Class() == ClassFollow {
		return events.FollowPayload{ViewerID: e.viewerID, AuthorID: intent.TargetID}
	}
	item := posts.FeedItem{ID: intent.TargetID}
	if s.item != nil {
		item = s.item.Clone()
	} else {
		item = s.apply.Apply(item)
	}
	return events.ItemPayload{ViewerID: e.viewerID, Item: item}
}

// trackLocked records intent as the latest on its target+class. The first
// unresolved intent fixes the baseline a failure returns to; later ones only
// add fields the baseline does not cover yet.
func (e *Engine) trackLocked(intent Intent, cached bool) {
	key := sequenceKey(intent)
	t, ok := e.tracks[key]
	if !ok {
		t = &track{}
		e.tracks[key] = t
	}
	t.latest = intent.Sequence
	if !cached {
		return
	}
	if t.baseline.IsEmpty() && intent.Kind.Class() != ClassFollow {
		t.copies = e.cache.Copies(intent.TargetID)
	}
	t.baseline = t.baseline.Fill(intent.Previous)
}

// rollbackLocked returns every copy taken with the baseline to it. Copies
// reloaded from the server since are left alone. Viewer flags and text are
// reset outright while counters move back by the optimistic delta, so
// changes relayed from other users in the meantime survive.
func (e *Engine) rollbackLocked(intent Intent, t *track) int {
	if t == nil || t.baseline.IsEmpty() {
		return 0
	}
	if intent.Kind.Class() == ClassFollow {
		return e.cache.PatchAuthor(intent.TargetID, t.baseline)
	}
	return e.cache.RestoreItem(intent.TargetID, t.copies, func(cur posts.FeedItem) posts.Patch {
		p := t.baseline
		p.LikeCount = unshift(cur.LikeCount, t.baseline.LikeCount, intent.Optimistic.LikeCount)
		p.RepostCount = unshift(cur.RepostCount, t.baseline.RepostCount, intent.Optimistic.RepostCount)
		return p
	})
}

// unshift takes back the difference between the guessed and the baseline
// counter from the current one
func unshift(current int, baseline, guess *int) *int {
	if baseline == nil || guess == nil {
		return baseline
	}
	n := current - (*guess - *baseline)
	if n < 0 {
		n = 0
	}
	return posts.Int(n)
}

func (e *Engine) patch(intent Intent, p posts.Patch) int {
	if intent.Kind.Class() == ClassFollow {
		return e.cache.PatchAuthor(intent.TargetID, p)
	}
	return e.cache.PatchItem(intent.TargetID, p)
}

func (e *Engine) lookup(intent Intent) (posts.FeedItem, bool) {
	switch {
	case intent.TargetID == "":
		return posts.FeedItem{}, false
	case intent.Kind.Class() == ClassFollow:
		return e.cache.LookupAuthor(intent.TargetID)
	default:
		return e.cache.Lookup(intent.TargetID)
	}
}

func sequenceKey(intent Intent) string {
	return intent.Kind.Class() + "|" + intent.TargetID
}

// optimistic computes the guessed post-state of intent against current and
// the patch that restores it
func optimistic(intent Intent, current posts.FeedItem) (previous, next posts.Patch) {
	switch intent.Kind {
	case KindLike, KindUnlike:
		on := intent.Kind == KindLike
		previous = posts.Patch{Liked: posts.Bool(current.Liked), LikeCount: posts.Int(current.LikeCount)}
		next = posts.Patch{Liked: posts.Bool(on), LikeCount: posts.Int(shift(current.LikeCount, current.Liked, on))}
	case KindRepost, KindUnrepost:
		on := intent.Kind == KindRepost
		previous = posts.Patch{Reposted: posts.Bool(current.Reposted), RepostCount: posts.Int(current.RepostCount)}
		next = posts.Patch{Reposted: posts.Bool(on), RepostCount: posts.Int(shift(current.RepostCount, current.Reposted, on))}
	case KindSave, KindUnsave:
		previous = posts.Patch{Saved: posts.Bool(current.Saved)}
		next = posts.Patch{Saved: posts.Bool(intent.Kind == KindSave)}
	case KindFollow, KindUnfollow:
		previous = posts.Patch{AuthorFollowed: posts.Bool(current.AuthorFollowed)}
		next = posts.Patch{AuthorFollowed: posts.Bool(intent.Kind == KindFollow)}
	case KindUpdate:
		previous = posts.Patch{Text: posts.String(current.Text), Media: current.Media}
		next = posts.Patch{Text: posts.String(intent.Text), Media: intent.Media}
	case KindDelete:
		previous = posts.Patch{Deleting: posts.Bool(current.Deleting)}
		next = posts.Patch{Deleting: posts.Bool(true)}
	}
	return previous, next
}

// shift moves a counter by one when its flag changes
func shift(count int, from, to bool) int {
	switch {
	case from == to:
		return count
	case to:
		return count + 1
	case count > 0:
		return count - 1
	default:
		return 0
	}
}

func pick(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}
