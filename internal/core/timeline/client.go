// Package timeline wires the gateway, event bus, feed registry and mutation
// engine into one client for a host UI.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"Feedsync/internal/core/events"
	"Feedsync/internal/core/feeds"
	"Feedsync/internal/core/mutations"
	"Feedsync/internal/core/posts"
	"Feedsync/internal/core/scroll"
	"Feedsync/internal/core/search"
	"Feedsync/internal/gateway"
	"Feedsync/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrStreamDisabled is returned by StartStream when no StreamURL is configured
var ErrStreamDisabled = errors.New("event stream not configured")

// Option customizes a Client
type Option func(*options)

type options struct {
	credentials gateway.Credentials
	httpClient  *http.Client
	registerer  prometheus.Registerer
	logger      *slog.Logger
	api         gateway.Client
	dialer      *websocket.Dialer
}

// WithCredentials sets the session provider used for every request
func WithCredentials(creds gateway.Credentials) Option {
	return func(o *options) { o.credentials = creds }
}

// WithHTTPClient overrides the HTTP client used by the gateway
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRegisterer registers gateway and engine metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogger sets the logger of every component
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithGateway replaces the REST gateway, e.g. with a fake in tests
func WithGateway(api gateway.Client) Option {
	return func(o *options) { o.api = api }
}

// WithDialer overrides the WebSocket dialer of the event stream
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Client is the entry point of the engine
type Client struct {
	api         gateway.Client
	credentials gateway.Credentials
	bus         *events.Bus
	registry    *feeds.Registry
	engine      *mutations.Engine
	logger      *slog.Logger
	dialer      *websocket.Dialer
	cfg         Config
}

// New validates cfg and builds a client
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timeline config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.credentials == nil {
		o.credentials = gateway.StaticCredentials{}
	}

	api := o.api
	if api == nil {
		var err error
		api, err = gateway.New(gateway.Options{
			Credentials: o.credentials,
			HTTPClient:  o.httpClient,
			Registerer:  o.registerer,
			Logger:      o.logger.With("component", "gateway"),
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.RequestTimeout,
			RateLimit:   cfg.RateLimit,
			RateBurst:   cfg.RateBurst,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway: %w", err)
		}
	}

	bus := events.NewBus(cfg.CorrelationTTL, o.logger.With("component", "bus"))
	registry := feeds.NewRegistry(api, o.logger.With("component", "feeds"))
	engine := mutations.NewEngine(api, registry, bus, mutations.Options{
		Registerer: o.registerer,
		Logger:     o.logger.With("component", "mutations"),
		ViewerID:   cfg.ViewerID,
	})

	return &Client{
		api:         api,
		credentials: o.credentials,
		bus:         bus,
		registry:    registry,
		engine:      engine,
		logger:      o.logger,
		dialer:      o.dialer,
		cfg:         cfg,
	}, nil
}

// Config returns the validated configuration
func (c *Client) Config() Config { return c.cfg }

// Bus returns the event bus shared by every feed
func (c *Client) Bus() *events.Bus { return c.bus }

// Registry returns the shared item cache
func (c *Client) Registry() *feeds.Registry { return c.registry }

// Engine returns the mutation engine, for callers that need Begin/Settle
func (c *Client) Engine() *mutations.Engine { return c.engine }

// OpenFeed returns the live store for key, subscribed to the bus. The first
// page is not loaded; call LoadFirst. Balance every OpenFeed with CloseFeed.
func (c *Client) OpenFeed(key feeds.FeedKey) (*feeds.Store, error) {
	s, created, err := c.registry.Open(key, feeds.WithPageSize(c.cfg.PageSize))
	if err != nil {
		return nil, err
	}
	if created {
		s.Activate(c.bus)
		c.logger.Info("feed opened", "feed", key.String())
	}
	return s, nil
}

// CloseFeed releases one OpenFeed of the store
func (c *Client) CloseFeed(s *feeds.Store) {
	s.Close()
}

// Like marks a post liked by the viewer
func (c *Client) Like(ctx context.Context, postID string) (*mutations.Outcome, error) {
	return c.toggle(ctx, mutations.KindLike, postID)
}

// Unlike removes the viewer's like
func (c *Client) Unlike(ctx context.Context, postID string) (*mutations.Outcome, error) {
	return c.toggle(ctx, mutations.KindUnlike, postID)
}

// Repost reposts a post as the viewer
func (c *Client) Repost(ctx context.Context, postID string) (*mutations.Outcome, error) {
	return c.toggle(ctx, mutations.KindRepost, postID)
}

// Unrepost removes the viewer's repost
func (c *Client) Unrepost(ctx context.Context, postID string) (*mutations.Outcome, error) {
	return c.toggle(ctx, mutations.KindUnrepost, postID)
}

// Save adds a post to the viewer's favorites
func (c *Client) Save(ctx context.Context, postID string) (*mutations.Outcome, error) {
	return c.toggle(ctx, mutations.KindSave, postID)
}

// Unsave removes a post from the viewer's favorites
func (c *Client) Unsave(ctx context.Context, postID string) (*mutations.Outcome, error) {
	return c.toggle(ctx, mutations.KindUnsave, postID)
}

// Follow follows an author
func (c *Client) Follow(ctx context.Context, authorID string) (*mutations.Outcome, error) {
	return c.toggle(ctx, mutations.KindFollow, authorID)
}

// Unfollow unfollows an author
func (c *Client) Unfollow(ctx context.Context, authorID string) (*mutations.Outcome, error) {
	return c.toggle(ctx, mutations.KindUnfollow, authorID)
}

func (c *Client) toggle(ctx context.Context, kind mutations.Kind, targetID string) (*mutations.Outcome, error) {
	return c.engine.Apply(ctx, mutations.Intent{Kind: kind, TargetID: targetID})
}

// CreatePost publishes a new post and returns the server's entity
func (c *Client) CreatePost(ctx context.Context, text string, media *posts.MediaRef) (*posts.FeedItem, error) {
	out, err := c.engine.Apply(ctx, mutations.Intent{Kind: mutations.KindCreate, Text: text, Media: media})
	if err != nil {
		return nil, err
	}
	return out.Item, nil
}

// UpdatePost edits a post's body
func (c *Client) UpdatePost(ctx context.Context, postID, text string, media *posts.MediaRef) (*posts.FeedItem, error) {
	out, err := c.engine.Apply(ctx, mutations.Intent{
		Kind:     mutations.KindUpdate,
		TargetID: postID,
		Text:     text,
		Media:    media,
	})
	if err != nil {
		return nil, err
	}
	return out.Item, nil
}

// DeletePost deletes a post from every feed
func (c *Client) DeletePost(ctx context.Context, postID string) error {
	_, err := c.engine.Apply(ctx, mutations.Intent{Kind: mutations.KindDelete, TargetID: postID})
	return err
}

// CreateComment replies to a post
func (c *Client) CreateComment(ctx context.Context, postID, text string) (*posts.FeedItem, error) {
	out, err := c.engine.Apply(ctx, mutations.Intent{Kind: mutations.KindCreate, ParentID: postID, Text: text})
	if err != nil {
		return nil, err
	}
	return out.Item, nil
}

// DeleteComment deletes a comment of postID
func (c *Client) DeleteComment(ctx context.Context, postID, commentID string) error {
	_, err := c.engine.Apply(ctx, mutations.Intent{
		Kind:     mutations.KindDelete,
		TargetID: commentID,
		ParentID: postID,
	})
	return err
}

// NewSearch returns a debounced user search bound to this client's gateway.
// Close it when the search box goes away.
func (c *Client) NewSearch() *search.Controller {
	ttl := c.cfg.SearchCacheTTL
	if ttl == 0 {
		ttl = -1
	}
	return search.NewController(c.api, search.Options{
		Logger:    c.logger.With("component", "search"),
		Quiet:     c.cfg.SearchQuiet,
		MinLength: c.cfg.SearchMinLength,
		CacheTTL:  ttl,
	})
}

// NewScrollTrigger loads the next page of store whenever its last item
// scrolls into view. Close it with the view.
func (c *Client) NewScrollTrigger(ctx context.Context, store *feeds.Store, observer scroll.Observer) *scroll.Trigger {
	return scroll.New(ctx, store, observer, c.logger.With("component", "scroll"))
}

// StartStream relays the server's invalidation stream until ctx is done.
// It blocks; run it in its own goroutine.
func (c *Client) StartStream(ctx context.Context) error {
	if c.cfg.StreamURL == "" {
		return ErrStreamDisabled
	}

	header := http.Header{}
	auth, err := c.credentials.Authorization(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream credentials: %w", err)
	}
	if auth != "" {
		header.Set("Authorization", auth)
	}

	logger := c.logger.With("component", "realtime")
	connector := realtime.NewConnector(realtime.NewConsumer(c.bus, logger), c.cfg.StreamURL, realtime.ConnectorOptions{
		Header: header,
		Dialer: c.dialer,
		Logger: logger,
	})
	return connector.Start(ctx)
}
