// Package gateway is the request boundary of the engine. It issues the REST
// calls owned by the external server, attaches credentials and the
// forgery-protection token, and classifies every failure into one of the
// error classes in errors.go.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"Feedsync/internal/core/posts"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	// ForgeryTokenHeader carries the opaque token issued by the auth collaborator
	ForgeryTokenHeader = "X-CSRF-Token"

	// CorrelationHeader echoes the correlation ID of a mutation so the
	// server can stamp it on the stream event it emits for the change
	CorrelationHeader = "X-Correlation-ID"

	// maxBodyBytes bounds how much of a response body is read
	maxBodyBytes = 4 << 20
)

// Client is the request gateway used by feed stores, the mutation engine
// and the search controller.
type Client interface {
	// GetFeedPage fetches one page of a feed. Page numbers start at 1.
	GetFeedPage(ctx context.Context, q FeedQuery) (*Page, error)

	// Mutate issues a toggle mutation (like, unlike, save, ...) on a target.
	Mutate(ctx context.Context, kind string, targetID string) (*MutationResult, error)

	// SearchUsers returns ordered user suggestions for a search term.
	SearchUsers(ctx context.Context, term string) ([]posts.User, error)

	// CreatePost, UpdatePost and CreateComment return the canonical entity.
	CreatePost(ctx context.Context, req posts.CreatePostRequest) (*posts.FeedItem, error)
	UpdatePost(ctx context.Context, id string, req posts.UpdatePostRequest) (*posts.FeedItem, error)
	DeletePost(ctx context.Context, id string) error
	CreateComment(ctx context.Context, req posts.CreateCommentRequest) (*posts.FeedItem, error)
	DeleteComment(ctx context.Context, id string) error
}

// FeedQuery selects one page of one feed
type FeedQuery struct {
	Kind  string
	Scope string
	Page  int
	Limit int
}

// Page is the response of GET /feed/{kind}
type Page struct {
	Items      []posts.FeedItem `json:"items"`
	TotalCount int              `json:"totalCount"`
	Page       int              `json:"page"`
}

// MutationResult is the response of POST /mutation/{kind}.
// NewCount is absent for mutations without a counter (save, follow).
type MutationResult struct {
	NewCount *int `json:"newCount,omitempty"`
	NewValue bool `json:"newValue"`
}

// Credentials supplies the session material attached to every request.
// Both values are opaque to the gateway.
type Credentials interface {
	Authorization(ctx context.Context) (string, error)
	ForgeryToken(ctx context.Context) (string, error)
}

// StaticCredentials is a fixed Credentials implementation
type StaticCredentials struct {
	AuthHeader string
	Token      string
}

// Authorization returns the configured Authorization header value
func (c StaticCredentials) Authorization(context.Context) (string, error) {
	return c.AuthHeader, nil
}

// ForgeryToken returns the configured forgery-protection token
func (c StaticCredentials) ForgeryToken(context.Context) (string, error) {
	return c.Token, nil
}

// Options configures a gateway client
type Options struct {
	Credentials Credentials
	HTTPClient  *http.Client
	Registerer  prometheus.Registerer
	Logger      *slog.Logger
	BaseURL     string
	Timeout     time.Duration
	// RateLimit is the sustained requests per second; 0 disables throttling.
	RateLimit float64
	RateBurst int
}

type client struct {
	http        *http.Client
	credentials Credentials
	limiter     *rate.Limiter
	metrics     *metrics
	logger      *slog.Logger
	baseURL     string
}

// Ensure client implements Client interface.
var _ Client = (*client)(nil)

// New creates a gateway client
func New(opts Options) (Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	} else if opts.Timeout > 0 && httpClient.Timeout == 0 {
		c := *httpClient
		c.Timeout = opts.Timeout
		httpClient = &c
	}

	creds := opts.Credentials
	if creds == nil {
		creds = StaticCredentials{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &client{
		http:        httpClient,
		credentials: creds,
		limiter:     limiter,
		metrics:     newMetrics(opts.Registerer),
		logger:      logger,
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
	}, nil
}

// GetFeedPage fetches GET /feed/{kind}?page&limit
func (c *client) GetFeedPage(ctx context.Context, q FeedQuery) (*Page, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Scope != "" {
		params.Set("scope", q.Scope)
	}

	var page Page
	path := "/feed/" + url.PathEscape(q.Kind) + "?" + params.Encode()
	if err := c.do(ctx, "getFeedPage", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	if page.Items == nil {
		page.Items = []posts.FeedItem{}
	}
	return &page, nil
}

// Mutate issues POST /mutation/{kind}
func (c *client) Mutate(ctx context.Context, kind string, targetID string) (*MutationResult, error) {
	payload := map[string]any{
		"targetId": targetID,
	}

	var result MutationResult
	if err := c.do(ctx, "mutate."+kind, http.MethodPost, "/mutation/"+url.PathEscape(kind), payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SearchUsers issues GET /search/users?term=
func (c *client) SearchUsers(ctx context.Context, term string) ([]posts.User, error) {
	params := url.Values{}
	params.Set("term", term)

	var users []posts.User
	if err := c.do(ctx, "searchUsers", http.MethodGet, "/search/users?"+params.Encode(), nil, &users); err != nil {
		return nil, err
	}
	if users == nil {
		users = []posts.User{}
	}
	return users, nil
}

// CreatePost issues POST /posts
func (c *client) CreatePost(ctx context.Context, req posts.CreatePostRequest) (*posts.FeedItem, error) {
	var item posts.FeedItem
	if err := c.do(ctx, "createPost", http.MethodPost, "/posts", req, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, fmt.Errorf("createPost: %w: missing id", ErrMalformedResponse)
	}
	return &item, nil
}

// UpdatePost issues PUT /posts/{id}
func (c *client) UpdatePost(ctx context.Context, id string, req posts.UpdatePostRequest) (*posts.FeedItem, error) {
	var item posts.FeedItem
	if err := c.do(ctx, "updatePost", http.MethodPut, "/posts/"+url.PathEscape(id), req, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, fmt.Errorf("updatePost: %w: missing id", ErrMalformedResponse)
	}
	return &item, nil
}

// DeletePost issues DELETE /posts/{id}
func (c *client) DeletePost(ctx context.Context, id string) error {
	return c.do(ctx, "deletePost", http.MethodDelete, "/posts/"+url.PathEscape(id), nil, nil)
}

// CreateComment issues POST /comments
func (c *client) CreateComment(ctx context.Context, req posts.CreateCommentRequest) (*posts.FeedItem, error) {
	var item posts.FeedItem
	if err := c.do(ctx, "createComment", http.MethodPost, "/comments", req, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, fmt.Errorf("createComment: %w: missing id", ErrMalformedResponse)
	}
	if item.ParentID == nil {
		item.ParentID = posts.String(req.PostID)
	}
	return &item, nil
}

// DeleteComment issues DELETE /comments/{id}
func (c *client) DeleteComment(ctx context.Context, id string) error {
	return c.do(ctx, "deleteComment", http.MethodDelete, "/comments/"+url.PathEscape(id), nil, nil)
}

// do performs one request and classifies the outcome.
// out may be nil when the response body is ignored.
func (c *client) do(ctx context.Context, op, method, path string, payload any, out any) (err error) {
	started := time.Now()
	defer func() {
		c.metrics.observe(op, started, err)
	}()

	if c.limiter != nil {
		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrNetwork, waitErr)
		}
	}

	var body io.Reader
	if payload != nil {
		data, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return fmt.Errorf("%s: failed to marshal payload: %w", op, marshalErr)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.attachCredentials(ctx, req, method != http.MethodGet); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if id := CorrelationID(ctx); id != "" {
		req.Header.Set(CorrelationHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "op", op, "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// The status line arrived but the body did not.
		return fmt.Errorf("%s: %w: reading body: %v", op, ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rejected := &RejectedError{
			Op:      op,
			Status:  resp.StatusCode,
			Message: rejectionMessage(data),
		}
		c.logger.Warn("request rejected",
			"op", op,
			"status", resp.StatusCode,
			"message", rejected.Message)
		return rejected
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}

func (c *client) attachCredentials(ctx context.Context, req *http.Request, mutating bool) error {
	auth, err := c.credentials.Authorization(ctx)
	if err != nil {
		return fmt.Errorf("failed to get credentials: %w", err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	if !mutating {
		return nil
	}
	token, err := c.credentials.ForgeryToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get forgery token: %w", err)
	}
	if token != "" {
		req.Header.Set(ForgeryTokenHeader, token)
	}
	return nil
}

type correlationKey struct{}

// WithCorrelationID returns a context whose requests carry id in the
// CorrelationHeader
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ID set by WithCorrelationID, if any
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// maxMessageRunes bounds a raw error body passed through as a user message
const maxMessageRunes = 200

// rejectionMessage extracts {message} from an error body, falling back to
// the raw text when the body is not the structured form
func rejectionMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	text := strings.TrimSpace(string(data))
	if utf8.RuneCountInString(text) > maxMessageRunes {
		text = string([]rune(text)[:maxMessageRunes])
	}
	return text
}
