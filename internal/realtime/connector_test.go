package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Feedsync/internal/core/events"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamServer sends one batch of frames per connection, then hangs up
type streamServer struct {
	batches [][]string
	auth    []string
	conns   atomic.Int32
	mu      sync.Mutex
}

func (s *streamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	n := int(s.conns.Add(1)) - 1
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	var batch []string
	if n < len(s.batches) {
		batch = s.batches[n]
	}
	s.mu.Unlock()

	for _, frame := range batch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}
	if n < len(s.batches)-1 {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		return
	}
	// Last batch: hold the connection open until the client leaves.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnector_RelaysFramesAndReconnects(t *testing.T) {
	srv := &streamServer{batches: [][]string{
		{
			`{"topic":"post.deleted","payload":{"id":"p1"}}`,
			`{"topic":"nonsense"}`,
			`{"topic":"post.deleted","payload":{"id":"p2"}}`,
		},
		{
			`{"topic":"post.deleted","payload":{"id":"p3"}}`,
		},
	}}
	server := httptest.NewServer(srv)
	defer server.Close()

	bus := events.NewBus(time.Minute, nil)
	var mu sync.Mutex
	var got []string
	bus.Subscribe(events.TopicPostDeleted, func(_ context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(events.RemovedPayload).ID)
		return nil
	})

	conn := NewConnector(NewConsumer(bus, nil), wsURL(server), ConnectorOptions{
		Header:     http.Header{"Authorization": []string{"Bearer stream-token"}},
		RetryDelay: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Start(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not stop after cancel")
	}

	mu.Lock()
	assert.Equal(t, []string{"p1", "p2", "p3"}, got)
	mu.Unlock()

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.GreaterOrEqual(t, len(srv.auth), 2)
	assert.Equal(t, "Bearer stream-token", srv.auth[0])
}

func TestConnector_StopsWhileWaitingToRetry(t *testing.T) {
	conn := NewConnector(NewConsumer(events.NewBus(0, nil), nil), "ws://127.0.0.1:1/stream", ConnectorOptions{
		RetryDelay: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not stop after cancel")
	}
}
