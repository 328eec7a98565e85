package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
	// block, when set, holds every Send until it is closed.
	block chan struct{}
}

func (f *fakeSub) Send(p []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.got = append(f.got, p)
	return nil
}

func (f *fakeSub) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSub) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.got))
	for _, p := range f.got {
		var m Message
		_ = json.Unmarshal(p, &m)
		out = append(out, m)
	}
	return out
}

func TestHub_RoutesByTopic(t *testing.T) {
	h := NewHub()
	defer h.Close()
	tasks := &fakeSub{}
	all := &fakeSub{}
	h.Register(tasks, TopicTasks)
	h.Register(all)
	assert.Equal(t, 2, h.Clients())

	h.Publish(Message{Topic: TopicNotifications, Version: 3})
	h.Publish(Message{Topic: TopicTasks, Version: 7})

	require.Eventually(t, func() bool { return len(all.messages()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(tasks.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(7), tasks.messages()[0].Version)
}

func TestHub_StalledClientDoesNotDelayOthers(t *testing.T) {
	h := NewHub()
	defer h.Close()
	stalled := &fakeSub{block: make(chan struct{})}
	fast := &fakeSub{}
	h.Register(stalled, TopicTasks)
	h.Register(fast, TopicTasks)

	for i := 1; i <= 3; i++ {
		h.Publish(Message{Topic: TopicTasks, Version: uint64(i)})
	}
	require.Eventually(t, func() bool { return len(fast.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, stalled.messages())

	close(stalled.block)
	require.Eventually(t, func() bool { return len(stalled.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.Clients())
}

func TestHub_DropsClientThatFallsBehind(t *testing.T) {
	h := NewHub()
	defer h.Close()
	stalled := &fakeSub{block: make(chan struct{})}
	defer close(stalled.block)
	h.Register(stalled, TopicTasks)

	for i := 0; i < outboxSize+8; i++ {
		h.Publish(Message{Topic: TopicTasks, Version: uint64(i)})
	}
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
	stalled.mu.Lock()
	assert.True(t, stalled.closed)
	stalled.mu.Unlock()
}

func TestHub_DropsFailingClient(t *testing.T) {
	h := NewHub()
	defer h.Close()
	bad := &fakeSub{fail: true}
	h.Register(bad, TopicTasks)
	h.Publish(Message{Topic: TopicTasks})

	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
	bad.mu.Lock()
	assert.True(t, bad.closed)
	bad.mu.Unlock()
}

func TestServe_DeliversOverWebsocket(t *testing.T) {
	h := NewHub()
	defer h.Close()
	upgrader := &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Serve(h, upgrader, w, r, slog.Default())
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topics=tasks"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
	h.Publish(Message{Topic: TopicTasks, Version: 2})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TopicTasks, msg.Topic)
	assert.Equal(t, uint64(2), msg.Version)

	conn.Close()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
