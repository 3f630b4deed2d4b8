package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/codefionn/pairspace/internal/logger"
)

func quietLogger() *logger.Logger {
	return logger.NewWithWriter(logger.LevelNone, nil, "test")
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func expectNothing(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func collector(buf int) (Handler, <-chan string) {
	ch := make(chan string, buf)
	return func(data json.RawMessage) { ch <- string(data) }, ch
}

func TestAdapterPublishSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewMemoryHub()
	alice := NewAdapter(hub, quietLogger())
	bob := NewAdapter(hub, quietLogger())
	ctx := context.Background()

	require.NoError(t, alice.Connect(ctx, "p1"))
	require.NoError(t, bob.Connect(ctx, "p1"))

	h1, got1 := collector(4)
	h2, got2 := collector(4)
	bob.Subscribe("project-message", h1)
	bob.Subscribe("project-message", h2)

	require.NoError(t, alice.Publish("project-message", map[string]string{"message": "hi"}))
	assert.JSONEq(t, `{"message":"hi"}`, recv(t, got1))
	assert.JSONEq(t, `{"message":"hi"}`, recv(t, got2))

	require.NoError(t, alice.Close())
	require.NoError(t, bob.Close())
}

func TestAdapterUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	hub := NewMemoryHub()
	a := NewAdapter(hub, quietLogger())
	require.NoError(t, a.Connect(context.Background(), "p1"))
	defer a.Close()

	h1, got1 := collector(4)
	h2, got2 := collector(4)
	sub1 := a.Subscribe("t", h1)
	a.Subscribe("t", h2)

	a.Unsubscribe(sub1)
	a.Unsubscribe(sub1)
	a.Unsubscribe(nil)

	hub.Broadcast("p1", Envelope{Event: "t", Data: json.RawMessage(`1`)})
	assert.Equal(t, "1", recv(t, got2))
	expectNothing(t, got1)
}

func TestAdapterConnectIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	a := NewAdapter(hub, quietLogger())
	ctx := context.Background()

	h, got := collector(4)
	a.Subscribe("t", h)

	require.NoError(t, a.Connect(ctx, "p1"))
	require.NoError(t, a.Connect(ctx, "p1"))
	assert.Equal(t, 1, hub.Members("p1"))

	hub.Broadcast("p1", Envelope{Event: "t", Data: json.RawMessage(`"once"`)})
	assert.Equal(t, `"once"`, recv(t, got))
	expectNothing(t, got)

	require.NoError(t, a.Close())
}

func TestAdapterSwitchProjectKeepsHandlers(t *testing.T) {
	hub := NewMemoryHub()
	a := NewAdapter(hub, quietLogger())
	ctx := context.Background()

	h, got := collector(4)
	a.Subscribe("t", h)

	require.NoError(t, a.Connect(ctx, "p1"))
	require.NoError(t, a.Connect(ctx, "p2"))
	assert.Equal(t, 0, hub.Members("p1"))
	assert.Equal(t, 1, hub.Members("p2"))
	assert.Equal(t, "p2", a.ProjectID())

	hub.Broadcast("p1", Envelope{Event: "t", Data: json.RawMessage(`"old"`)})
	hub.Broadcast("p2", Envelope{Event: "t", Data: json.RawMessage(`"new"`)})
	assert.Equal(t, `"new"`, recv(t, got))
	expectNothing(t, got)

	require.NoError(t, a.Close())
}

func TestAdapterPublishBeforeConnect(t *testing.T) {
	a := NewAdapter(NewMemoryHub(), quietLogger())
	assert.ErrorIs(t, a.Publish("t", "x"), ErrNotConnected)
	assert.Error(t, a.Publish("t", func() {}))
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotQuery := make(chan string, 1)
	gotAuth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery <- r.URL.Query().Get("projectId")
		gotAuth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dialer := &WebSocketDialer{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Token: "secret",
		Log:   quietLogger(),
	}
	a := NewAdapter(dialer, quietLogger())
	h, got := collector(4)
	a.Subscribe("echo", h)

	require.NoError(t, a.Connect(context.Background(), "p42"))
	assert.Equal(t, "p42", <-gotQuery)
	assert.Equal(t, "Bearer secret", <-gotAuth)

	require.NoError(t, a.Publish("echo", map[string]int{"n": 1}))
	assert.JSONEq(t, `{"n":1}`, recv(t, got))

	require.NoError(t, a.Close())
}

func TestWebSocketDialFailure(t *testing.T) {
	a := NewAdapter(&WebSocketDialer{URL: "ws://127.0.0.1:1/ws", Log: quietLogger()}, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, a.Connect(ctx, "p1"))
	assert.Equal(t, "", a.ProjectID())
}
