package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pairspace/internal/aiparse"
	"github.com/codefionn/pairspace/internal/assistant"
	"github.com/codefionn/pairspace/internal/channel"
	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/protocol"
)

func quietLogger() *logger.Logger {
	return logger.NewWithWriter(logger.LevelNone, nil, "test")
}

// tokenAuth treats the bearer token as the user id.
type tokenAuth struct{}

func (tokenAuth) Authenticate(r *http.Request) (protocol.Participant, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return protocol.Participant{}, errors.New("no token")
	}
	return protocol.Participant{ID: token, Email: token + "@example.com"}, nil
}

type fixedProjects map[string]protocol.Project

func (p fixedProjects) GetProject(_ context.Context, id string) (protocol.Project, error) {
	project, ok := p[id]
	if !ok {
		return protocol.Project{}, errors.New("not found")
	}
	return project, nil
}

type harness struct {
	relay *Server
	srv   *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	opts.Auth = tokenAuth{}
	opts.Projects = fixedProjects{
		"p1": {ID: "p1", Name: "demo", Users: []protocol.Participant{{ID: "alice"}, {ID: "bob"}}},
	}
	opts.Log = quietLogger()

	s := NewServer(opts)
	router := httprouter.New()
	s.Register(router)
	s.Start()

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		s.Stop()
		srv.Close()
	})
	return &harness{relay: s, srv: srv}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

type member struct {
	adapter *channel.Adapter
	got     chan protocol.ProjectMessage
}

func (h *harness) join(t *testing.T, user, project string) *member {
	t.Helper()
	d := &channel.WebSocketDialer{URL: h.wsURL(), Token: user, Log: quietLogger()}
	m := &member{
		adapter: channel.NewAdapter(d, quietLogger()),
		got:     make(chan protocol.ProjectMessage, 16),
	}
	m.adapter.Subscribe(consts.ProjectMessageTopic, func(data json.RawMessage) {
		var msg protocol.ProjectMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			m.got <- msg
		}
	})
	require.NoError(t, m.adapter.Connect(context.Background(), project))
	t.Cleanup(func() { _ = m.adapter.Close() })
	return m
}

func (m *member) next(t *testing.T) protocol.ProjectMessage {
	t.Helper()
	select {
	case msg := <-m.got:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a project message")
		return protocol.ProjectMessage{}
	}
}

func (m *member) quiet(t *testing.T) {
	t.Helper()
	select {
	case msg := <-m.got:
		t.Fatalf("unexpected message %s from %s", msg.BodyString(), msg.Sender.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) waitForMembers(t *testing.T, project string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.relay.Hub().ClientCount(project) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayExcludesSenderAndStampsIdentity(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.join(t, "alice", "p1")
	bob := h.join(t, "bob", "p1")
	h.waitForMembers(t, "p1", 2)

	forged := protocol.NewTextMessage(protocol.Participant{ID: "mallory"}, "hello bob")
	require.NoError(t, alice.adapter.Publish(consts.ProjectMessageTopic, forged))

	msg := bob.next(t)
	assert.Equal(t, "alice", msg.Sender.ID)
	assert.Equal(t, "alice@example.com", msg.Sender.Email)
	assert.Equal(t, "hello bob", msg.BodyString())
	alice.quiet(t)
}

func TestRelayAnswersMentionsToWholeRoom(t *testing.T) {
	prompts := make(chan string, 1)
	h := newHarness(t, Options{
		Assistant: assistant.ResponderFunc(func(_ context.Context, prompt string) (string, error) {
			prompts <- prompt
			return `{"text":"done","fileTree":{"index.js":{"file":{"contents":"1"}}}}`, nil
		}),
	})
	alice := h.join(t, "alice", "p1")
	bob := h.join(t, "bob", "p1")
	h.waitForMembers(t, "p1", 2)

	require.NoError(t, alice.adapter.Publish(consts.ProjectMessageTopic,
		protocol.NewTextMessage(protocol.Participant{ID: "alice"}, "@ai write index.js")))

	assert.Equal(t, "@ai write index.js", bob.next(t).BodyString())
	assert.Equal(t, "write index.js", <-prompts)

	for _, m := range []*member{alice, bob} {
		reply := m.next(t)
		require.True(t, reply.Sender.IsAssistant())
		p, err := aiparse.ParseBody(reply.Message)
		require.NoError(t, err)
		assert.Equal(t, aiparse.ModeCode, p.Mode())
		assert.Equal(t, "done", p.Text)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.relay.metrics.assistantReplies.WithLabelValues(resultOK)))
}

func TestRelayReportsAssistantFailureInChat(t *testing.T) {
	h := newHarness(t, Options{
		Assistant: assistant.ResponderFunc(func(context.Context, string) (string, error) {
			return "", errors.New("quota exceeded")
		}),
	})
	alice := h.join(t, "alice", "p1")
	h.waitForMembers(t, "p1", 1)

	require.NoError(t, alice.adapter.Publish(consts.ProjectMessageTopic,
		protocol.NewTextMessage(protocol.Participant{ID: "alice"}, "@ai hi")))

	reply := alice.next(t)
	require.True(t, reply.Sender.IsAssistant())
	p, err := aiparse.ParseBody(reply.Message)
	require.NoError(t, err)
	assert.Equal(t, aiparse.ModeChat, p.Mode())
	assert.Contains(t, p.Text, "quota exceeded")
}

func TestRelayRateLimitsPerConnection(t *testing.T) {
	h := newHarness(t, Options{MessagesPerSec: 0.001, MessageBurst: 1})
	alice := h.join(t, "alice", "p1")
	bob := h.join(t, "bob", "p1")
	h.waitForMembers(t, "p1", 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, alice.adapter.Publish(consts.ProjectMessageTopic,
			protocol.NewTextMessage(protocol.Participant{ID: "alice"}, "spam")))
	}

	assert.Equal(t, "spam", bob.next(t).BodyString())
	bob.quiet(t)

	limited := h.relay.metrics.messages.WithLabelValues(resultRateLimited)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(limited) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.relay.metrics.messages.WithLabelValues(resultRelayed)))
}

func TestRelayDropsOtherTopics(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.join(t, "alice", "p1")
	bob := h.join(t, "bob", "p1")
	h.waitForMembers(t, "p1", 2)

	require.NoError(t, alice.adapter.Publish("typing", map[string]bool{"on": true}))
	bob.quiet(t)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.relay.metrics.messages.WithLabelValues(resultInvalid)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayRoomsAreIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	h.relay.opts.Projects = fixedProjects{
		"p1": {ID: "p1", Users: []protocol.Participant{{ID: "alice"}, {ID: "bob"}}},
		"p2": {ID: "p2", Users: []protocol.Participant{{ID: "bob"}}},
	}
	alice := h.join(t, "alice", "p1")
	bob := h.join(t, "bob", "p2")
	h.waitForMembers(t, "p1", 1)
	h.waitForMembers(t, "p2", 1)

	require.NoError(t, alice.adapter.Publish(consts.ProjectMessageTopic,
		protocol.NewTextMessage(protocol.Participant{ID: "alice"}, "anyone?")))
	bob.quiet(t)
}

func TestRelayRejectsUnauthorizedJoins(t *testing.T) {
	h := newHarness(t, Options{})

	tests := []struct {
		name   string
		url    string
		token  string
		status int
	}{
		{"missing project", h.srv.URL + "/ws", "alice", http.StatusBadRequest},
		{"missing token", h.srv.URL + "/ws?projectId=p1", "", http.StatusUnauthorized},
		{"unknown project", h.srv.URL + "/ws?projectId=nope", "alice", http.StatusNotFound},
		{"not a member", h.srv.URL + "/ws?projectId=p1", "carol", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			require.NoError(t, err)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, "alice", "p1")
	h.waitForMembers(t, "p1", 1)

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pairspace_relay_connections 1")
	assert.Contains(t, string(body), "pairspace_relay_rooms 1")
}

func TestStopDisconnectsClients(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, "alice", "p1")
	h.waitForMembers(t, "p1", 1)

	h.relay.Stop()
	assert.Equal(t, 0, h.relay.Hub().ClientCount("p1"))
	h.relay.Stop()
}
