package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/pairspace/internal/assistant"
	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/protocol"
)

// Authenticator resolves the user behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (protocol.Participant, error)
}

// Projects looks up projects for the membership check on join.
type Projects interface {
	GetProject(ctx context.Context, id string) (protocol.Project, error)
}

// Options configures a Server.
type Options struct {
	Auth      Authenticator
	Projects  Projects
	Assistant assistant.Responder

	// MessagesPerSec and MessageBurst bound each connection's publish rate.
	MessagesPerSec float64
	MessageBurst   int

	// AssistantTimeout bounds one assistant reply.
	AssistantTimeout time.Duration

	Metrics *Metrics
	Log     *logger.Logger
}

// Server upgrades project channel connections and relays their messages.
type Server struct {
	opts     Options
	hub      *Hub
	metrics  *Metrics
	log      *logger.Logger
	upgrader websocket.Upgrader

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	replies sync.WaitGroup
}

// NewServer creates a relay. Call Start before serving.
func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logger.Global().WithPrefix("relay")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Assistant == nil {
		opts.Assistant = assistant.Offline{}
	}
	if opts.MessagesPerSec <= 0 {
		opts.MessagesPerSec = 20
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 40
	}
	if opts.AssistantTimeout <= 0 {
		opts.AssistantTimeout = consts.Timeout60Seconds
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:    opts,
		hub:     NewHub(opts.Metrics, opts.Log),
		metrics: opts.Metrics,
		log:     opts.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  consts.BufferSize1KB,
			WriteBufferSize: consts.BufferSize1KB,
			CheckOrigin: func(r *http.Request) bool {
				return true // auth is by token, not origin
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register mounts the websocket and metrics endpoints.
func (s *Server) Register(router *httprouter.Router) {
	router.GET("/ws", s.handleWebSocket)
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
}

// Start runs the hub.
func (s *Server) Start() {
	go s.hub.Run()
}

// Stop disconnects every client and waits for pending assistant replies.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.hub.Stop()
	s.replies.Wait()
}

// Hub returns the room hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}

	user, err := s.opts.Auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.opts.Projects != nil {
		project, err := s.opts.Projects.GetProject(r.Context(), projectID)
		if err != nil {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		if !protocol.IsMember(project, user.ID) {
			http.Error(w, "not a project member", http.StatusForbidden)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	client := newClient(s, conn, user, projectID)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) count(result string) {
	s.metrics.messages.WithLabelValues(result).Inc()
}

// dispatchAssistant answers prompt in the background and broadcasts the reply
// to the whole room, the asker included.
func (s *Server) dispatchAssistant(room, prompt string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.replies.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.replies.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.opts.AssistantTimeout)
		defer cancel()

		start := time.Now()
		reply, err := s.opts.Assistant.Respond(ctx, prompt)
		s.metrics.assistantLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
				return
			}
			s.metrics.assistantReplies.WithLabelValues(resultError).Inc()
			s.log.Error("assistant reply for %s failed: %v", room, err)
			reply = errorReply(err)
		} else {
			s.metrics.assistantReplies.WithLabelValues(resultOK).Inc()
		}

		data, err := encodeProjectMessage(protocol.NewTextMessage(protocol.Assistant(), reply))
		if err != nil {
			s.log.Error("failed to encode assistant reply: %v", err)
			return
		}
		s.hub.Broadcast(room, data, nil)
	}()
}

func errorReply(err error) string {
	data, _ := json.Marshal(map[string]string{
		"text": "Sorry, I could not answer that: " + err.Error(),
	})
	return string(data)
}
