package wiresurface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhanglunet/agentsociety/internal/agentstate"
	"github.com/zhanglunet/agentsociety/internal/bus"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/internal/org"
)

// Deps collects the Runtime components the HTTP surface talks to. It
// intentionally takes concrete types rather than the whole
// kernel.Runtime so this package never imports kernel (kernel imports
// wiresurface instead, once it is wired into the CLI entrypoint).
type Deps struct {
	Org     *org.Registry
	Bus     *bus.Bus
	State   *agentstate.Tracker
	Events  *EventHub
	AuthSecret string
	Log     *observability.Logger
}

// Server is the HTTP/WebSocket wire surface exposing agents, messages,
// and the live event stream.
type Server struct {
	deps Deps
	http *http.Server
	log  *observability.Logger
}

// New builds a Server listening on addr. Call Start to begin serving.
func New(addr string, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = observability.NewNopLogger()
	}
	mux := http.NewServeMux()
	s := &Server{deps: deps, log: deps.Log}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/agents/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("/ws", s.handleWebSocket)

	handler := authMiddleware(deps.AuthSecret)(loggingMiddleware(deps.Log)(mux))
	s.http = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled or a listen error
// occurs. It blocks; callers typically run it in its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type postMessageRequest struct {
	From    string         `json:"from"`
	TaskID  string         `json:"taskId,omitempty"`
	Payload map[string]any `json:"payload"`
	DelayMs int64          `json:"delayMs,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.From == "" {
		http.Error(w, "from is required", http.StatusBadRequest)
		return
	}
	result, err := s.deps.Bus.Send(agentID, req.From, req.Payload, req.TaskID, req.DelayMs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if result.Rejected {
		s.writeJSON(w, http.StatusConflict, result)
		return
	}
	eventData := map[string]any{"messageId": result.MessageID}
	if caller, ok := CallerFromContext(r.Context()); ok {
		eventData["caller"] = caller
	}
	s.deps.Events.Publish(Event{Type: "message.sent", AgentID: agentID, Data: eventData})
	s.writeJSON(w, http.StatusAccepted, result)
}

type agentOverview struct {
	ID         string `json:"id"`
	RoleID     string `json:"roleId"`
	Status     string `json:"lifecycleStatus"`
	Compute    string `json:"computeStatus"`
	QueueDepth int    `json:"queueDepth"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.deps.Org.AllAgents()
	out := make([]agentOverview, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentOverview{
			ID:         a.ID,
			RoleID:     a.RoleID,
			Status:     string(a.Status),
			Compute:    string(s.deps.State.Status(a.ID)),
			QueueDepth: s.deps.Bus.GetQueueDepth(a.ID),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agents":       out,
		"delayedQueue": s.deps.Bus.GetDelayedCount(),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	agent, ok := s.deps.Org.Agent(agentID)
	if !ok {
		http.Error(w, fmt.Sprintf("agent %q not found", agentID), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, agentOverview{
		ID:         agent.ID,
		RoleID:     agent.RoleID,
		Status:     string(agent.Status),
		Compute:    string(s.deps.State.Status(agent.ID)),
		QueueDepth: s.deps.Bus.GetQueueDepth(agent.ID),
	})
}

// handleWebSocket streams EventHub publications to the client for as
// long as the connection stays open.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
