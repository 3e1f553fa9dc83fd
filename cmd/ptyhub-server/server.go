package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alvinchoong/go-httphandler"
)

// Server exposes the pool to browsers: bearer-token HTTP with a REST
// projection, static SPA serving, and streaming WebSocket sessions.
type Server struct {
	pool   *Pool
	tasks  TaskNamer
	status StatusProvider
	static *staticServer

	token        string
	maxClients   int
	exitDebounce time.Duration

	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}

	mu          sync.Mutex
	clients     map[*wsClient]bool
	agentsTimer *time.Timer
	unsubs      []func()
}

// ServerOption tunes server construction.
type ServerOption func(*Server)

func WithMaxClients(n int) ServerOption {
	return func(s *Server) { s.maxClients = n }
}

// WithExitDebounce overrides the delay before the agent list is
// re-broadcast after an exit.
func WithExitDebounce(d time.Duration) ServerOption {
	return func(s *Server) { s.exitDebounce = d }
}

func NewServer(pool *Pool, tasks TaskNamer, status StatusProvider, staticRoot string, opts ...ServerOption) *Server {
	s := &Server{
		pool:         pool,
		tasks:        tasks,
		status:       status,
		static:       newStaticServer(staticRoot),
		token:        newAuthToken(),
		maxClients:   10,
		exitDebounce: 100 * time.Millisecond,
		serveDone:    make(chan struct{}),
		clients:      make(map[*wsClient]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns the bearer token generated for this server's lifetime.
func (s *Server) Token() string {
	return s.token
}

// Addr reports the bound listener address; nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func newAuthToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("token generation: %v", err))
	}
	return base64.URLEncoding.EncodeToString(b)
}

// authorized accepts either an Authorization bearer header or a token
// query parameter, compared in constant time.
func (s *Server) authorized(r *http.Request) bool {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		candidate := strings.TrimPrefix(h, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(s.token)) == 1 {
			return true
		}
	}
	if q := r.URL.Query().Get("token"); q != "" {
		if subtle.ConstantTimeCompare([]byte(q), []byte(s.token)) == 1 {
			return true
		}
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[HTTP] encode response: %v", err)
	}
}

// jsonResponder implements httphandler.Responder for JSON responses.
type jsonResponder struct {
	status int
	body   interface{}
}

func (j *jsonResponder) Respond(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, j.status, j.body)
}

// textResponder implements httphandler.Responder for plain-text bodies.
type textResponder struct {
	body string
}

func (t *textResponder) Respond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(t.body))
}

type agentDetail struct {
	AgentID    string `json:"agentId"`
	Scrollback string `json:"scrollback"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exitCode"`
}

// apiHandler routes the read-only REST projection.
func (s *Server) apiHandler(r *http.Request) httphandler.Responder {
	rest := strings.TrimPrefix(r.URL.Path, "/api/")
	switch {
	case rest == "agents":
		return &jsonResponder{status: http.StatusOK, body: s.projection()}
	case strings.HasPrefix(rest, "agents/"):
		id := strings.TrimPrefix(rest, "agents/")
		if screenID, ok := strings.CutSuffix(id, "/screen"); ok && !strings.Contains(screenID, "/") {
			if text, found := s.pool.Screen(screenID); found {
				return &textResponder{body: text}
			}
			return &jsonResponder{status: http.StatusNotFound, body: map[string]string{"error": "agent not found"}}
		}
		if !strings.Contains(id, "/") {
			if sb, found := s.pool.Scrollback(id); found {
				st := s.status.AgentStatus(id)
				return &jsonResponder{status: http.StatusOK, body: agentDetail{
					AgentID:    id,
					Scrollback: sb,
					Status:     st.Status,
					ExitCode:   st.ExitCode,
				}}
			}
			return &jsonResponder{status: http.StatusNotFound, body: map[string]string{"error": "agent not found"}}
		}
	}
	return &jsonResponder{status: http.StatusNotFound, body: map[string]string{"error": "not found"}}
}

func (s *Server) projection() []RemoteAgent {
	return buildProjection(s.pool.ActiveIDs(), s.pool.Meta, s.tasks, s.status)
}

// Start binds the listener, registers lifecycle listeners on the pool's
// event bus, and begins serving. It returns the advertised access URLs.
func (s *Server) Start(port int) (AdvertisedURLs, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return AdvertisedURLs{}, err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/api/", httphandler.Handle(s.apiHandler))
	mux.Handle("/", s.static)

	s.httpServer = &http.Server{Handler: securityHeaders(s.requireAuth(mux))}

	bus := s.pool.Events()
	s.unsubs = append(s.unsubs,
		bus.OnSpawn(func(string) { s.broadcastAgents() }),
		bus.OnListChanged(func() { s.broadcastAgents() }),
		bus.OnExit(s.handleAgentExit),
	)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[HTTP] serve: %v", err)
		}
		close(s.serveDone)
	}()

	return advertisedURLs(port, s.token), nil
}

// handleAgentExit pushes the exited status to every client at once, drops
// stale per-client subscriptions, and re-broadcasts the agent list after a
// short debounce so the status frame always lands first.
func (s *Server) handleAgentExit(agentID string, info ExitInfo) {
	frame := statusFrame{Type: "status", AgentID: agentID, Status: "exited", ExitCode: info.ExitCode}

	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	if s.agentsTimer == nil {
		s.agentsTimer = time.AfterFunc(s.exitDebounce, func() {
			s.mu.Lock()
			s.agentsTimer = nil
			s.mu.Unlock()
			s.broadcastAgents()
		})
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.send(frame)
		c.dropSub(agentID)
	}
}

func (s *Server) broadcastAgents() {
	frame := agentsFrame{Type: "agents", List: s.projection()}

	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.send(frame)
	}
}

// Shutdown tears down lifecycle listeners and client connections, then
// waits for the HTTP listener to fully close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	if s.agentsTimer != nil {
		s.agentsTimer.Stop()
		s.agentsTimer = nil
	}
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, c := range clients {
		c.close()
	}
	s.static.Close()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	<-s.serveDone
	return nil
}
