// Package mockserver implements a scripted codey-server for local
// development and end-to-end tests. It speaks the session protocol over
// WebSocket and replays scenarios instead of running a model.
package mockserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/logger"
)

// Config configures a Server.
type Config struct {
	// Scenarios are added to (and override) the builtin scenarios.
	Scenarios map[string]Scenario

	// StepDelay is the pause before each step without its own delay.
	StepDelay time.Duration

	// RejectMessage, when set, makes the server answer every connection
	// with a fatal Error carrying this message instead of Connected.
	RejectMessage string

	Logger *logger.Logger
}

// Server accepts WebSocket connections, one session per connection.
type Server struct {
	scenarios map[string]Scenario
	stepDelay time.Duration
	reject    string
	logger    *logger.Logger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// New creates a Server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	scenarios := Builtin()
	for name, sc := range cfg.Scenarios {
		scenarios[name] = sc
	}
	return &Server{
		scenarios: scenarios,
		stepDelay: cfg.StepDelay,
		reject:    cfg.RejectMessage,
		logger:    log.WithFields(zap.String("component", "mock-server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// ScenarioNames lists the known scenarios, sorted.
func (s *Server) ScenarioNames() []string {
	names := make([]string, 0, len(s.scenarios))
	for name := range s.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scenarioFor picks the scenario named by content, or echoes it.
func (s *Server) scenarioFor(content string) Scenario {
	if sc, ok := s.scenarios[strings.TrimSpace(content)]; ok {
		return sc
	}
	return echo(content)
}

// ServeHTTP upgrades the request and runs a session until either side
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(s, ws)
	if !s.track(c) {
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	log := s.logger.WithSessionID(c.sessionID)
	log.Info("session opened", zap.String("remote", r.RemoteAddr))
	if err := c.serve(context.Background()); err != nil {
		log.Debug("session ended with error", zap.Error(err))
	}
	log.Info("session closed")
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every open session without a close handshake and rejects
// new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

var errClientGone = errors.New("client disconnected")
