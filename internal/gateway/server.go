// Package gateway is the privileged background coordinator: the local
// HTTP endpoint the page-side instrumentation and the viewing UI talk to.
// It exposes the message bus (ANALYZE_TEXT, SCAN_FILE, GET_CONFIG,
// SAVE_CONFIG, ADD_LOG, CANCEL_SCAN), streams audit-log change
// notifications over a websocket, and owns the process-wide collaborators:
// the analysis client, the audit store, and the configuration manager.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"pageshield/internal/analysis"
	"pageshield/internal/auditlog"
	"pageshield/internal/config"
	"pageshield/internal/logger"
)

// Config holds server construction parameters.
type Config struct {
	// ListenAddr defaults to "127.0.0.1:0" (random port on loopback).
	ListenAddr string

	// AllowAll opens CORS to any origin (dev mode).
	AllowAll bool

	Manager *config.Manager
	Store   *auditlog.Store

	// Verdicts is the optional local JSONL trail.
	Verdicts *logger.VerdictLogger

	// Token supplies the stored bearer credential.
	Token analysis.TokenSource

	// Queue persists audit events that failed to send, so the startup
	// flush has something to retry after a restart.
	Queue analysis.QueueStorage

	Stderr io.Writer
}

// Server is the gateway daemon.
type Server struct {
	cfg    Config
	router chi.Router
	stderr io.Writer

	httpServer *http.Server
	listener   net.Listener
	listenMu   sync.Mutex

	clientMu sync.RWMutex
	client   *analysis.Client

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]struct{}

	unsubscribe func()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a gateway server. The analysis client is rebuilt whenever
// the configuration changes, so SAVE_CONFIG takes effect immediately.
func New(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	s := &Server{
		cfg:     cfg,
		stderr:  stderr,
		wsConns: make(map[*websocket.Conn]struct{}),
	}
	s.rebuildClient(cfg.Manager.Get())
	cfg.Manager.OnChange(func(c *config.Config) {
		s.rebuildClient(*c)
	})
	s.router = s.buildRouter()

	s.unsubscribe = cfg.Store.Subscribe(s.broadcastLogChange)
	return s
}

func (s *Server) rebuildClient(c config.Config) {
	client := analysis.New(analysis.Config{
		BaseURL:  c.Backend.APIURL,
		ClientID: c.Backend.ClientID,
		MSPID:    c.Backend.MSPID,
		Token:    s.cfg.Token,
		Timeout:  time.Duration(c.Advanced.RequestTimeoutSeconds) * time.Second,
		Queue:    s.cfg.Queue,
		Stderr:   s.stderr,
	})
	s.clientMu.Lock()
	s.client = client
	s.clientMu.Unlock()
}

// Client returns the current analysis client.
func (s *Server) Client() *analysis.Client {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.client
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/bus", s.handleBusMessage)
	r.Get("/ws", s.handleWebSocket)

	return r
}

// ListenAddr returns the actual address the gateway is listening on.
// Only valid after ListenAndServe has been called.
func (s *Server) ListenAddr() string {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Handler exposes the router (testing with httptest).
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the gateway and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // websocket streams stay open
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listenMu.Lock()
	s.listener = ln
	s.listenMu.Unlock()

	fmt.Fprintf(s.stderr, "[PageShield] gateway listening on http://%s\n", ln.Addr())

	// Audit events that failed to send in a previous run are retried on
	// startup.
	go s.Client().FlushQueuedAuditEvents(context.Background())

	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wsMu.Lock()
	for conn := range s.wsConns {
		_ = conn.Close()
	}
	s.wsMu.Unlock()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleWebSocket streams audit-log change notifications to the viewing
// UI. The socket only pushes; incoming messages are drained and ignored.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Fprintf(s.stderr, "[PageShield] websocket upgrade: %v\n", err)
		return
	}
	s.wsMu.Lock()
	s.wsConns[conn] = struct{}{}
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				fmt.Fprintf(s.stderr, "[PageShield] websocket read: %v\n", err)
			}
			return
		}
	}
}

type logChangeNotice struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func (s *Server) broadcastLogChange() {
	entries, err := s.cfg.Store.Entries()
	if err != nil {
		return
	}
	notice := logChangeNotice{Type: "LOG_CHANGED", Count: len(entries)}

	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsConns {
		if err := conn.WriteJSON(notice); err != nil {
			_ = conn.Close()
			delete(s.wsConns, conn)
		}
	}
}
