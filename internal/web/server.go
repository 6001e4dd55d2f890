// Package web serves the webmail JSON API: session login, mailbox pages
// and live page streams, thread views, compose and message mutations.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenilsonani/webmail/internal/audit"
	"github.com/fenilsonani/webmail/internal/auth"
	"github.com/fenilsonani/webmail/internal/compose"
	"github.com/fenilsonani/webmail/internal/config"
	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/mailbox"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/metrics"
	"github.com/fenilsonani/webmail/internal/security"
	"github.com/fenilsonani/webmail/internal/thread"
)

// Deps are the collaborators the server is built from.
type Deps struct {
	Docs   docstore.Store
	Auth   *auth.Authenticator
	Audit  *audit.Logger        // optional
	TLS    *security.TLSManager // optional; nil serves plain HTTP
	Logger *logging.Logger
}

// Server handles the webmail API
type Server struct {
	config    *config.Config
	docs      docstore.Store
	messages  *message.Store
	users     *message.Users
	auth      *auth.Authenticator
	sessions  *auth.Sessions
	loginRL   *auth.RateLimiter
	limiters  *limiterPool
	mailboxes *mailbox.Engine
	threads   *thread.Resolver
	composer  *compose.Engine
	audit     *audit.Logger
	tls       *security.TLSManager
	logger    *logging.Logger

	handler   http.Handler
	startTime time.Time

	mu         sync.Mutex
	httpServer *http.Server
	// streams is cancelled by Shutdown so live streams let go of their
	// connections.
	streams     context.Context
	stopStreams context.CancelFunc
}

// NewServer wires the engines over deps.Docs and builds the route table.
func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	messages := message.NewStore(deps.Docs, logger)
	users := message.NewUsers(deps.Docs)
	rl := cfg.RateLimit

	s := &Server{
		config:   cfg,
		docs:     deps.Docs,
		messages: messages,
		users:    users,
		auth:     deps.Auth,
		sessions: auth.NewSessions(config.Duration(cfg.Session.TTL, 24*time.Hour)),
		loginRL: auth.NewRateLimiter(rl.LoginMaxAttempts,
			config.Duration(rl.LoginWindow, 15*time.Minute),
			config.Duration(rl.LoginBlock, 30*time.Minute)),
		limiters:  newLimiterPool(rl.RequestsPerSecond, rl.Burst),
		mailboxes: mailbox.NewEngine(messages, cfg.Mailbox, logger),
		threads:   thread.NewResolver(messages, users, logger),
		composer:  compose.NewEngine(messages, users, cfg.Compose, logger),
		audit:     deps.Audit,
		tls:       deps.TLS,
		logger:    logger.HTTP(),
		startTime: time.Now(),
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	s.handler = s.routes()
	if s.tls != nil {
		s.handler = s.tls.ChallengeHandler(s.handler)
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(route, h))
	}

	// Session
	handle("POST /api/register", "register", s.handleRegister)
	handle("POST /api/login", "login", s.handleLogin)
	handle("POST /api/logout", "logout", s.handleLogout)
	handle("GET /api/me", "me", s.withAuth(s.handleMe))

	// Mailbox lists
	handle("GET /api/mail/{folder}", "mail.list", s.withAuth(s.handleList))
	handle("GET /api/mail/{folder}/stream", "mail.stream", s.withAuth(s.handleStream))

	// Messages
	handle("GET /api/messages/{id}", "message.open", s.withAuth(s.handleOpen))
	handle("POST /api/messages", "message.send", s.withAuth(s.withLimit(s.handleSend)))
	handle("POST /api/messages/{id}/reply", "message.reply", s.withAuth(s.withLimit(s.handleReply)))
	handle("POST /api/messages/{id}/forward", "message.forward", s.withAuth(s.withLimit(s.handleForward)))
	handle("POST /api/messages/{id}/star", "message.star", s.withAuth(s.withLimit(s.handleStar)))
	handle("POST /api/messages/{id}/read", "message.read", s.withAuth(s.withLimit(s.handleRead)))
	handle("POST /api/messages/delete", "message.delete", s.withAuth(s.withLimit(s.handleDelete)))

	// Recipients
	handle("GET /api/recipients", "recipients.suggest", s.withAuth(s.handleSuggest))
	handle("GET /api/recipients/resolve", "recipients.resolve", s.withAuth(s.handleResolve))

	// Operations
	handle("GET /healthz", "healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves the API on listen until Shutdown is called.
func (s *Server) Start(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second, // streams lift their own deadline
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	var err error
	if s.tls != nil && s.tls.HasTLS() {
		srv.TLSConfig = s.tls.TLSConfig()
		s.logger.Info("Starting webmail server", "listen", ln.Addr().String(), "tls", true)
		err = srv.ServeTLS(ln, "", "")
	} else {
		s.logger.Info("Starting webmail server", "listen", ln.Addr().String(), "tls", false)
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends live streams, then gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopStreams()
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RunJanitor periodically drops expired sessions and idle limiter state
// until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.sessions.Sweep()
			s.loginRL.Sweep()
			s.limiters.sweep(s.sessions.TTL())
			metrics.Uptime.Set(time.Since(s.startTime).Seconds())
			if expired > 0 {
				s.logger.Debug("Swept expired sessions", "count", expired)
			}
		}
	}
}

// HealthStatus is the /healthz body
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Services:  make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A point read of an id that never exists exercises the backend.
	if _, err := s.docs.Get(ctx, docstore.Users, "_healthcheck"); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		status.Status = "degraded"
		status.Services["store"] = "error: " + err.Error()
	} else {
		status.Services["store"] = "ok"
	}
	if s.audit != nil {
		status.Services["audit"] = "ok"
	} else {
		status.Services["audit"] = "not configured"
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
