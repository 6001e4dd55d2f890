package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fenilsonani/webmail/internal/auth"
	"github.com/fenilsonani/webmail/internal/logging"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/metrics"
)

type ctxKey int

const (
	userKey ctxKey = iota
	sessionKey
)

func userFrom(ctx context.Context) *message.User {
	u, _ := ctx.Value(userKey).(*message.User)
	return u
}

func sessionFrom(ctx context.Context) string {
	token, _ := ctx.Value(sessionKey).(string)
	return token
}

// withAuth rejects requests without a live session. The client is told to
// go to the login page.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.cookieName())
		if err != nil {
			writeUnauthorized(w)
			return
		}

		userID, valid := s.sessions.Validate(cookie.Value)
		if !valid {
			writeUnauthorized(w)
			return
		}

		user, err := s.auth.LookupUserByID(r.Context(), userID)
		if errors.Is(err, auth.ErrUserNotFound) {
			// The account is gone; the session goes with it.
			s.sessions.Revoke(cookie.Value)
			writeUnauthorized(w)
			return
		}
		if err != nil {
			s.writeError(w, r, "load session user", err)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, sessionKey, cookie.Value)
		ctx = logging.WithUserID(ctx, user.ID)
		next(w, r.WithContext(ctx))
	}
}

// withLimit throttles mutations per session.
func (s *Server) withLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(sessionFrom(r.Context())) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Too many requests"})
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response code. It forwards Flush and Unwrap
// so streaming handlers keep working through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument tags the request context for logging, recovers panics and
// counts responses per route.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Request-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", traceID)

		ctx := logging.WithTraceID(r.Context(), traceID)
		ctx = logging.WithRemoteAddr(ctx, auth.ClientIP(r))
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			if p := recover(); p != nil {
				s.logger.ErrorContext(ctx, "Handler panic", fmt.Errorf("%v", p), "route", route)
				metrics.RecordError("http", "panic")
				if rec.status == 0 {
					writeJSON(rec, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
				}
			}
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			s.logger.DebugContext(ctx, "Request handled",
				"route", route,
				"method", r.Method,
				"status", rec.status,
				"duration", time.Since(start).String())
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

// limiterPool hands out one token bucket per key.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	now   func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = p.now()
	return e.limiter
}

func (p *limiterPool) allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

func (p *limiterPool) forget(key string) {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
}

// sweep drops buckets unused for longer than idle.
func (p *limiterPool) sweep(idle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-idle)
	for key, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, key)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
