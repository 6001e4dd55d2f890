package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fenilsonani/webmail/internal/audit"
	"github.com/fenilsonani/webmail/internal/auth"
	"github.com/fenilsonani/webmail/internal/validation"
)

type auditEvent struct {
	action  audit.EventType
	target  string
	details map[string]any
}

func (s *Server) cookieName() string {
	if name := s.config.Session.CookieName; name != "" {
		return name
	}
	return "webmail_session"
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

type sessionResponse struct {
	User     any    `json:"user"`
	Redirect string `json:"redirect"`
}

// handleRegister creates an account and signs it in.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var form validation.Registration
	if err := decode(r, &form); err != nil {
		s.writeError(w, r, "register", err)
		return
	}
	// Self-registration never grants admin.
	form.Role = auth.RoleUser

	acct, err := s.auth.Register(r.Context(), form)
	if err != nil {
		s.writeError(w, r, "register", err)
		return
	}
	s.record(r.Context(), r, acct.Email, auditEvent{action: audit.EventUserCreate, target: acct.ID})
	s.logger.InfoContext(r.Context(), "User registered", "user_id", acct.ID)

	token, expires := s.sessions.Create(acct.ID)
	s.setSessionCookie(w, r, token, expires)
	writeJSON(w, http.StatusCreated, sessionResponse{User: acct, Redirect: "/mail/inbox"})
}

// handleLogin authenticates with failed-attempt limiting per client IP.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := auth.ClientIP(r)
	ctx := r.Context()

	if s.loginRL.IsBlocked(clientIP) {
		remaining := time.Until(s.loginRL.BlockedUntil(clientIP)).Round(time.Minute)
		s.logger.WarnContext(ctx, "Blocked login attempt", "ip", clientIP, "blocked_for", remaining.String())
		s.record(ctx, r, clientIP, auditEvent{action: audit.EventLoginBlocked})
		w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error: "Too many failed attempts. Please try again in " + remaining.String(),
		})
		return
	}

	var req validation.Login
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, "login", err)
		return
	}
	if err := validation.Struct(req); err != nil {
		s.writeError(w, r, "login", err)
		return
	}

	user, err := s.auth.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.writeError(w, r, "login", err)
			return
		}
		blocked := s.loginRL.RecordFailure(clientIP)
		remaining := s.loginRL.RemainingAttempts(clientIP)
		s.logger.WarnContext(ctx, "Failed login attempt",
			"ip", clientIP,
			"remaining_attempts", remaining,
			"blocked", blocked)
		s.record(ctx, r, req.Email, auditEvent{
			action:  audit.EventLoginFailure,
			details: map[string]any{"remaining_attempts": remaining, "blocked": blocked},
		})

		msg := "Invalid credentials"
		if blocked {
			msg = "Too many failed attempts. Account temporarily locked"
		} else if remaining > 0 && remaining < 3 {
			msg = "Invalid credentials. " + strconv.Itoa(remaining) + " attempts remaining"
		}
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: msg})
		return
	}

	s.loginRL.RecordSuccess(clientIP)
	token, expires := s.sessions.Create(user.ID)
	s.setSessionCookie(w, r, token, expires)
	s.record(ctx, r, user.Email, auditEvent{action: audit.EventLoginSuccess, target: user.ID})
	s.logger.InfoContext(ctx, "Login successful", "ip", clientIP, "user_id", user.ID)
	writeJSON(w, http.StatusOK, sessionResponse{User: user, Redirect: "/mail/inbox"})
}

// handleLogout ends the session, if any, and clears the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.cookieName()); err == nil {
		if userID, ok := s.sessions.Validate(cookie.Value); ok {
			s.record(r.Context(), r, userID, auditEvent{action: audit.EventLogout, target: userID})
		}
		s.sessions.Revoke(cookie.Value)
		s.limiters.forget(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"redirect": LoginPath})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, err := s.auth.Account(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, "load account", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
