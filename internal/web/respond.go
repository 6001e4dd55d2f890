package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fenilsonani/webmail/internal/auth"
	"github.com/fenilsonani/webmail/internal/compose"
	"github.com/fenilsonani/webmail/internal/docstore"
	"github.com/fenilsonani/webmail/internal/mailbox"
	"github.com/fenilsonani/webmail/internal/message"
	"github.com/fenilsonani/webmail/internal/metrics"
	"github.com/fenilsonani/webmail/internal/thread"
	"github.com/fenilsonani/webmail/internal/validation"
)

const maxBodyBytes = 2 << 20

// LoginPath is where unauthenticated clients are sent.
const LoginPath = "/login"

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error     string `json:"error"`
	Redirect  string `json:"redirect,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Authentication required", Redirect: LoginPath})
}

// statusFor maps an engine error to an HTTP status and a client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, message.ErrNotFound),
		errors.Is(err, thread.ErrNotFound),
		errors.Is(err, compose.ErrParentNotFound),
		errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, "Message not found"
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict, "Email is already registered"
	case errors.Is(err, validation.ErrInvalid),
		errors.Is(err, validation.ErrInvalidPassword),
		errors.Is(err, validation.ErrInvalidEmail),
		errors.Is(err, mailbox.ErrInvalidPageSize),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, docstore.ErrUnavailable):
		return http.StatusServiceUnavailable, "Mail store is unavailable, please retry"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// writeError reports err to the client. Server-side failures are logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, action string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Failed to "+action, err)
		metrics.RecordError("http", strconv.Itoa(status))
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", errBadRequest, name)
	}
	return n, nil
}

// record writes an audit event. Audit failures never fail the request.
func (s *Server) record(ctx context.Context, r *http.Request, actor string, event auditEvent) {
	if err := s.audit.Log(ctx, actor, event.action, event.target, event.details, auth.ClientIP(r)); err != nil {
		s.logger.WarnContext(ctx, "Failed to write audit event", "action", string(event.action), "error", err)
	}
}
