package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fenilsonani/webmail/internal/mailbox"
)

const keepAliveInterval = 25 * time.Second

// handleStream opens a live mailbox view and pushes every recomputed page
// as a server-sent "page" event. Subscription failures are sent as
// "error" events; the stream stays open so a later snapshot can recover.
// The view is closed when the client goes away or the server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(ctx)
	folder, err := parseFolder(r)
	if err != nil {
		s.writeError(w, r, "open mailbox stream", err)
		return
	}
	size, err := queryInt(r, "size", s.mailboxes.DefaultPageSize())
	if err != nil {
		s.writeError(w, r, "open mailbox stream", err)
		return
	}
	index, err := queryInt(r, "page", 0)
	if err != nil {
		s.writeError(w, r, "open mailbox stream", err)
		return
	}
	if !s.mailboxes.ValidPageSize(size) {
		s.writeError(w, r, "open mailbox stream", fmt.Errorf("%w: %d", mailbox.ErrInvalidPageSize, size))
		return
	}

	view, err := s.mailboxes.Open(ctx, user, folder)
	if err != nil {
		s.writeError(w, r, "open mailbox stream", err)
		return
	}
	defer view.Close()

	view.SetPageSize(size)
	view.SetSearch(r.URL.Query().Get("q"))
	view.SetPage(index)

	rc := http.NewResponseController(w)
	// The server write timeout would cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := send("page", view.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(ctx, "Mailbox stream closed", "folder", string(folder))
			return
		case <-s.streams.Done():
			s.logger.DebugContext(ctx, "Mailbox stream closed by shutdown", "folder", string(folder))
			return
		case page := <-view.Updates():
			if verr := view.Err(); verr != nil {
				status, msg := statusFor(verr)
				err = send("error", map[string]any{"error": msg, "status": status})
			} else {
				err = send("page", page)
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
