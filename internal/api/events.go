package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

// AuthEvent is the SSE event name carrying an AuthMessage.
const AuthEvent = "auth"

const eventsHeartbeat = 15 * time.Second

// handleAuthEvents streams the completion message of a pending
// authorization and then ends the stream. It serves openers that cannot
// receive window messages, such as the CLI.
func (s *Server) handleAuthEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.URL.Query().Get("sessionId")

	if _, err := s.ownedRecord(ctx, userFrom(ctx), sessionID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	messages, unsubscribe, err := s.store.SubscribeAuthMessages(ctx, sessionID)
	if err != nil {
		s.logger.Error("Failed to subscribe to auth messages of %s: %v", sessionID, err)
		s.writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	// The callback may have completed before the subscription existed.
	rec, err := s.store.Get(ctx, sessionID)
	switch {
	case err != nil:
		s.writeAuthEvent(w, flusher, session.AuthMessage{
			Type:      session.AuthMessageError,
			SessionID: sessionID,
			Error:     "session expired",
		})
		return
	case rec.Active && rec.HasTokens() && !rec.PendingAuthorization():
		s.writeAuthEvent(w, flusher, session.AuthMessage{Type: session.AuthMessageSuccess, SessionID: sessionID})
		return
	}

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.writeAuthEvent(w, flusher, msg)
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeAuthEvent(w http.ResponseWriter, flusher http.Flusher, msg session.AuthMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to encode auth message: %v", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", AuthEvent, data)
	flusher.Flush()
}
