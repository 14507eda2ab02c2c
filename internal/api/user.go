package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

const (
	userHeader = "X-User-Id"
	userCookie = "mcp_user_id"

	userCookieMaxAge = 365 * 24 * 60 * 60
)

type userKey struct{}

// identifyUser attaches the caller's user id to the request context. The
// header wins over the cookie; a browser without either gets a new cookie.
func (s *Server) identifyUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userHeader)
		if userID == "" {
			if c, err := r.Cookie(userCookie); err == nil && c.Value != "" {
				userID = c.Value
			}
		}
		if userID == "" {
			userID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     userCookie,
				Value:    userID,
				Path:     "/",
				MaxAge:   userCookieMaxAge,
				HttpOnly: true,
				Secure:   s.secure,
				SameSite: http.SameSiteLaxMode,
			})
			s.logger.Debug("Issued user id %s", userID)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

// userFrom returns the user id set by identifyUser.
func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, StatusResponse{Success: false, Error: message})
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
