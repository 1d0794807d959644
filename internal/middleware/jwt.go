package myMiddleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"peer-chat/internal/identity"
)

type contextKey string

const ParticipantKey contextKey = "participant"

// Authenticator resolves the caller of a request.
// This interface decouples 'middleware' from the JWT details.
type Authenticator interface {
	Authenticate(r *http.Request) (identity.Participant, error)
}

type AuthMiddleware struct {
	authenticator Authenticator
	log           *slog.Logger
}

func NewAuthMiddleware(a Authenticator, log *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{authenticator: a, log: log}
}

// Handle refuses the request before it reaches next unless a valid credential is present.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := am.authenticator.Authenticate(r)
		if err != nil {
			reason := identity.ReasonOf(err)
			switch reason {
			case identity.ReasonMissingCredential:
				WriteError(w, http.StatusUnauthorized, "Authentication required", string(reason))
			case identity.ReasonInvalidCredential:
				am.log.Info("Rejected credential", "path", r.URL.Path, "error", err)
				WriteError(w, http.StatusUnauthorized, "Invalid authentication token", string(reason))
			default:
				am.log.Error("Authentication failed", "path", r.URL.Path, "error", err)
				WriteError(w, http.StatusInternalServerError, "Authentication unavailable", string(reason))
			}
			return
		}

		ctx := context.WithValue(r.Context(), ParticipantKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ParticipantFromContext(ctx context.Context) (identity.Participant, bool) {
	p, ok := ctx.Value(ParticipantKey).(identity.Participant)
	return p, ok
}

// WriteError writes the JSON error body shared by every HTTP endpoint.
func WriteError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
