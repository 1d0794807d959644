package myMiddleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peer-chat/internal/identity"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type brokenAuthenticator struct{}

func (brokenAuthenticator) Authenticate(*http.Request) (identity.Participant, error) {
	return identity.Participant{}, errors.New("key store unavailable")
}

func TestAuthMiddleware(t *testing.T) {
	guard := identity.NewGuard("middleware-secret-0123456789")
	token, err := guard.Sign(identity.Participant{ID: "L", Role: identity.RoleListener, DisplayName: "Lee"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		auth   Authenticator
		header string
		status int
		code   string
	}{
		{name: "valid bearer token", auth: guard, header: "Bearer " + token, status: http.StatusOK},
		{name: "missing credential", auth: guard, status: http.StatusUnauthorized, code: "missing-credential"},
		{name: "invalid credential", auth: guard, header: "Bearer nope", status: http.StatusUnauthorized, code: "invalid-credential"},
		{name: "unclassified failure", auth: brokenAuthenticator{}, header: "Bearer " + token, status: http.StatusInternalServerError, code: "internal-error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			var seen identity.Participant
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p, ok := ParticipantFromContext(r.Context())
				req.True(ok)
				seen = p
			})

			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			NewAuthMiddleware(tt.auth, logs.GetLoggerFromLevel(slog.LevelDebug)).Handle(next).ServeHTTP(w, r)

			req.Equal(tt.status, w.Code)
			if tt.status == http.StatusOK {
				req.Equal(identity.Participant{ID: "L", Role: identity.RoleListener, DisplayName: "Lee"}, seen)
				return
			}
			var body map[string]string
			req.NoError(json.NewDecoder(w.Body).Decode(&body))
			req.Equal(tt.code, body["code"])
			req.NotEmpty(body["error"])
		})
	}
}
