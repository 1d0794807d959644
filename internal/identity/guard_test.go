package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-for-guard"

func signClaims(t *testing.T, secret string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestGuard_SignAndVerify_RoundTripsRole(t *testing.T) {
	req := require.New(t)
	guard := NewGuard(testSecret)

	for _, p := range []Participant{
		{ID: "L1", Role: RoleListener, DisplayName: "Lee"},
		{ID: "S1", Role: RoleSeeker, DisplayName: "Sam"},
	} {
		token, err := guard.Sign(p, time.Hour)
		req.NoError(err)

		got, err := guard.Verify(token)
		req.NoError(err)
		req.Equal(p, got)
	}
}

func TestGuard_Verify_DerivesIdentityFromClaims(t *testing.T) {
	guard := NewGuard(testSecret)
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		claims Claims
		want   Participant
	}{
		{
			name:   "subject and display name",
			claims: Claims{DisplayName: "Jo", RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: exp}},
			want:   Participant{ID: "u1", Role: RoleSeeker, DisplayName: "Jo"},
		},
		{
			name:   "id claim and name fallback",
			claims: Claims{ID: "u2", Name: "Jordan", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}},
			want:   Participant{ID: "u2", Role: RoleSeeker, DisplayName: "Jordan"},
		},
		{
			name:   "volunteer role",
			claims: Claims{Roles: []string{"member", ListenerRole}, RegisteredClaims: jwt.RegisteredClaims{Subject: "v1", ExpiresAt: exp}},
			want:   Participant{ID: "v1", Role: RoleListener, DisplayName: anonymousName},
		},
		{
			name:   "admin listens",
			claims: Claims{IsAdmin: true, DisplayName: "Ad", RegisteredClaims: jwt.RegisteredClaims{Subject: "a1", ExpiresAt: exp}},
			want:   Participant{ID: "a1", Role: RoleListener, DisplayName: "Ad"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			got, err := guard.Verify(signClaims(t, testSecret, jwt.SigningMethodHS256, tt.claims))
			req.NoError(err)
			req.Equal(tt.want, got)
		})
	}
}

func TestGuard_Verify_ClassifiesFailures(t *testing.T) {
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))
	valid := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: exp}}

	tests := []struct {
		name   string
		guard  *Guard
		token  func(t *testing.T) string
		reason Reason
	}{
		{
			name:   "wrong secret",
			guard:  NewGuard(testSecret),
			token:  func(t *testing.T) string { return signClaims(t, "other", jwt.SigningMethodHS256, valid) },
			reason: ReasonInvalidCredential,
		},
		{
			name:  "expired",
			guard: NewGuard(testSecret),
			token: func(t *testing.T) string {
				c := valid
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
				return signClaims(t, testSecret, jwt.SigningMethodHS256, c)
			},
			reason: ReasonInvalidCredential,
		},
		{
			name:   "unexpected algorithm",
			guard:  NewGuard(testSecret),
			token:  func(t *testing.T) string { return signClaims(t, testSecret, jwt.SigningMethodHS512, valid) },
			reason: ReasonInvalidCredential,
		},
		{
			name:  "no subject",
			guard: NewGuard(testSecret),
			token: func(t *testing.T) string {
				return signClaims(t, testSecret, jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}})
			},
			reason: ReasonInvalidCredential,
		},
		{
			name:   "garbage",
			guard:  NewGuard(testSecret),
			token:  func(t *testing.T) string { return "not-a-jwt" },
			reason: ReasonInvalidCredential,
		},
		{
			name:   "unconfigured secret",
			guard:  NewGuard(""),
			token:  func(t *testing.T) string { return signClaims(t, testSecret, jwt.SigningMethodHS256, valid) },
			reason: ReasonInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			_, err := tt.guard.Verify(tt.token(t))
			req.Error(err)
			req.Equal(tt.reason, ReasonOf(err))
		})
	}
}

func TestGuard_Authenticate_CredentialSources(t *testing.T) {
	req := require.New(t)
	guard := NewGuard(testSecret)
	token, err := guard.Sign(Participant{ID: "S1", Role: RoleSeeker, DisplayName: "Sam"}, time.Hour)
	req.NoError(err)

	header := httptest.NewRequest(http.MethodGet, "/ws", nil)
	header.Header.Set("Authorization", "Bearer "+token)

	query := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)

	cookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	cookie.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})

	for _, r := range []*http.Request{header, query, cookie} {
		p, err := guard.Authenticate(r)
		req.NoError(err)
		req.Equal("S1", p.ID)
	}

	_, err = guard.Authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
	req.Equal(ReasonMissingCredential, ReasonOf(err))
}
