package identity

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Reason classifies why a connection attempt was refused.
type Reason string

const (
	ReasonMissingCredential Reason = "missing-credential"
	ReasonInvalidCredential Reason = "invalid-credential"
	ReasonInternal          Reason = "internal-error"
)

const (
	// SessionCookie carries the credential for browser clients.
	SessionCookie = "session-token"
	issuer        = "peer-chat"
	anonymousName = "Anonymous"
)

var errNoSecret = errors.New("signing secret is not configured")

type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf returns the classified reason of err, or ReasonInternal when err
// was not produced by the guard.
func ReasonOf(err error) Reason {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return ReasonInternal
}

type Claims struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	IsAdmin     bool     `json:"isAdmin,omitempty"`
	jwt.RegisteredClaims
}

// Guard verifies signed credentials and derives the participant behind them.
// It holds no state besides its key and is safe for concurrent use.
type Guard struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewGuard(secret string) *Guard {
	return &Guard{
		secret: []byte(secret),
		leeway: 5 * time.Second,
		now:    time.Now,
	}
}

// Authenticate extracts the credential from the handshake request and verifies it.
func (g *Guard) Authenticate(r *http.Request) (Participant, error) {
	token := credentialFromRequest(r)
	if token == "" {
		return Participant{}, &Error{Reason: ReasonMissingCredential}
	}
	return g.Verify(token)
}

// Verify checks the token signature, expiry and identity claims.
func (g *Guard) Verify(tokenString string) (p Participant, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = Participant{}, &Error{Reason: ReasonInternal, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if len(g.secret) == 0 {
		return Participant{}, &Error{Reason: ReasonInternal, Err: errNoSecret}
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(g.leeway),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil || !token.Valid {
		if err == nil {
			err = jwt.ErrSignatureInvalid
		}
		return Participant{}, &Error{Reason: ReasonInvalidCredential, Err: err}
	}

	return participantFromClaims(claims)
}

// Sign mints a credential for p. Token issuance belongs to the auth service;
// this exists for tooling and tests.
func (g *Guard) Sign(p Participant, ttl time.Duration) (string, error) {
	if len(g.secret) == 0 {
		return "", errNoSecret
	}
	now := g.now()
	claims := Claims{
		DisplayName: p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if p.IsListener() {
		claims.Roles = []string{ListenerRole}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

func participantFromClaims(c *Claims) (Participant, error) {
	id := c.Subject
	if id == "" {
		id = c.ID
	}
	if id == "" {
		return Participant{}, &Error{Reason: ReasonInvalidCredential, Err: errors.New("token has no subject")}
	}

	name := strings.TrimSpace(c.DisplayName)
	if name == "" {
		name = strings.TrimSpace(c.Name)
	}
	if name == "" {
		name = anonymousName
	}

	role := RoleSeeker
	if c.IsAdmin || slices.Contains(c.Roles, ListenerRole) {
		role = RoleListener
	}
	return Participant{ID: id, Role: role, DisplayName: name}, nil
}

// credentialFromRequest looks at the Authorization header, then the token
// query parameter, then the session cookie.
func credentialFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if t := strings.TrimSpace(parts[1]); t != "" {
				return t
			}
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}
