package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oktadev/okta-webauthn-go/internal/ceremony"
)

// sessionCookieName is the signed-in session cookie.
const sessionCookieName = "passwordless_session"

// ceremonyCookieName keys the server-side challenge for a ceremony in flight.
const ceremonyCookieName = "ceremony_session"

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// SessionManager issues and verifies the signed-in session token.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	clock  func() time.Time
}

// NewSessionManager builds a session manager from web configuration.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		secret: []byte(cfg.SessionSecret),
		ttl:    cfg.SessionTTL,
		secure: cfg.SecureCookies,
		clock:  time.Now,
	}
}

// Issue signs a session token for the authenticated principal.
func (m *SessionManager) Issue(principal ceremony.Principal) (string, error) {
	now := m.clock().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Login:       principal.Login,
		DisplayName: principal.DisplayName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns the principal it names.
func (m *SessionManager) Verify(token string) (ceremony.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ceremony.Principal{}, fmt.Errorf("session token is required")
	}

	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.clock), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return ceremony.Principal{}, fmt.Errorf("parse session token: %w", err)
	}
	if !parsed.Valid {
		return ceremony.Principal{}, fmt.Errorf("session token is not valid")
	}

	return ceremony.Principal{
		UserID:      claims.Subject,
		Login:       claims.Login,
		DisplayName: claims.DisplayName,
	}, nil
}

// readCookie returns the trimmed cookie value when present.
func readCookie(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie == nil {
		return "", false
	}
	value := strings.TrimSpace(cookie.Value)
	if value == "" {
		return "", false
	}
	return value, true
}

func (m *SessionManager) writeSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.ttl / time.Second),
	})
}

func (m *SessionManager) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (m *SessionManager) writeCeremonyCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     ceremonyCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionManager) clearCeremonyCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     ceremonyCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
