// Package challenge holds the short-lived server-side state for one
// outstanding ceremony per session.
package challenge

import (
	"context"
	"time"

	apperrors "github.com/oktadev/okta-webauthn-go/internal/platform/errors"
)

// Kind describes the ceremony a challenge belongs to.
type Kind string

const (
	KindRegistration   Kind = "registration"
	KindAuthentication Kind = "authentication"
)

// ErrNotFound indicates no live challenge exists for the session.
var ErrNotFound = apperrors.New(apperrors.CodeNoPendingChallenge, "no pending challenge for session")

// Session is the ephemeral state of one ceremony in flight.
//
// Exactly one live Session exists per ceremony session ID; starting a new
// ceremony overwrites the previous one. The challenge value lives only here,
// server side — it is never accepted back from the client.
type Session struct {
	SessionID string
	Kind      Kind
	// Login binds a registration ceremony to the identity being enrolled,
	// or an authentication ceremony to the login that started it.
	Login string
	// FirstName and LastName carry the registration identity across the
	// two ceremony legs; empty for authentication.
	FirstName string
	LastName  string
	// Data is the serialized webauthn.SessionData for the ceremony.
	Data      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the injected capability holding ceremony challenges.
//
// Implementations must be safe for concurrent use across sessions; a single
// session's two ceremony legs arrive sequentially.
type Store interface {
	// Put stores the session, replacing any live one for its SessionID.
	Put(ctx context.Context, session Session) error

	// Get returns the live session, or ErrNotFound when absent or expired.
	Get(ctx context.Context, sessionID string) (Session, error)

	// Delete clears the session. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// DeleteExpired removes sessions whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) error
}
