// Package directory defines the narrow facade the ceremony flows use to talk
// to the external identity directory.
package directory

import (
	"context"

	apperrors "github.com/oktadev/okta-webauthn-go/internal/platform/errors"
)

// ErrUserNotFound indicates no directory record matches the lookup.
var ErrUserNotFound = apperrors.New(apperrors.CodeUnknownUser, "no directory record for user")

// User is the typed projection of a directory profile.
//
// The directory stores a generic attribute map; only the fields the ceremony
// flows need are surfaced here, so raw attribute bags never reach ceremony
// logic. CredentialID duplicates the raw credential ID into a flat attribute
// because the directory can only search flat values, not parse the blob.
type User struct {
	ID        string
	Login     string
	Email     string
	FirstName string
	LastName  string

	// CredentialID is the base64url raw credential ID, kept flat for search.
	CredentialID string
	// CredentialBlob is the codec-serialized stored credential.
	CredentialBlob string
}

// NewUser carries the profile fields for user creation.
type NewUser struct {
	Login          string
	Email          string
	FirstName      string
	LastName       string
	CredentialID   string
	CredentialBlob string
}

// Directory is the complete adapter surface over the identity directory.
//
// Every call is network I/O and may fail with DirectoryUnavailable (transport
// failure) or DirectoryRequestFailed (directory rejected the request). The
// ceremony engine treats both as opaque upstream failures and never retries
// internally.
type Directory interface {
	Reader
	Writer
}

// Reader is the lookup surface the ceremony engine depends on.
type Reader interface {
	// FindUserByLogin fetches a user by login identifier.
	// Returns ErrUserNotFound when no record exists.
	FindUserByLogin(ctx context.Context, login string) (User, error)

	// FindUserByCredentialID searches the credential-id index attribute.
	// At most one user can own a credential ID; returns ErrUserNotFound
	// when none does.
	FindUserByCredentialID(ctx context.Context, credentialID string) (User, error)
}

// Writer is the persistence surface the session binder and counter update use.
type Writer interface {
	// CreateUser creates and activates a directory user with the given
	// profile, including both credential attributes.
	CreateUser(ctx context.Context, profile NewUser) (User, error)

	// UpdateCredential replaces the user's credential attributes.
	// Last writer wins; the directory offers no compare-and-swap.
	UpdateCredential(ctx context.Context, userID, credentialID, blob string) error
}
