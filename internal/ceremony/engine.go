package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/secure/precis"

	"github.com/oktadev/okta-webauthn-go/internal/challenge"
	"github.com/oktadev/okta-webauthn-go/internal/credential"
	"github.com/oktadev/okta-webauthn-go/internal/directory"
	apperrors "github.com/oktadev/okta-webauthn-go/internal/platform/errors"
	"github.com/oktadev/okta-webauthn-go/internal/platform/id"
)

// Identity carries the profile fields collected at registration start.
type Identity struct {
	Email     string
	FirstName string
	LastName  string
}

// Registration is the outcome of a verified registration ceremony.
//
// The engine does not persist it; the caller writes the credential to the
// directory and must treat a persistence failure as a partial failure,
// distinct from a verification failure.
type Registration struct {
	Identity   Identity
	Credential credential.Stored
}

// Principal describes the authenticated subject after a successful
// authentication ceremony.
type Principal struct {
	UserID      string
	Login       string
	DisplayName string
}

// provider is the verification surface of the WebAuthn library.
type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Engine drives both ceremonies against the challenge store and directory.
//
// It talks to the directory only to answer "does this credential id already
// exist" (registration) and "which user owns this credential id, and update
// its counter" (authentication); registration persistence stays with the
// caller.
type Engine struct {
	config     Config
	webAuthn   provider
	initErr    error
	parser     parser
	challenges challenge.Store
	directory  directory.Directory
	tracer     trace.Tracer
	clock      func() time.Time
	newHandle  func() ([]byte, error)
}

// NewEngine builds a ceremony engine with library defaults.
func NewEngine(cfg Config, challenges challenge.Store, dir directory.Directory) *Engine {
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.ChallengeTTL},
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.ChallengeTTL},
		},
	})
	return &Engine{
		config:     cfg,
		webAuthn:   webAuthn,
		initErr:    err,
		parser:     defaultParser{},
		challenges: challenges,
		directory:  dir,
		tracer:     otel.Tracer("github.com/oktadev/okta-webauthn-go/internal/ceremony"),
		clock:      time.Now,
		newHandle:  id.NewHandle,
	}
}

// ceremonyUser adapts a directory record to the webauthn.User interface.
type ceremonyUser struct {
	handle      []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return u.handle }
func (u *ceremonyUser) WebAuthnName() string                       { return u.name }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *ceremonyUser) WebAuthnIcon() string                       { return "" }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

var loginProfile = precis.UsernameCaseMapped

// NormalizeLogin canonicalizes a login identifier for directory lookups.
func NormalizeLogin(login string) (string, error) {
	normalized, err := loginProfile.String(strings.TrimSpace(login))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidRequest, "login identifier is not a valid username", err)
	}
	if normalized == "" {
		return "", apperrors.New(apperrors.CodeInvalidRequest, "login identifier is required")
	}
	return normalized, nil
}

func (e *Engine) ready() error {
	if e.initErr != nil || e.webAuthn == nil {
		return fmt.Errorf("relying party configuration is not available: %w", e.initErr)
	}
	if e.challenges == nil {
		return fmt.Errorf("challenge store is not configured")
	}
	if e.directory == nil {
		return fmt.Errorf("directory is not configured")
	}
	return nil
}

// StartRegistration builds credential creation options and stores a fresh
// registration challenge for the session, discarding any prior one.
func (e *Engine) StartRegistration(ctx context.Context, sessionID string, identity Identity) (*protocol.CredentialCreation, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.start_registration")
	defer span.End()

	if err := e.ready(); err != nil {
		return nil, e.fail(span, err)
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, e.fail(span, apperrors.New(apperrors.CodeInvalidRequest, "ceremony session id is required"))
	}
	login, err := NormalizeLogin(identity.Email)
	if err != nil {
		return nil, e.fail(span, err)
	}
	identity.Email = login

	// A returning user keeps their handle so the directory record stays
	// bound to one WebAuthn identity; their current credential is excluded
	// from re-registration.
	handle, exclusions, err := e.registrationSeed(ctx, login)
	if err != nil {
		return nil, e.fail(span, err)
	}

	user := &ceremonyUser{
		handle:      handle,
		name:        login,
		displayName: strings.TrimSpace(identity.FirstName + " " + identity.LastName),
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithConveyancePreference(e.config.attestationConveyance()),
	}
	if len(exclusions) > 0 {
		options = append(options, webauthn.WithExclusions(exclusions))
	}

	creation, sessionData, err := e.webAuthn.BeginRegistration(user, options...)
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("begin registration: %w", err))
	}

	if err := e.storeChallenge(ctx, sessionID, challenge.KindRegistration, identity, sessionData); err != nil {
		return nil, e.fail(span, err)
	}
	return creation, nil
}

// registrationSeed resolves the user handle and exclusion list for a login.
func (e *Engine) registrationSeed(ctx context.Context, login string) ([]byte, []protocol.CredentialDescriptor, error) {
	existing, err := e.directory.FindUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			handle, err := e.newHandle()
			if err != nil {
				return nil, nil, fmt.Errorf("generate user handle: %w", err)
			}
			return handle, nil, nil
		}
		return nil, nil, err
	}

	stored, err := credential.Decode(existing.CredentialBlob)
	if err != nil {
		// The record is unusable; treat the registration as fresh.
		handle, err := e.newHandle()
		if err != nil {
			return nil, nil, fmt.Errorf("generate user handle: %w", err)
		}
		return handle, nil, nil
	}
	return stored.UserHandle, []protocol.CredentialDescriptor{stored.Descriptor()}, nil
}

// CompleteRegistration verifies a client attestation against the pending
// challenge and returns the credential for the caller to persist.
func (e *Engine) CompleteRegistration(ctx context.Context, sessionID string, attestation []byte) (Registration, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.complete_registration")
	defer span.End()

	if err := e.ready(); err != nil {
		return Registration{}, e.fail(span, err)
	}

	pending, sessionData, err := e.takeChallenge(ctx, sessionID, challenge.KindRegistration)
	if err != nil {
		return Registration{}, e.fail(span, err)
	}

	parsed, err := e.parser.ParseCredentialCreationResponseBytes(attestation)
	if err != nil {
		return Registration{}, e.fail(span, apperrors.Wrap(apperrors.CodeAttestationVerificationFailed,
			"attestation response is malformed", err))
	}

	if parsed.Response.CollectedClientData.Challenge != sessionData.Challenge {
		return Registration{}, e.fail(span, apperrors.New(apperrors.CodeChallengeMismatch,
			"attestation challenge does not match pending ceremony"))
	}

	user := &ceremonyUser{handle: sessionData.UserID, name: pending.Login}
	verified, err := e.webAuthn.CreateCredential(user, sessionData, parsed)
	if err != nil {
		return Registration{}, e.fail(span, apperrors.Wrap(apperrors.CodeAttestationVerificationFailed,
			"attestation verification failed", err))
	}

	// Uniqueness is global: no user may own this credential id already.
	encodedID := credential.EncodeID(verified.ID)
	owner, err := e.directory.FindUserByCredentialID(ctx, encodedID)
	switch {
	case err == nil:
		return Registration{}, e.fail(span, apperrors.WithMetadata(apperrors.CodeDuplicateCredential,
			"credential id is already registered",
			map[string]string{"credential_id": encodedID, "owner_login": owner.Login}))
	case errors.Is(err, directory.ErrUserNotFound):
		// Unique; proceed.
	default:
		return Registration{}, e.fail(span, err)
	}

	stored := credential.FromWebAuthn(verified, sessionData.UserID, e.clock().UTC())
	return Registration{
		Identity: Identity{
			Email:     pending.Login,
			FirstName: pending.FirstName,
			LastName:  pending.LastName,
		},
		Credential: stored,
	}, nil
}

// StartAuthentication builds assertion options for the login's registered
// credential and stores a fresh authentication challenge for the session.
func (e *Engine) StartAuthentication(ctx context.Context, sessionID string, login string) (*protocol.CredentialAssertion, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.start_authentication")
	defer span.End()

	if err := e.ready(); err != nil {
		return nil, e.fail(span, err)
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, e.fail(span, apperrors.New(apperrors.CodeInvalidRequest, "ceremony session id is required"))
	}
	normalized, err := NormalizeLogin(login)
	if err != nil {
		return nil, e.fail(span, err)
	}

	found, err := e.directory.FindUserByLogin(ctx, normalized)
	if err != nil {
		return nil, e.fail(span, err)
	}

	stored, err := credential.Decode(found.CredentialBlob)
	if err != nil {
		// No usable credential reads the same as no user to the caller.
		return nil, e.fail(span, apperrors.Wrap(apperrors.CodeUnknownUser,
			"stored credential is missing or unusable", err))
	}

	user := &ceremonyUser{
		handle:      stored.UserHandle,
		name:        found.Login,
		credentials: []webauthn.Credential{stored.WebAuthnCredential()},
	}

	assertion, sessionData, err := e.webAuthn.BeginLogin(user,
		webauthn.WithUserVerification(e.config.userVerification()))
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("begin authentication: %w", err))
	}

	identity := Identity{Email: normalized}
	if err := e.storeChallenge(ctx, sessionID, challenge.KindAuthentication, identity, sessionData); err != nil {
		return nil, e.fail(span, err)
	}
	return assertion, nil
}

// CompleteAuthentication verifies a client assertion, advances the signature
// counter in the directory, and returns the authenticated principal.
func (e *Engine) CompleteAuthentication(ctx context.Context, sessionID string, assertion []byte) (Principal, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.complete_authentication")
	defer span.End()

	if err := e.ready(); err != nil {
		return Principal{}, e.fail(span, err)
	}

	_, sessionData, err := e.takeChallenge(ctx, sessionID, challenge.KindAuthentication)
	if err != nil {
		return Principal{}, e.fail(span, err)
	}

	parsed, err := e.parser.ParseCredentialRequestResponseBytes(assertion)
	if err != nil {
		return Principal{}, e.fail(span, apperrors.Wrap(apperrors.CodeAssertionVerificationFailed,
			"assertion response is malformed", err))
	}

	if parsed.Response.CollectedClientData.Challenge != sessionData.Challenge {
		return Principal{}, e.fail(span, apperrors.New(apperrors.CodeChallengeMismatch,
			"assertion challenge does not match pending ceremony"))
	}

	// Resolve the claimed owner before verification: the stored public key
	// is needed to check the signature.
	encodedID := credential.EncodeID(parsed.RawID)
	owner, err := e.directory.FindUserByCredentialID(ctx, encodedID)
	if err != nil {
		return Principal{}, e.fail(span, err)
	}

	stored, err := credential.Decode(owner.CredentialBlob)
	if err != nil {
		return Principal{}, e.fail(span, apperrors.Wrap(apperrors.CodeUnknownUser,
			"stored credential is missing or unusable", err))
	}

	user := &ceremonyUser{
		handle:      stored.UserHandle,
		name:        owner.Login,
		credentials: []webauthn.Credential{stored.WebAuthnCredential()},
	}

	verified, err := e.webAuthn.ValidateLogin(user, sessionData, parsed)
	if err != nil {
		return Principal{}, e.fail(span, apperrors.Wrap(apperrors.CodeAssertionVerificationFailed,
			"assertion verification failed", err))
	}

	// A non-increasing nonzero counter means the private key may exist in
	// two places. Hard failure; the stored counter is left untouched.
	if verified.Authenticator.CloneWarning {
		return Principal{}, e.fail(span, apperrors.WithMetadata(apperrors.CodePossibleCloneDetected,
			"signature counter did not advance",
			map[string]string{
				"credential_id": encodedID,
				"login":         owner.Login,
			}))
	}

	// Read-verify-write counter update. Last writer wins: the directory
	// offers no compare-and-swap, so two concurrent authentications for the
	// same credential can race on this value.
	stored.SignatureCounter = verified.Authenticator.SignCount
	blob, err := credential.Encode(stored)
	if err != nil {
		return Principal{}, e.fail(span, err)
	}
	if err := e.directory.UpdateCredential(ctx, owner.ID, encodedID, blob); err != nil {
		return Principal{}, e.fail(span, err)
	}

	return Principal{
		UserID:      owner.ID,
		Login:       owner.Login,
		DisplayName: strings.TrimSpace(owner.FirstName + " " + owner.LastName),
	}, nil
}

// storeChallenge persists ceremony state, replacing any prior challenge for
// the session.
func (e *Engine) storeChallenge(ctx context.Context, sessionID string, kind challenge.Kind, identity Identity, sessionData *webauthn.SessionData) error {
	if sessionData == nil {
		return fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(sessionData)
	if err != nil {
		return fmt.Errorf("encode session data: %w", err)
	}
	now := e.clock().UTC()
	return e.challenges.Put(ctx, challenge.Session{
		SessionID: sessionID,
		Kind:      kind,
		Login:     identity.Email,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Data:      payload,
		CreatedAt: now,
		ExpiresAt: now.Add(e.config.ChallengeTTL),
	})
}

// takeChallenge consumes the pending challenge for the session. Challenges
// are single-use: the stored state is cleared whether or not the ceremony
// then succeeds.
func (e *Engine) takeChallenge(ctx context.Context, sessionID string, kind challenge.Kind) (challenge.Session, webauthn.SessionData, error) {
	pending, err := e.challenges.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return challenge.Session{}, webauthn.SessionData{}, err
		}
		return challenge.Session{}, webauthn.SessionData{}, fmt.Errorf("load challenge: %w", err)
	}
	_ = e.challenges.Delete(ctx, sessionID)

	if pending.Kind != kind {
		return challenge.Session{}, webauthn.SessionData{}, apperrors.New(apperrors.CodeNoPendingChallenge,
			"pending challenge belongs to a different ceremony kind")
	}

	var sessionData webauthn.SessionData
	if err := json.Unmarshal(pending.Data, &sessionData); err != nil {
		return challenge.Session{}, webauthn.SessionData{}, fmt.Errorf("decode session data: %w", err)
	}
	return pending, sessionData, nil
}

// fail records the error on the span and passes it through unchanged.
func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, string(apperrors.GetCode(err)))
	return err
}
