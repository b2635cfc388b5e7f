package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/oktadev/okta-webauthn-go/internal/ceremony"
	"github.com/oktadev/okta-webauthn-go/internal/credential"
	"github.com/oktadev/okta-webauthn-go/internal/directory"
	apperrors "github.com/oktadev/okta-webauthn-go/internal/platform/errors"
	"github.com/oktadev/okta-webauthn-go/internal/platform/id"
)

// maxBodyBytes bounds ceremony request bodies. Attestation objects are the
// largest payload and stay well under this.
const maxBodyBytes = 1 << 20

// Engine is the ceremony surface the handler drives.
type Engine interface {
	StartRegistration(ctx context.Context, sessionID string, identity ceremony.Identity) (*protocol.CredentialCreation, error)
	CompleteRegistration(ctx context.Context, sessionID string, attestation []byte) (ceremony.Registration, error)
	StartAuthentication(ctx context.Context, sessionID string, login string) (*protocol.CredentialAssertion, error)
	CompleteAuthentication(ctx context.Context, sessionID string, assertion []byte) (ceremony.Principal, error)
}

// Handler serves the ceremony endpoints and pages.
type Handler struct {
	engine       Engine
	directory    directory.Directory
	sessions     *SessionManager
	validate     *validator.Validate
	newSessionID func() (string, error)
}

// NewHandler builds the web handler.
func NewHandler(engine Engine, dir directory.Directory, sessions *SessionManager) *Handler {
	return &Handler{
		engine:       engine,
		directory:    dir,
		sessions:     sessions,
		validate:     validator.New(),
		newSessionID: id.NewID,
	}
}

// Router mounts all routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.handleHome)
	r.Get("/healthz", h.handleHealth)

	r.Get("/account/register", h.handleRegisterPage)
	r.Post("/account/credential-options", h.handleCredentialOptions)
	r.Post("/account/sign-up", h.handleSignUp)

	r.Get("/signin", h.handleSignInPage)
	r.Post("/signin/assertion-options", h.handleAssertionOptions)
	r.Post("/signin/assertion", h.handleAssertion)

	r.With(h.requireSession).Get("/profile", h.handleProfile)
	r.Post("/signout", h.handleSignOut)

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServerFS(staticFS)))

	return r
}

type statusResponse struct {
	Status string `json:"status"`
}

type signUpResponse struct {
	Status       string `json:"status"`
	CredentialID string `json:"credentialId"`
}

type errorResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps a domain error to its HTTP status and uniform error
// body, logging security-relevant codes distinctly.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)

	if code.SecuritySensitive() {
		log.Printf("security event: code=%s path=%s metadata=%v: %v",
			code, r.URL.Path, apperrors.GetMetadata(err), err)
	} else {
		log.Printf("request failed: code=%s path=%s: %v", code, r.URL.Path, err)
	}

	message := "internal error"
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	writeJSON(w, code.HTTPStatus(), errorResponse{Status: "error", ErrorMessage: message})
}

func (h *Handler) writeInvalidRequest(w http.ResponseWriter, r *http.Request, message string) {
	h.writeDomainError(w, r, apperrors.New(apperrors.CodeInvalidRequest, message))
}

// ceremonySessionID returns the ceremony session bound to the request,
// minting a fresh one when the request carries none.
func (h *Handler) ceremonySessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	if sessionID, ok := readCookie(r, ceremonyCookieName); ok {
		return sessionID, nil
	}
	sessionID, err := h.newSessionID()
	if err != nil {
		return "", err
	}
	h.sessions.writeCeremonyCookie(w, sessionID)
	return sessionID, nil
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
}

func (h *Handler) handleCredentialOptions(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeInvalidRequest(w, r, "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeInvalidRequest(w, r, "email, firstName and lastName are required")
		return
	}

	sessionID, err := h.ceremonySessionID(w, r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	options, err := h.engine.StartRegistration(r.Context(), sessionID, ceremony.Identity{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := readCookie(r, ceremonyCookieName)
	if !ok {
		h.writeDomainError(w, r, apperrors.New(apperrors.CodeNoPendingChallenge,
			"no ceremony in progress for this session"))
		return
	}

	attestation, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeInvalidRequest(w, r, "attestation body could not be read")
		return
	}

	registration, err := h.engine.CompleteRegistration(r.Context(), sessionID, attestation)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	user, err := h.persistRegistration(r.Context(), registration)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.sessions.clearCeremonyCookie(w)
	h.signIn(w, ceremony.Principal{
		UserID:      user.ID,
		Login:       user.Login,
		DisplayName: displayName(user),
	})
	writeJSON(w, http.StatusCreated, signUpResponse{
		Status:       "ok",
		CredentialID: user.CredentialID,
	})
}

// persistRegistration writes the verified credential to the directory. The
// ceremony already succeeded, so any failure here is a partial failure: the
// authenticator holds a credential the directory does not know about.
func (h *Handler) persistRegistration(ctx context.Context, registration ceremony.Registration) (directory.User, error) {
	blob, err := credential.Encode(registration.Credential)
	if err != nil {
		return directory.User{}, apperrors.Wrap(apperrors.CodePartialRegistrationFailure,
			"credential was verified but could not be serialized", err)
	}
	credentialID := credential.EncodeID(registration.Credential.CredentialID)

	existing, err := h.directory.FindUserByLogin(ctx, registration.Identity.Email)
	switch {
	case err == nil:
		if err := h.directory.UpdateCredential(ctx, existing.ID, credentialID, blob); err != nil {
			return directory.User{}, apperrors.Wrap(apperrors.CodePartialRegistrationFailure,
				"credential was verified but could not be saved", err)
		}
		existing.CredentialID = credentialID
		existing.CredentialBlob = blob
		return existing, nil
	case errors.Is(err, directory.ErrUserNotFound):
		created, err := h.directory.CreateUser(ctx, directory.NewUser{
			Login:          registration.Identity.Email,
			Email:          registration.Identity.Email,
			FirstName:      registration.Identity.FirstName,
			LastName:       registration.Identity.LastName,
			CredentialID:   credentialID,
			CredentialBlob: blob,
		})
		if err != nil {
			return directory.User{}, apperrors.Wrap(apperrors.CodePartialRegistrationFailure,
				"credential was verified but the account could not be created", err)
		}
		return created, nil
	default:
		return directory.User{}, apperrors.Wrap(apperrors.CodePartialRegistrationFailure,
			"credential was verified but the directory could not be read", err)
	}
}

func (h *Handler) handleAssertionOptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeInvalidRequest(w, r, "request form could not be parsed")
		return
	}
	username := r.FormValue("username")
	if username == "" {
		h.writeInvalidRequest(w, r, "username is required")
		return
	}

	sessionID, err := h.ceremonySessionID(w, r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	options, err := h.engine.StartAuthentication(r.Context(), sessionID, username)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (h *Handler) handleAssertion(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := readCookie(r, ceremonyCookieName)
	if !ok {
		h.writeDomainError(w, r, apperrors.New(apperrors.CodeNoPendingChallenge,
			"no ceremony in progress for this session"))
		return
	}

	assertion, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeInvalidRequest(w, r, "assertion body could not be read")
		return
	}

	principal, err := h.engine.CompleteAuthentication(r.Context(), sessionID, assertion)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.sessions.clearCeremonyCookie(w)
	h.signIn(w, principal)
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) signIn(w http.ResponseWriter, principal ceremony.Principal) {
	token, err := h.sessions.Issue(principal)
	if err != nil {
		log.Printf("issue session token: %v", err)
		return
	}
	h.sessions.writeSessionCookie(w, token)
}

type principalContextKey struct{}

// requireSession verifies the session cookie and redirects anonymous
// requests to the sign-in page.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := readCookie(r, sessionCookieName)
		if !ok {
			http.Redirect(w, r, "/signin", http.StatusSeeOther)
			return
		}
		principal, err := h.sessions.Verify(token)
		if err != nil {
			h.sessions.clearSessionCookie(w)
			http.Redirect(w, r, "/signin", http.StatusSeeOther)
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) (ceremony.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(ceremony.Principal)
	return principal, ok
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	h.sessions.clearSessionCookie(w)
	h.sessions.clearCeremonyCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func displayName(user directory.User) string {
	name := user.FirstName
	if user.LastName != "" {
		if name != "" {
			name += " "
		}
		name += user.LastName
	}
	if name == "" {
		name = user.Login
	}
	return name
}
