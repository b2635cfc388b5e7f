package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/oktadev/okta-webauthn-go/internal/ceremony"
	"github.com/oktadev/okta-webauthn-go/internal/credential"
	"github.com/oktadev/okta-webauthn-go/internal/directory"
	apperrors "github.com/oktadev/okta-webauthn-go/internal/platform/errors"
)

type fakeEngine struct {
	registration    ceremony.Registration
	registrationErr error
	principal       ceremony.Principal
	principalErr    error
	startRegErr     error
	startAuthErr    error
	lastSessionID   string
	lastIdentity    ceremony.Identity
	lastLogin       string
}

func (e *fakeEngine) StartRegistration(_ context.Context, sessionID string, identity ceremony.Identity) (*protocol.CredentialCreation, error) {
	e.lastSessionID = sessionID
	e.lastIdentity = identity
	if e.startRegErr != nil {
		return nil, e.startRegErr
	}
	creation := &protocol.CredentialCreation{}
	creation.Response.Challenge = protocol.URLEncodedBase64("registration-challenge")
	return creation, nil
}

func (e *fakeEngine) CompleteRegistration(_ context.Context, sessionID string, _ []byte) (ceremony.Registration, error) {
	e.lastSessionID = sessionID
	if e.registrationErr != nil {
		return ceremony.Registration{}, e.registrationErr
	}
	return e.registration, nil
}

func (e *fakeEngine) StartAuthentication(_ context.Context, sessionID string, login string) (*protocol.CredentialAssertion, error) {
	e.lastSessionID = sessionID
	e.lastLogin = login
	if e.startAuthErr != nil {
		return nil, e.startAuthErr
	}
	assertion := &protocol.CredentialAssertion{}
	assertion.Response.Challenge = protocol.URLEncodedBase64("authentication-challenge")
	return assertion, nil
}

func (e *fakeEngine) CompleteAuthentication(_ context.Context, sessionID string, _ []byte) (ceremony.Principal, error) {
	e.lastSessionID = sessionID
	if e.principalErr != nil {
		return ceremony.Principal{}, e.principalErr
	}
	return e.principal, nil
}

type fakeDirectory struct {
	users     map[string]directory.User
	created   []directory.NewUser
	updated   int
	createErr error
	updateErr error
	findErr   error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: make(map[string]directory.User)}
}

func (d *fakeDirectory) FindUserByLogin(_ context.Context, login string) (directory.User, error) {
	if d.findErr != nil {
		return directory.User{}, d.findErr
	}
	found, ok := d.users[login]
	if !ok {
		return directory.User{}, directory.ErrUserNotFound
	}
	return found, nil
}

func (d *fakeDirectory) FindUserByCredentialID(_ context.Context, credentialID string) (directory.User, error) {
	for _, found := range d.users {
		if found.CredentialID == credentialID {
			return found, nil
		}
	}
	return directory.User{}, directory.ErrUserNotFound
}

func (d *fakeDirectory) CreateUser(_ context.Context, profile directory.NewUser) (directory.User, error) {
	if d.createErr != nil {
		return directory.User{}, d.createErr
	}
	d.created = append(d.created, profile)
	created := directory.User{
		ID:             "dir-" + profile.Login,
		Login:          profile.Login,
		Email:          profile.Email,
		FirstName:      profile.FirstName,
		LastName:       profile.LastName,
		CredentialID:   profile.CredentialID,
		CredentialBlob: profile.CredentialBlob,
	}
	d.users[profile.Login] = created
	return created, nil
}

func (d *fakeDirectory) UpdateCredential(_ context.Context, _, _, _ string) error {
	d.updated++
	return d.updateErr
}

func newTestHandler(engine *fakeEngine, dir *fakeDirectory) *Handler {
	sessions := NewSessionManager(Config{
		SessionSecret: "test-secret-value",
		SessionTTL:    time.Hour,
	})
	h := NewHandler(engine, dir, sessions)
	h.newSessionID = func() (string, error) { return "minted-session", nil }
	return h
}

func findCookie(t *testing.T, res *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, cookie := range res.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func decodeError(t *testing.T, res *http.Response) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestCredentialOptions(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestHandler(engine, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/account/credential-options",
		strings.NewReader(`{"email":"a@x.com","firstName":"Ada","lastName":"Xu"}`))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if engine.lastSessionID != "minted-session" {
		t.Fatalf("session id = %q", engine.lastSessionID)
	}
	if engine.lastIdentity.Email != "a@x.com" || engine.lastIdentity.FirstName != "Ada" {
		t.Fatalf("identity = %+v", engine.lastIdentity)
	}

	cookie := findCookie(t, res, ceremonyCookieName)
	if cookie == nil || cookie.Value != "minted-session" {
		t.Fatalf("ceremony cookie = %v", cookie)
	}
	if !cookie.HttpOnly {
		t.Fatal("ceremony cookie must be HttpOnly")
	}
}

func TestCredentialOptionsReusesCeremonyCookie(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestHandler(engine, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/account/credential-options",
		strings.NewReader(`{"email":"a@x.com","firstName":"Ada","lastName":"Xu"}`))
	req.AddCookie(&http.Cookie{Name: ceremonyCookieName, Value: "existing-session"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if engine.lastSessionID != "existing-session" {
		t.Fatalf("session id = %q, want existing-session", engine.lastSessionID)
	}
}

func TestCredentialOptionsRejectsBadJSON(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/account/credential-options",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	if body := decodeError(t, res); body.Status != "error" || body.ErrorMessage == "" {
		t.Fatalf("body = %+v", body)
	}
}

func TestCredentialOptionsValidatesFields(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	cases := []string{
		`{}`,
		`{"email":"not-an-email","firstName":"Ada","lastName":"Xu"}`,
		`{"email":"a@x.com","firstName":"","lastName":"Xu"}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/account/credential-options",
			strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestSignUpWithoutCeremonyCookie(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/account/sign-up", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestSignUpCreatesUserAndSignsIn(t *testing.T) {
	engine := &fakeEngine{
		registration: ceremony.Registration{
			Identity: ceremony.Identity{Email: "a@x.com", FirstName: "Ada", LastName: "Xu"},
			Credential: credential.Stored{
				CredentialID:   []byte{1, 2, 3},
				PublicKey:      []byte("cose-key"),
				UserHandle:     []byte("handle"),
				CredentialType: "public-key",
				RegisteredAt:   time.Now().UTC(),
			},
		},
	}
	dir := newFakeDirectory()
	h := newTestHandler(engine, dir)

	req := httptest.NewRequest(http.MethodPost, "/account/sign-up", strings.NewReader("{}"))
	req.AddCookie(&http.Cookie{Name: ceremonyCookieName, Value: "existing-session"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", res.StatusCode)
	}

	var body signUpResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" || body.CredentialID == "" {
		t.Fatalf("body = %+v", body)
	}

	if len(dir.created) != 1 {
		t.Fatalf("created = %d, want 1", len(dir.created))
	}
	created := dir.created[0]
	if created.Login != "a@x.com" || created.CredentialID == "" || created.CredentialBlob == "" {
		t.Fatalf("created profile = %+v", created)
	}
	if _, err := credential.Decode(created.CredentialBlob); err != nil {
		t.Fatalf("created blob does not decode: %v", err)
	}

	session := findCookie(t, res, sessionCookieName)
	if session == nil || session.Value == "" {
		t.Fatal("expected a session cookie")
	}
	if cleared := findCookie(t, res, ceremonyCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatal("expected the ceremony cookie to be cleared")
	}
}

func TestSignUpUpdatesExistingUser(t *testing.T) {
	engine := &fakeEngine{
		registration: ceremony.Registration{
			Identity: ceremony.Identity{Email: "a@x.com", FirstName: "Ada", LastName: "Xu"},
			Credential: credential.Stored{
				CredentialID: []byte{4, 5, 6},
				PublicKey:    []byte("new-key"),
				UserHandle:   []byte("handle"),
			},
		},
	}
	dir := newFakeDirectory()
	dir.users["a@x.com"] = directory.User{ID: "dir-a@x.com", Login: "a@x.com"}
	h := newTestHandler(engine, dir)

	req := httptest.NewRequest(http.MethodPost, "/account/sign-up", strings.NewReader("{}"))
	req.AddCookie(&http.Cookie{Name: ceremonyCookieName, Value: "existing-session"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if dir.updated != 1 {
		t.Fatalf("updates = %d, want 1", dir.updated)
	}
	if len(dir.created) != 0 {
		t.Fatalf("created = %d, want 0", len(dir.created))
	}
}

func TestSignUpPersistenceFailureIsPartial(t *testing.T) {
	engine := &fakeEngine{
		registration: ceremony.Registration{
			Identity:   ceremony.Identity{Email: "a@x.com"},
			Credential: credential.Stored{CredentialID: []byte{1}, PublicKey: []byte("k"), UserHandle: []byte("h")},
		},
	}
	dir := newFakeDirectory()
	dir.createErr = apperrors.New(apperrors.CodeDirectoryUnavailable, "directory is unreachable")
	h := newTestHandler(engine, dir)

	req := httptest.NewRequest(http.MethodPost, "/account/sign-up", strings.NewReader("{}"))
	req.AddCookie(&http.Cookie{Name: ceremonyCookieName, Value: "existing-session"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.StatusCode)
	}
	body := decodeError(t, res)
	if !strings.Contains(body.ErrorMessage, "could not be created") {
		t.Fatalf("message = %q", body.ErrorMessage)
	}
	if session := findCookie(t, res, sessionCookieName); session != nil {
		t.Fatal("no session cookie after a partial failure")
	}
}

func TestSignUpDuplicateCredential(t *testing.T) {
	engine := &fakeEngine{
		registrationErr: apperrors.New(apperrors.CodeDuplicateCredential, "credential id is already registered"),
	}
	h := newTestHandler(engine, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/account/sign-up", strings.NewReader("{}"))
	req.AddCookie(&http.Cookie{Name: ceremonyCookieName, Value: "existing-session"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestAssertionOptions(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestHandler(engine, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/signin/assertion-options",
		strings.NewReader("username=a%40x.com"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if engine.lastLogin != "a@x.com" {
		t.Fatalf("login = %q", engine.lastLogin)
	}
}

func TestAssertionOptionsRequiresUsername(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/signin/assertion-options", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAssertionOptionsUnknownUser(t *testing.T) {
	engine := &fakeEngine{startAuthErr: directory.ErrUserNotFound}
	h := newTestHandler(engine, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/signin/assertion-options",
		strings.NewReader("username=missing%40x.com"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAssertionSignsIn(t *testing.T) {
	engine := &fakeEngine{
		principal: ceremony.Principal{UserID: "dir-1", Login: "a@x.com", DisplayName: "Ada Xu"},
	}
	h := newTestHandler(engine, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/signin/assertion", strings.NewReader("{}"))
	req.AddCookie(&http.Cookie{Name: ceremonyCookieName, Value: "existing-session"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	session := findCookie(t, res, sessionCookieName)
	if session == nil {
		t.Fatal("expected a session cookie")
	}
	principal, err := h.sessions.Verify(session.Value)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if principal.Login != "a@x.com" || principal.UserID != "dir-1" {
		t.Fatalf("principal = %+v", principal)
	}
}

func TestAssertionCloneDetected(t *testing.T) {
	engine := &fakeEngine{
		principalErr: apperrors.New(apperrors.CodePossibleCloneDetected, "signature counter did not advance"),
	}
	h := newTestHandler(engine, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/signin/assertion", strings.NewReader("{}"))
	req.AddCookie(&http.Cookie{Name: ceremonyCookieName, Value: "existing-session"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
	if session := findCookie(t, res, sessionCookieName); session != nil {
		t.Fatal("no session cookie after clone detection")
	}
}

func TestProfileRequiresSession(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", res.StatusCode)
	}
	if loc := res.Header.Get("Location"); loc != "/signin" {
		t.Fatalf("location = %q", loc)
	}
}

func TestProfileRendersUser(t *testing.T) {
	dir := newFakeDirectory()
	blob, err := credential.Encode(credential.Stored{
		CredentialID: []byte{1, 2, 3},
		PublicKey:    []byte("k"),
		UserHandle:   []byte("h"),
		RegisteredAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("encode blob: %v", err)
	}
	dir.users["a@x.com"] = directory.User{
		ID:             "dir-1",
		Login:          "a@x.com",
		Email:          "a@x.com",
		FirstName:      "Ada",
		LastName:       "Xu",
		CredentialID:   credential.EncodeID([]byte{1, 2, 3}),
		CredentialBlob: blob,
	}
	h := newTestHandler(&fakeEngine{}, dir)

	token, err := h.sessions.Issue(ceremony.Principal{UserID: "dir-1", Login: "a@x.com", DisplayName: "Ada Xu"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	page := rec.Body.String()
	if !strings.Contains(page, "a@x.com") || !strings.Contains(page, "Ada") {
		t.Fatalf("page does not show the profile: %s", page)
	}
}

func TestProfileAsJSON(t *testing.T) {
	dir := newFakeDirectory()
	dir.users["a@x.com"] = directory.User{
		ID:           "dir-1",
		Login:        "a@x.com",
		Email:        "a@x.com",
		FirstName:    "Ada",
		LastName:     "Xu",
		CredentialID: "AQID",
	}
	h := newTestHandler(&fakeEngine{}, dir)

	token, err := h.sessions.Issue(ceremony.Principal{UserID: "dir-1", Login: "a@x.com"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["email"] != "a@x.com" || body["credentialId"] != "AQID" {
		t.Fatalf("body = %v", body)
	}
}

func TestProfileRejectsTamperedToken(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "not.a.token"})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
}

func TestSignOutClearsSession(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/signout", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", res.StatusCode)
	}
	cleared := findCookie(t, res, sessionCookieName)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatal("expected the session cookie to be cleared")
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHomeShowsSignedInUser(t *testing.T) {
	h := newTestHandler(&fakeEngine{}, newFakeDirectory())

	token, err := h.sessions.Issue(ceremony.Principal{UserID: "dir-1", Login: "a@x.com", DisplayName: "Ada Xu"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Ada Xu") {
		t.Fatal("home page does not show the signed-in user")
	}
}

func TestErrorBodyShape(t *testing.T) {
	engine := &fakeEngine{
		startAuthErr: apperrors.New(apperrors.CodeUnknownUser, "no account for that email"),
	}
	h := newTestHandler(engine, newFakeDirectory())

	req := httptest.NewRequest(http.MethodPost, "/signin/assertion-options",
		strings.NewReader("username=missing%40x.com"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	res := rec.Result()
	body := decodeError(t, res)
	if body.Status != "error" {
		t.Fatalf("status field = %q", body.Status)
	}
	if body.ErrorMessage != "no account for that email" {
		t.Fatalf("errorMessage = %q", body.ErrorMessage)
	}

	var raw map[string]json.RawMessage
	req = httptest.NewRequest(http.MethodPost, "/signin/assertion-options",
		strings.NewReader("username=missing%40x.com"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("error body is not an object: %v", err)
	}
	if _, ok := raw["errorMessage"]; !ok {
		t.Fatal("error body is missing errorMessage")
	}
}
