package web

import (
	"embed"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/oktadev/okta-webauthn-go/internal/ceremony"
	"github.com/oktadev/okta-webauthn-go/internal/credential"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticRoot embed.FS

var staticFS = func() fs.FS {
	sub, err := fs.Sub(staticRoot, "static")
	if err != nil {
		panic(err)
	}
	return sub
}()

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

func renderPage(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		log.Printf("render %s: %v", name, err)
	}
}

type homeData struct {
	Principal *ceremony.Principal
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := homeData{}
	if token, ok := readCookie(r, sessionCookieName); ok {
		if principal, err := h.sessions.Verify(token); err == nil {
			data.Principal = &principal
		}
	}
	renderPage(w, "home.html", data)
}

func (h *Handler) handleRegisterPage(w http.ResponseWriter, _ *http.Request) {
	renderPage(w, "register.html", nil)
}

func (h *Handler) handleSignInPage(w http.ResponseWriter, _ *http.Request) {
	renderPage(w, "signin.html", nil)
}

type profileData struct {
	Principal    ceremony.Principal
	Email        string
	FirstName    string
	LastName     string
	CredentialID string
	RegisteredAt string
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		http.Redirect(w, r, "/signin", http.StatusSeeOther)
		return
	}

	user, err := h.directory.FindUserByLogin(r.Context(), principal.Login)
	if err != nil {
		log.Printf("load profile for %s: %v", principal.Login, err)
		http.Error(w, "profile is unavailable", http.StatusServiceUnavailable)
		return
	}

	data := profileData{
		Principal:    principal,
		Email:        user.Email,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		CredentialID: user.CredentialID,
	}
	if stored, err := credential.Decode(user.CredentialBlob); err == nil {
		data.RegisteredAt = stored.RegisteredAt.Format(time.RFC1123)
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{
			"email":        data.Email,
			"firstName":    data.FirstName,
			"lastName":     data.LastName,
			"credentialId": data.CredentialID,
			"registeredAt": data.RegisteredAt,
		})
		return
	}
	renderPage(w, "profile.html", data)
}

// wantsJSON reports whether the client asked for a JSON representation.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
