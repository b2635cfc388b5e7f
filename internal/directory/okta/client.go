// Package okta implements the directory adapter over the Okta Users API.
package okta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oktadev/okta-webauthn-go/internal/directory"
	apperrors "github.com/oktadev/okta-webauthn-go/internal/platform/errors"
)

// Profile attribute names for the two credential fields. Both are custom
// string attributes on the directory's default user schema.
const (
	attrCredentialID   = "credentialId"
	attrCredentialBlob = "credentialBlob"
)

// Client talks to one Okta org with an API token.
type Client struct {
	orgURL     string
	apiToken   string
	httpClient *http.Client
}

// NewClient builds a directory client for the configured org.
func NewClient(cfg Config) (*Client, error) {
	orgURL := strings.TrimRight(strings.TrimSpace(cfg.OrgURL), "/")
	if orgURL == "" {
		return nil, fmt.Errorf("okta org url is required")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("okta api token is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		orgURL:     orgURL,
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// profile is the wire form of the user profile fields this service touches.
type profile struct {
	Login          string `json:"login,omitempty"`
	Email          string `json:"email,omitempty"`
	FirstName      string `json:"firstName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
	CredentialID   string `json:"credentialId,omitempty"`
	CredentialBlob string `json:"credentialBlob,omitempty"`
}

type userResource struct {
	ID      string  `json:"id"`
	Status  string  `json:"status"`
	Profile profile `json:"profile"`
}

func toDirectoryUser(resource userResource) directory.User {
	return directory.User{
		ID:             resource.ID,
		Login:          resource.Profile.Login,
		Email:          resource.Profile.Email,
		FirstName:      resource.Profile.FirstName,
		LastName:       resource.Profile.LastName,
		CredentialID:   resource.Profile.CredentialID,
		CredentialBlob: resource.Profile.CredentialBlob,
	}
}

// CreateUser creates and activates a directory user.
func (c *Client) CreateUser(ctx context.Context, newUser directory.NewUser) (directory.User, error) {
	body := map[string]profile{
		"profile": {
			Login:          newUser.Login,
			Email:          newUser.Email,
			FirstName:      newUser.FirstName,
			LastName:       newUser.LastName,
			CredentialID:   newUser.CredentialID,
			CredentialBlob: newUser.CredentialBlob,
		},
	}

	var created userResource
	if err := c.do(ctx, http.MethodPost, "/api/v1/users?activate=true", body, &created); err != nil {
		return directory.User{}, err
	}
	return toDirectoryUser(created), nil
}

// FindUserByLogin fetches a user by login identifier.
func (c *Client) FindUserByLogin(ctx context.Context, login string) (directory.User, error) {
	if strings.TrimSpace(login) == "" {
		return directory.User{}, directory.ErrUserNotFound
	}

	var found userResource
	err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(login), nil, &found)
	if err != nil {
		return directory.User{}, err
	}
	return toDirectoryUser(found), nil
}

// FindUserByCredentialID searches the flat credential-id profile attribute.
func (c *Client) FindUserByCredentialID(ctx context.Context, credentialID string) (directory.User, error) {
	if strings.TrimSpace(credentialID) == "" {
		return directory.User{}, directory.ErrUserNotFound
	}

	search := fmt.Sprintf("profile.%s eq %q", attrCredentialID, credentialID)
	path := "/api/v1/users?limit=2&search=" + url.QueryEscape(search)

	var matches []userResource
	if err := c.do(ctx, http.MethodGet, path, nil, &matches); err != nil {
		return directory.User{}, err
	}
	switch len(matches) {
	case 0:
		return directory.User{}, directory.ErrUserNotFound
	case 1:
		return toDirectoryUser(matches[0]), nil
	default:
		// The registration uniqueness check makes this unreachable unless
		// the index attribute was edited out of band.
		return directory.User{}, apperrors.WithMetadata(apperrors.CodeDirectoryRequestFailed,
			"credential id indexed to multiple users",
			map[string]string{"credential_id": credentialID})
	}
}

// UpdateCredential replaces the user's credential attributes via a partial
// profile update.
func (c *Client) UpdateCredential(ctx context.Context, userID, credentialID, blob string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	body := map[string]map[string]string{
		"profile": {
			attrCredentialID:   credentialID,
			attrCredentialBlob: blob,
		},
	}
	return c.do(ctx, http.MethodPost, "/api/v1/users/"+url.PathEscape(userID), body, nil)
}

// do executes one directory request and maps failures to the domain taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.orgURL+path, reader)
	if err != nil {
		return fmt.Errorf("build directory request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "SSWS "+c.apiToken)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDirectoryUnavailable, "directory is unreachable", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return directory.ErrUserNotFound
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return apperrors.WithMetadata(apperrors.CodeDirectoryRequestFailed,
			"directory request failed",
			map[string]string{
				"status": response.Status,
				"path":   path,
				"detail": readErrorSummary(response.Body),
			})
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeDirectoryRequestFailed, "decode directory response", err)
	}
	return nil
}

// readErrorSummary extracts the Okta error summary when present, without
// assuming the body is well formed.
func readErrorSummary(body io.Reader) string {
	payload, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var parsed struct {
		ErrorSummary string `json:"errorSummary"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return ""
	}
	return parsed.ErrorSummary
}
