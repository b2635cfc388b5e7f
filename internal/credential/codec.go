package credential

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/oktadev/okta-webauthn-go/internal/platform/errors"
)

// envelopeVersion tags the serialized format so the layout can evolve
// without corrupting older records.
const envelopeVersion = 1

// envelope is the wire form of a Stored record. Raw byte fields are base64url
// encoded so the blob survives any text-only attribute store byte-exact.
type envelope struct {
	Version          int    `json:"v"`
	CredentialID     string `json:"credentialId"`
	PublicKey        string `json:"publicKey"`
	UserHandle       string `json:"userHandle"`
	SignatureCounter uint32 `json:"signatureCounter"`
	CredentialType   string `json:"credentialType"`
	AttestationGUID  string `json:"attestationGuid"`
	RegisteredAt     int64  `json:"registeredAt"`
}

// Encode serializes a stored credential into the directory attribute form.
func Encode(s Stored) (string, error) {
	payload, err := json.Marshal(envelope{
		Version:          envelopeVersion,
		CredentialID:     base64.RawURLEncoding.EncodeToString(s.CredentialID),
		PublicKey:        base64.RawURLEncoding.EncodeToString(s.PublicKey),
		UserHandle:       base64.RawURLEncoding.EncodeToString(s.UserHandle),
		SignatureCounter: s.SignatureCounter,
		CredentialType:   s.CredentialType,
		AttestationGUID:  s.AttestationGUID,
		RegisteredAt:     s.RegisteredAt.UTC().UnixMilli(),
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeCorruptRecord, "encode credential record", err)
	}
	return string(payload), nil
}

// Decode parses the directory attribute form back into a stored credential.
//
// Any failure is a CorruptRecord error; callers treat it as "user has no
// usable credential" rather than a fault.
func Decode(value string) (Stored, error) {
	if strings.TrimSpace(value) == "" {
		return Stored{}, apperrors.New(apperrors.CodeCorruptRecord, "credential record is empty")
	}

	var env envelope
	if err := json.Unmarshal([]byte(value), &env); err != nil {
		return Stored{}, apperrors.Wrap(apperrors.CodeCorruptRecord, "decode credential record", err)
	}
	if env.Version != envelopeVersion {
		return Stored{}, apperrors.WithMetadata(apperrors.CodeCorruptRecord, "unsupported credential record version",
			map[string]string{"version": strconv.Itoa(env.Version)})
	}

	credentialID, err := base64.RawURLEncoding.DecodeString(env.CredentialID)
	if err != nil {
		return Stored{}, apperrors.Wrap(apperrors.CodeCorruptRecord, "decode credential id", err)
	}
	publicKey, err := base64.RawURLEncoding.DecodeString(env.PublicKey)
	if err != nil {
		return Stored{}, apperrors.Wrap(apperrors.CodeCorruptRecord, "decode public key", err)
	}
	userHandle, err := base64.RawURLEncoding.DecodeString(env.UserHandle)
	if err != nil {
		return Stored{}, apperrors.Wrap(apperrors.CodeCorruptRecord, "decode user handle", err)
	}
	if len(credentialID) == 0 || len(publicKey) == 0 {
		return Stored{}, apperrors.New(apperrors.CodeCorruptRecord, "credential record missing required fields")
	}

	return Stored{
		CredentialID:     credentialID,
		PublicKey:        publicKey,
		UserHandle:       userHandle,
		SignatureCounter: env.SignatureCounter,
		CredentialType:   env.CredentialType,
		AttestationGUID:  env.AttestationGUID,
		RegisteredAt:     time.UnixMilli(env.RegisteredAt).UTC(),
	}, nil
}
