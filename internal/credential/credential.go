// Package credential models the durable record of a registered authenticator
// and its serialized form inside a directory profile attribute.
package credential

import (
	"encoding/base64"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// Stored is the durable record of one registered authenticator.
//
// The identity directory never interprets this record; it travels as an
// opaque serialized blob inside a single user-profile attribute.
type Stored struct {
	CredentialID     []byte
	PublicKey        []byte
	UserHandle       []byte
	SignatureCounter uint32
	CredentialType   string
	AttestationGUID  string
	RegisteredAt     time.Time
}

// FromWebAuthn builds a stored record from a verified library credential.
func FromWebAuthn(cred *webauthn.Credential, userHandle []byte, registeredAt time.Time) Stored {
	guid := ""
	if parsed, err := uuid.FromBytes(cred.Authenticator.AAGUID); err == nil {
		guid = parsed.String()
	}
	return Stored{
		CredentialID:     cred.ID,
		PublicKey:        cred.PublicKey,
		UserHandle:       userHandle,
		SignatureCounter: cred.Authenticator.SignCount,
		CredentialType:   string(protocol.PublicKeyCredentialType),
		AttestationGUID:  guid,
		RegisteredAt:     registeredAt.UTC(),
	}
}

// WebAuthnCredential rebuilds the library credential used for verification.
func (s Stored) WebAuthnCredential() webauthn.Credential {
	var aaguid []byte
	if parsed, err := uuid.Parse(s.AttestationGUID); err == nil {
		aaguid = parsed[:]
	}
	return webauthn.Credential{
		ID:              s.CredentialID,
		PublicKey:       s.PublicKey,
		AttestationType: "",
		Authenticator: webauthn.Authenticator{
			AAGUID:    aaguid,
			SignCount: s.SignatureCounter,
		},
	}
}

// Descriptor returns the descriptor advertised in assertion options.
func (s Stored) Descriptor() protocol.CredentialDescriptor {
	return protocol.CredentialDescriptor{
		Type:         protocol.PublicKeyCredentialType,
		CredentialID: s.CredentialID,
	}
}

// EncodeID renders a raw credential ID in the flat, searchable form the
// directory indexes.
func EncodeID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
