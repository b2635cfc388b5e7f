// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Ceremony errors
	CodeNoPendingChallenge            Code = "NO_PENDING_CHALLENGE"
	CodeChallengeMismatch             Code = "CHALLENGE_MISMATCH"
	CodeAttestationVerificationFailed Code = "ATTESTATION_VERIFICATION_FAILED"
	CodeAssertionVerificationFailed   Code = "ASSERTION_VERIFICATION_FAILED"
	CodeDuplicateCredential           Code = "DUPLICATE_CREDENTIAL"
	CodePossibleCloneDetected         Code = "POSSIBLE_CLONE_DETECTED"

	// Identity errors
	CodeUnknownUser    Code = "UNKNOWN_USER"
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// Credential record errors
	CodeCorruptRecord Code = "CORRUPT_RECORD"

	// Directory errors
	CodeDirectoryUnavailable   Code = "DIRECTORY_UNAVAILABLE"
	CodeDirectoryRequestFailed Code = "DIRECTORY_REQUEST_FAILED"

	// Registration persistence errors
	CodePartialRegistrationFailure Code = "PARTIAL_REGISTRATION_FAILURE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest,
		CodeChallengeMismatch,
		CodeAttestationVerificationFailed,
		CodeAssertionVerificationFailed:
		return http.StatusBadRequest
	case CodeNoPendingChallenge:
		return http.StatusConflict
	case CodeDuplicateCredential:
		return http.StatusConflict
	case CodeUnknownUser:
		return http.StatusNotFound
	case CodePossibleCloneDetected:
		return http.StatusForbidden
	case CodeDirectoryUnavailable:
		return http.StatusServiceUnavailable
	case CodeDirectoryRequestFailed,
		CodeCorruptRecord,
		CodePartialRegistrationFailure,
		CodeUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// SecuritySensitive reports whether the code marks a security-relevant
// failure that must be distinguishable in logs from ordinary user error.
func (c Code) SecuritySensitive() bool {
	switch c {
	case CodePossibleCloneDetected, CodeDuplicateCredential:
		return true
	default:
		return false
	}
}
