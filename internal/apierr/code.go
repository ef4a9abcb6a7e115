// Package apierr defines the stable error-kind vocabulary returned to clients across the
// AS and DS HTTP/WebSocket surfaces, independent of the Go error values used internally.
package apierr

// Code is a stable, machine-readable error kind returned in HTTP and close-frame error
// bodies. Values are part of the wire contract and must not be renumbered or renamed
// once published.
type Code string

const (
	ValidationError  Code = "validation_error"
	InvalidBody      Code = "invalid_body"
	Unauthorised     Code = "unauthorised"
	Forbidden        Code = "forbidden"
	NotFound         Code = "not_found"
	Conflict         Code = "conflict"
	RateLimited      Code = "rate_limited"
	InternalError    Code = "internal_error"
	EpochMismatch    Code = "epoch_mismatch"
	PolicyRejected   Code = "policy_rejected"
	NotPreApproved   Code = "not_pre_approved"
	CredentialReused Code = "credential_reused"
)
