// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, not_found) mirror common HTTP status
//     semantics. The 401, 429 and 500 envelopes written by middleware carry
//     their own codes (unauthorized, rate_limited, internal_error).
//   - Domain-specific codes (e.g., send_failed, push_failed) are reserved for
//     server-side failures of a specific operation.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "forbidden",
//	  "message": "not a participant of this conversation"
//	}
package handlers

const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeForbidden  = "forbidden"
	ErrCodeNotFound   = "not_found"

	// Domain-specific:
	ErrCodeSendFailed       = "send_failed"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeUpdateFailed     = "update_failed"
	ErrCodePushFailed       = "push_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
