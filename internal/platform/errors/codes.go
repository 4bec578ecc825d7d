// Package errors provides structured, coded error handling for the
// orchestrator control plane.
package errors

import "net/http"

// Code is a machine-readable error code. Ticket and availability codes are
// part of the control-plane wire contract and must not be renamed.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "unknown"

	// Ticket errors. All client-facing, never auto-retried.
	CodeTicketMalformed       Code = "ticket_malformed"
	CodeTicketBadSignature    Code = "ticket_bad_signature"
	CodeTicketNotFound        Code = "ticket_not_found"
	CodeTicketAlreadyConsumed Code = "ticket_already_consumed"
	CodeTicketExpired         Code = "ticket_expired"
	CodeTicketTargetMismatch  Code = "ticket_target_mismatch"

	// Authorization errors for internal routes.
	CodeUnauthorized Code = "unauthorized"

	// Availability errors. Callers may retry bootstrap or re-request
	// a transfer.
	CodeNoReadyMaps       Code = "no_ready_maps"
	CodeTargetMapNotReady Code = "target_map_not_ready"
	CodeInstanceNotFound  Code = "instance_not_found"

	// Transfer errors.
	CodeTransferNotFound Code = "transfer_not_found"
	CodeTransferExpired  Code = "transfer_expired"

	// Identity grant errors.
	CodeIdentityGrantInvalid Code = "identity_grant_invalid"
	CodeIdentityGrantExpired Code = "identity_grant_expired"

	// Validation errors on control-plane payloads.
	CodeInvalidArgument Code = "invalid_argument"

	// Storage errors.
	CodeNotFound Code = "not_found"
)

// HTTPStatus maps an error code to the control-plane HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeTicketMalformed, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeTicketBadSignature, CodeUnauthorized, CodeIdentityGrantInvalid, CodeIdentityGrantExpired:
		return http.StatusUnauthorized
	case CodeTicketTargetMismatch:
		return http.StatusForbidden
	case CodeTicketNotFound, CodeInstanceNotFound, CodeTransferNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeTicketAlreadyConsumed:
		return http.StatusConflict
	case CodeTicketExpired, CodeTransferExpired:
		return http.StatusGone
	case CodeNoReadyMaps, CodeTargetMapNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
