package core

import (
	"errors"

	"github.com/drand/sealed/ledger"
)

var (
	// ErrUnknownRecord is returned for operations on a record id that was
	// never submitted.
	ErrUnknownRecord = errors.New("unknown record")
	// ErrAlreadyRevealed is returned when a record already holds its reveal.
	ErrAlreadyRevealed = errors.New("record already revealed")
	// ErrRequestAlreadyPending is returned when a decryption request is still
	// outstanding for the record.
	ErrRequestAlreadyPending = errors.New("decryption request already pending")
	// ErrNoPendingRequest is returned when abandoning a record that has no
	// outstanding request.
	ErrNoPendingRequest = errors.New("no pending decryption request")
	// ErrUnknownRequest is returned for a callback naming a request id that is
	// not pending: never issued, or already retired.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrProofInvalid is returned when the oracle proof of a callback does not
	// verify.
	ErrProofInvalid = errors.New("invalid decryption proof")
	// ErrDuplicateRequestID is returned when the oracle hands out a request id
	// that is pending or was retired.
	ErrDuplicateRequestID = errors.New("duplicate request id")
	// ErrMalformedInput is returned for structurally invalid input.
	ErrMalformedInput = errors.New("malformed input")
)

// IsSecurityEvent reports whether err denotes a callback that may be forged
// or replayed, as opposed to ordinary misuse.
func IsSecurityEvent(err error) bool {
	return errors.Is(err, ErrProofInvalid) || errors.Is(err, ErrUnknownRequest)
}

// reason maps err to the label used in metrics.
func reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUnknownRecord):
		return "unknown_record"
	case errors.Is(err, ErrAlreadyRevealed):
		return "already_revealed"
	case errors.Is(err, ErrRequestAlreadyPending):
		return "request_pending"
	case errors.Is(err, ErrNoPendingRequest):
		return "no_pending_request"
	case errors.Is(err, ErrUnknownRequest):
		return "unknown_request"
	case errors.Is(err, ErrProofInvalid):
		return "proof_invalid"
	case errors.Is(err, ErrDuplicateRequestID):
		return "duplicate_request_id"
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
