// Package apperr defines the error taxonomy shared by the escrow packages.
//
// Every error that crosses a package boundary toward a caller is an *Error
// carrying a Kind (what class of failure), a stable Code (what the API
// returns) and optionally the chain transaction it concerns.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for propagation and retry decisions.
type Kind string

const (
	KindConfiguration Kind = "configuration" // missing keys/addresses; fatal, never retried
	KindValidation    Kind = "validation"    // malformed input; rejected before any chain call
	KindNotFound      Kind = "not_found"     // milestone, job or escrow binding absent
	KindAuthorization Kind = "authorization" // wrong role or credential
	KindConflict      Kind = "conflict"      // illegal transition or milestone busy
	KindChainCall     Kind = "chain_call"    // reverted, missing event, unconfirmed
	KindConsistency   Kind = "consistency"   // chain confirmed, persistence failed
	KindInternal      Kind = "internal"
)

// Error is the structured error returned by orchestrator operations.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error

	// Chain context. Submitted means a signed transaction left this process;
	// Confirmed means its receipt was observed with status 1.
	TxHash    string
	Submitted bool
	Confirmed bool
	Reverted  bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.TxHash != "" {
		msg = fmt.Sprintf("%s (tx: %s)", msg, e.TxHash)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind wrapping err.
func Wrap(kind Kind, code string, err error, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Configuration(code, message string) *Error { return New(KindConfiguration, code, message) }
func Validation(code, message string) *Error    { return New(KindValidation, code, message) }
func NotFound(code, message string) *Error      { return New(KindNotFound, code, message) }
func Unauthorized(code, message string) *Error  { return New(KindAuthorization, code, message) }
func Conflict(code, message string) *Error      { return New(KindConflict, code, message) }

// Consistency reports a confirmed chain transaction whose persistence failed.
// The caller must never resubmit the chain call; reconciliation heals it.
func Consistency(txHash string, err error) *Error {
	return &Error{
		Kind:      KindConsistency,
		Code:      "reconciliation_pending",
		Message:   "transaction confirmed on chain but not yet persisted",
		Err:       err,
		TxHash:    txHash,
		Submitted: true,
		Confirmed: true,
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the stable code of err, or "internal_error".
func CodeOf(err error) string {
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

// IsRetryable reports whether the caller may safely repeat the operation.
// Only chain errors that never changed contract state qualify.
func IsRetryable(err error) bool {
	e, ok := As(err)
	if !ok || e.Kind != KindChainCall {
		return false
	}
	return !e.Submitted || e.Reverted
}

// HTTPStatus maps an error to the status code handlers should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindChainCall:
		return http.StatusBadGateway
	case KindConsistency:
		return http.StatusAccepted
	case KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body handlers return for err. Internal errors keep
// their detail out of the response.
func Response(err error) map[string]interface{} {
	body := map[string]interface{}{
		"error":     CodeOf(err),
		"retryable": IsRetryable(err),
	}
	e, ok := As(err)
	if !ok || e.Kind == KindInternal {
		body["message"] = "Internal server error"
		return body
	}
	body["message"] = e.Message
	if e.TxHash != "" {
		body["txHash"] = e.TxHash
	}
	return body
}
