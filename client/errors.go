package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leben-philippka/jamfbridge/api"
)

// ErrCircuitOpen is returned without a network attempt while the circuit
// breaker is open.
var ErrCircuitOpen = errors.New("jamfbridge: circuit open")

// ErrReadOnlyMode is returned by every write-class operation when the client
// is configured read-only. No network call is attempted.
var ErrReadOnlyMode = errors.New("jamfbridge: read-only mode")

// APIError describes a non-2xx response from either protocol generation.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Generation records which protocol generation produced the response.
	Generation api.Generation
	// Response is the decoded modern error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if detail := e.Response.Detail(); detail != "" {
		return fmt.Sprintf("jamfbridge: %s api status %d (%s)", e.Generation, e.Status, detail)
	}
	return fmt.Sprintf("jamfbridge: %s api status %d", e.Generation, e.Status)
}

// RetryAfterDuration returns the back-off hinted by the server, if any.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	return e.RetryAfter
}

// AuthError reports that no usable credential scheme exists, or that
// re-authentication after a 401 failed. Never retried by the SDK.
type AuthError struct {
	// Reason summarizes the failure.
	Reason string
	// Err is the underlying cause, when any.
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jamfbridge: authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("jamfbridge: authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError wraps a timeout, 5xx, or connection failure. On the modern
// generation it triggers legacy fallback; on the legacy generation it is
// surfaced to the caller.
type TransientError struct {
	// Generation records which protocol generation failed.
	Generation api.Generation
	// Err is the underlying transport or API error.
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("jamfbridge: transient %s protocol error: %v", e.Generation, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError wraps a 409 response. Write submissions retry conflicts up
// to the configured maximum before surfacing this error.
type ConflictError struct {
	// Attempts is how many submissions were made before giving up.
	Attempts int
	// Err is the final 409 response.
	Err error
}

func (e *ConflictError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("jamfbridge: write conflict persisted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("jamfbridge: write conflict: %v", e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ValidationError wraps a caller-error 4xx (other than 401/409). It never
// triggers protocol fallback or retry.
type ValidationError struct {
	// Generation records which protocol generation rejected the request.
	Generation api.Generation
	// Err is the underlying API error.
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("jamfbridge: %s api rejected request: %v", e.Generation, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// VerificationError reports that a write was accepted but the requested
// fields could not be confirmed persisted. The write may have partially
// applied; callers should check manually rather than blindly retry.
type VerificationError struct {
	// Kind identifies the resource family.
	Kind api.ResourceKind
	// ID is the resource identifier.
	ID int64
	// Fields lists the requested field paths that were being verified.
	Fields []string
	// Attempts is how many verification reads were issued.
	Attempts int
	// Reason explains what failed (exhausted reads, strict mismatch).
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("jamfbridge: %s %s did not persist requested fields [%s] after %d reads: %s",
		e.Kind, strconv.FormatInt(e.ID, 10), strings.Join(e.Fields, ", "), e.Attempts, e.Reason)
}

// wrapOp adds the operation name, resource id, and protocol generation to an
// error while preserving its type for errors.As checks.
func wrapOp(op string, id int64, err error) error {
	if err == nil {
		return nil
	}
	if id > 0 {
		return fmt.Errorf("%s id=%d: %w", op, id, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
