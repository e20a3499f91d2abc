// ABOUTME: Typed errors for the sync engine and credential manager
// ABOUTME: Classifies configuration, state, credential, and transport failures
package sync

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// ErrConfiguration indicates the OAuth client is not configured at all.
// Fatal; surfaced to the operator, not the user.
var ErrConfiguration = errors.New("google OAuth client is not configured")

// ErrCredentialMissing indicates no refresh token is stored, so a refresh
// is impossible. Non-retryable; the user must re-link the account.
var ErrCredentialMissing = errors.New("google refresh token is missing")

// StateError indicates the OAuth handshake state token failed verification:
// forged, tampered, or expired. The user restarts the flow.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("oauth state is invalid or expired: %s", e.Reason)
}

// TransportError wraps a failed remote API call with enough classification
// for the caller to decide between retrying the run and giving up.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("google api %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("google api %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether re-running the sync is worthwhile. Network
// errors, rate limits, and server faults are; 4xx rejections are not.
func (e *TransportError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

func transportErr(op string, err error) *TransportError {
	return &TransportError{Op: op, StatusCode: statusCode(err), Err: err}
}

// statusCode extracts the HTTP status from a googleapi error, or 0.
func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// isCursorGone recognizes the remote's "sync token expired/invalid"
// condition, which requires a full re-sync rather than a retry.
func isCursorGone(err error) bool {
	return statusCode(err) == http.StatusGone
}

// isAlreadyGone recognizes delete responses meaning the remote item no
// longer exists; deletion races are success, not failure.
func isAlreadyGone(err error) bool {
	code := statusCode(err)
	return code == http.StatusNotFound || code == http.StatusGone
}
