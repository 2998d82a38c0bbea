// Package kibitz provides a Go client for the kibitz game server API.
package kibitz

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error represents an error from the kibitz API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string

	// Snapshot is the session state the server attached to a conflict or
	// upstream failure, if any.
	Snapshot *Snapshot
}

func (e *Error) Error() string {
	return fmt.Sprintf("kibitz: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, 403) }

// IsConflict returns true if the error is a 409: the session is finished or
// its identifier is bound to other participants.
func IsConflict(err error) bool { return statusIs(err, 409) }

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsUnavailable returns true if the rules authority or a participant could
// not be reached (503).
func IsUnavailable(err error) bool { return statusIs(err, 503) }

type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		if len(envelope.Error.Details) > 0 {
			var snap Snapshot
			if json.Unmarshal(envelope.Error.Details, &snap) == nil && snap.SessionID != "" {
				apiErr.Snapshot = &snap
			}
		}
	} else {
		apiErr.Code = fmt.Sprintf("HTTP_%d", statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
