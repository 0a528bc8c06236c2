// Package apierror maps the service's sentinel domain errors to HTTP
// status codes (spec.md §7), the way master/internal/api.JSONErrorHandler
// maps determined's domain errors to JSON responses.
package apierror

import (
	"errors"
	"net/http"

	"github.com/arkforge/gputaskd/internal/catalog"
	"github.com/arkforge/gputaskd/internal/gpu"
	"github.com/arkforge/gputaskd/internal/modelcache"
	"github.com/arkforge/gputaskd/internal/session"
)

// ErrUnauthenticated is returned by the X-API-Key middleware on a missing
// or wrong key.
var ErrUnauthenticated = errors.New("apierror: unauthenticated")

// ErrInvalidDifficulty is returned when a request names a difficulty
// class outside {low, high}.
var ErrInvalidDifficulty = errors.New("apierror: invalid difficulty")

// ErrRuntimeUnavailable wraps container runtime failures that happen
// before a stream has opened.
var ErrRuntimeUnavailable = errors.New("apierror: container runtime unavailable")

// Response is the JSON body written for an error that occurs before the
// event stream opens.
type Response struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// StatusFor maps a domain error to the HTTP status code spec.md §7
// assigns it.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrUnknownTask),
		errors.Is(err, catalog.ErrMissingAction),
		errors.Is(err, ErrInvalidDifficulty):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrInvalidSessionState):
		return http.StatusNotFound
	case errors.Is(err, gpu.ErrFullAny), errors.Is(err, session.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, modelcache.ErrFetchError),
		errors.Is(err, ErrRuntimeUnavailable):
		return http.StatusInternalServerError
	default:
		var full *gpu.ErrFull
		if errors.As(err, &full) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

// ToResponse renders err into the JSON body shape used by both the
// pre-stream HTTP error path and the in-band Connection{status:<failure>}
// event (spec.md §7's propagation policy).
func ToResponse(err error) Response {
	resp := Response{Status: statusTag(err), Message: err.Error()}
	var full *gpu.ErrFull
	if errors.As(err, &full) {
		resp.Difficulty = full.Difficulty
	}
	return resp
}

func statusTag(err error) string {
	switch {
	case errors.Is(err, catalog.ErrUnknownTask):
		return "unknown_task"
	case errors.Is(err, catalog.ErrMissingAction):
		return "missing_action"
	case errors.Is(err, ErrInvalidDifficulty):
		return "invalid_difficulty"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrInvalidSessionState):
		return "invalid_session_state"
	case errors.Is(err, gpu.ErrFullAny):
		return "full"
	case errors.Is(err, session.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, modelcache.ErrFetchError):
		return "fetch_error"
	case errors.Is(err, ErrRuntimeUnavailable):
		return "runtime_unavailable"
	default:
		return "failed"
	}
}

// RetryAfterSeconds returns the Retry-After value (spec.md §6) for
// capacity-refusal errors, and false for anything else.
func RetryAfterSeconds(err error) (int, bool) {
	if errors.Is(err, gpu.ErrFullAny) || errors.Is(err, session.ErrQueueFull) {
		return 5, true
	}
	return 0, false
}
