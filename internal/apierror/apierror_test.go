package apierror

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arkforge/gputaskd/internal/catalog"
	"github.com/arkforge/gputaskd/internal/gpu"
	"github.com/arkforge/gputaskd/internal/session"
)

func TestStatusFor_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{catalog.ErrUnknownTask, http.StatusBadRequest},
		{catalog.ErrMissingAction, http.StatusBadRequest},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{session.ErrSessionNotFound, http.StatusNotFound},
		{session.ErrInvalidSessionState, http.StatusNotFound},
		{session.ErrQueueFull, http.StatusServiceUnavailable},
		{&gpu.ErrFull{Difficulty: "low"}, http.StatusServiceUnavailable},
		{ErrRuntimeUnavailable, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, StatusFor(c.err), c.err.Error())
	}
}

func TestToResponse_CarriesDifficulty(t *testing.T) {
	resp := ToResponse(&gpu.ErrFull{Difficulty: "high"})
	assert.Equal(t, "full", resp.Status)
	assert.Equal(t, "high", resp.Difficulty)
}

func TestRetryAfterSeconds_OnlyForCapacityErrors(t *testing.T) {
	_, ok := RetryAfterSeconds(catalog.ErrUnknownTask)
	assert.False(t, ok)

	secs, ok := RetryAfterSeconds(&gpu.ErrFull{Difficulty: "low"})
	assert.True(t, ok)
	assert.Positive(t, secs)
}
