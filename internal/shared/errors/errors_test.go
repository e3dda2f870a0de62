package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"command error", NewCommandError(405, "not primary"), 405},
		{"wrapped command error", fmt.Errorf("sync: %w", NewCommandError(400, "bad")), 400},
		{"app error", NewNotFoundError("account not found"), http.StatusNotFound},
		{"plain error", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrEnrollmentRejected))
	assert.True(t, IsFatal(fmt.Errorf("dial: %w", ErrAuthRetryExceeded)))
	assert.False(t, IsFatal(ErrHeartbeatTimeout))
	assert.False(t, IsFatal(&HandshakeError{Status: 404}))
}

func TestAppErrorMessages(t *testing.T) {
	err := NewConflictError("account already registered", "acme@example.com")
	assert.Equal(t, "conflict: account already registered (acme@example.com)", err.Error())
	assert.True(t, IsConflictError(err))
	assert.False(t, IsNotFoundError(err))
}
