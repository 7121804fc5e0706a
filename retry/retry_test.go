package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.True(t, IsRecoverable(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
}

func TestNonRecoverableWins(t *testing.T) {
	err := NewNonRecoverableError(errors.New("connection refused"))
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, "connection refused", err.Error())
}

func TestContextErrors(t *testing.T) {
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(context.Canceled))
}

func TestStatusCodes(t *testing.T) {
	assert.True(t, IsRecoverable(statusErr(http.StatusTooManyRequests)))
	assert.True(t, IsRecoverable(statusErr(http.StatusBadGateway)))
	assert.False(t, IsRecoverable(statusErr(http.StatusBadRequest)))
	assert.False(t, IsRecoverable(statusErr(http.StatusUnauthorized)))
}

func TestMessagePatterns(t *testing.T) {
	assert.True(t, IsRecoverable(errors.New("upstream: Rate Limit exceeded")))
	assert.True(t, IsRecoverable(errors.New("database is locked")))
	assert.False(t, IsRecoverable(errors.New("invalid api key")))
}
