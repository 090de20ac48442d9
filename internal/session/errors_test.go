package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageFormat(t *testing.T) {
	err := Errorf(CodeNotFound, "unknown connection %s", "abc")
	assert.Equal(t, "not_found: unknown connection abc", err.Error())
	assert.Equal(t, "limit_exceeded", (&Error{Code: CodeLimitExceeded}).Error())
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := Errorf(CodeDisconnected, "connection x is disconnected")
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.NotErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("operation failed: %w", err)
	assert.ErrorIs(t, wrapped, ErrDisconnected)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeTimeout, CodeOf(Errorf(CodeTimeout, "deadline")))
	assert.Equal(t, CodeTimeout, CodeOf(fmt.Errorf("x: %w", Errorf(CodeTimeout, "deadline"))))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain failure")))
}
