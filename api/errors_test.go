package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferError(t *testing.T) {
	err := NewTransferError(ResultCouldntConnect, "connect 127.0.0.1:1: connection refused")
	assert.Equal(t, "Couldn't connect to server: connect 127.0.0.1:1: connection refused", err.Error())
	assert.False(t, errors.Is(err, ErrResourceExhausted))

	e := err.AsError()
	assert.Equal(t, ErrCodeTransfer, e.Code)
	assert.Equal(t, int(ResultCouldntConnect), e.Context["result"])

	exhausted := NewTransferError(ResultResourceExhausted, "")
	assert.Equal(t, "Event loop resources exhausted", exhausted.Error())
	assert.ErrorIs(t, exhausted, ErrResourceExhausted)
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("method", "must be a single token")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, "method must be a single token", err.Error())
}

func TestResultCodeString(t *testing.T) {
	assert.Equal(t, "No error", ResultOK.String())
	assert.True(t, ResultOK.OK())
	assert.False(t, ResultWriteError.OK())
	assert.Equal(t, "Unknown error", ResultCode(-1).String())
	assert.Equal(t, "Unknown error", ResultCode(1000).String())
}
