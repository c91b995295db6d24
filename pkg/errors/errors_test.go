package errors

import (
	"database/sql"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneKeepsCodeAndStatus(t *testing.T) {
	err := Clone(ErrAlreadyDecided, "approver already voted")
	assert.Equal(t, "ALREADY_DECIDED", err.Code)
	assert.Equal(t, http.StatusConflict, err.Status)
	assert.Equal(t, "approver already voted", err.Error())
	assert.Equal(t, "decision already recorded", ErrAlreadyDecided.Message)
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	inner := Wrap(sql.ErrConnDone, ErrInfrastructure.Code, ErrInfrastructure.Status, "store down")
	wrapped := fmt.Errorf("run batch: %w", inner)
	assert.True(t, Is(wrapped, ErrInfrastructure))
	assert.False(t, Is(wrapped, ErrInternal))
	assert.ErrorIs(t, wrapped, sql.ErrConnDone)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	assert.Nil(t, FromError(nil))
	converted := FromError(sql.ErrNoRows)
	require.NotNil(t, converted)
	assert.Equal(t, ErrInternal.Code, converted.Code)
	assert.Equal(t, http.StatusInternalServerError, converted.Status)

	typed := Clone(ErrInvalidState, "running")
	assert.Same(t, typed, FromError(typed))
}
