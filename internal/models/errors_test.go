package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrapping(t *testing.T) {
	t.Run("conflict error", func(t *testing.T) {
		err := error(&ConflictError{Entity: EntityProduct, ID: "p1", GivenRev: "1-a", CurrentRev: "2-b"})
		assert.ErrorIs(t, err, ErrConflict)

		var conflict *ConflictError
		assert.True(t, errors.As(err, &conflict))
		assert.Equal(t, "2-b", conflict.CurrentRev)
	})

	t.Run("not found error", func(t *testing.T) {
		err := error(&NotFoundError{Entity: EntitySale, ID: "s1"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("remote 401 and 403 are denied", func(t *testing.T) {
		assert.ErrorIs(t, error(&RemoteError{StatusCode: 401}), ErrSyncDenied)
		assert.ErrorIs(t, error(&RemoteError{StatusCode: 403}), ErrSyncDenied)
	})

	t.Run("remote 500 is not denied", func(t *testing.T) {
		err := &RemoteError{StatusCode: 500, Code: "internal"}
		assert.False(t, err.Denied())
		assert.NotErrorIs(t, error(err), ErrSyncDenied)
	})
}

func TestParseEntityType(t *testing.T) {
	entity, err := ParseEntityType("product")
	assert.NoError(t, err)
	assert.Equal(t, EntityProduct, entity)

	_, err = ParseEntityType("widget")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}
