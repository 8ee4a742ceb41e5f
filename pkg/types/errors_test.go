package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	err := NewError(KindTimeout, errors.New("deadline exceeded")).WithSession("ab12cd34")
	wrapped := fmt.Errorf("interact: %w", err)

	assert.ErrorIs(t, wrapped, ErrTimeout)
	assert.NotErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
}

func TestError_Message(t *testing.T) {
	err := Errorf(KindRateLimited, "daily quota reached").WithSession("s1").WithProfile("base")

	msg := err.Error()
	assert.Contains(t, msg, "rate_limited")
	assert.Contains(t, msg, "[session s1]")
	assert.Contains(t, msg, "[profile base]")
	assert.Contains(t, msg, "daily quota reached")
	assert.Contains(t, msg, "hint:")
}

func TestError_WithCopies(t *testing.T) {
	base := NewError(KindNotFound, nil)
	named := base.WithSession("x")

	assert.Empty(t, base.SessionID)
	assert.Equal(t, "x", named.SessionID)
	assert.Equal(t, "custom", named.WithHint("custom").Hint)
	assert.NotEqual(t, "custom", named.Hint)
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Empty(t, HintOf(errors.New("plain")))
}

func TestDefaultHints(t *testing.T) {
	kinds := []ErrorKind{
		KindCapacityExceeded, KindProfileLockContention, KindAuthRequired,
		KindRateLimited, KindSurfaceCrashed, KindSurfaceUnrecoverable,
		KindTimeout, KindNotFound, KindInvalidInput,
	}
	for _, k := range kinds {
		t.Run(string(k), func(t *testing.T) {
			assert.NotEmpty(t, NewError(k, nil).Hint)
		})
	}
}
