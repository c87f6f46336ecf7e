package fserr

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsMatchFSErrors(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, fmt.Errorf("stat /x: %w", ErrNotFound), fs.ErrNotExist)
	assert.ErrorIs(t, fmt.Errorf("stat /x: %w", ErrNotFound), ErrNotFound)
	assert.ErrorIs(t, ErrInvalidOperation, fs.ErrInvalid)
	assert.ErrorIs(t, ErrClosed, fs.ErrClosed)
	assert.ErrorIs(t, ErrNotReady, ErrPrecondition)
	assert.NotErrorIs(t, ErrNotFound, ErrInvalidOperation)
}
