package errs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOfWrappedError(t *testing.T) {
	err := Wrapf(New(CapacityExceeded, "counter[%v] full", "c1"), "enqueue")

	assert.Equal(t, CapacityExceeded, CodeOf(err))
	assert.True(t, Has(err, CapacityExceeded))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "counter[c1] full")
}

func TestTransientKeepsCause(t *testing.T) {
	err := Transient(io.ErrUnexpectedEOF, "save item")

	require.True(t, IsTransient(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(New(Empty, "no one waiting"), "call next")

	assert.True(t, errors.Is(err, New(Empty, "")))
	assert.False(t, errors.Is(err, New(NotFound, "")))
}

func TestForeignErrorHasNoCode(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(io.EOF))
	assert.Nil(t, Wrap(nil, "nothing"))
}
