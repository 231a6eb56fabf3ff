package tmplscout

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreErrorUnwrap(t *testing.T) {
	err := &LocalStoreError{Op: "search templates", Err: io.ErrUnexpectedEOF}

	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Contains(t, err.Error(), "search templates")
}

func TestRequestFailedErrorUnwrap(t *testing.T) {
	err := &RequestFailedError{Attempts: 4, Err: ErrRemoteUnavailable}

	require.ErrorIs(t, err, ErrRemoteUnavailable)
	require.Contains(t, err.Error(), "4 attempts")

	var rfe *RequestFailedError
	require.True(t, errors.As(err, &rfe))
	require.Equal(t, 4, rfe.Attempts)
}
