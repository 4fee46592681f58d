package errs

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(Transient, "fetch", cause)
	require.Error(t, err)
	assert.True(t, Is(err, Transient))
	assert.False(t, Is(err, Permanent))
	assert.ErrorIs(t, err, cause)
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("unclassified")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, HTTPStatus(New(PolicyDenied, "", errors.New("x"))))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(New(Permanent, "", errors.New("x"))))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(New(Transient, "", errors.New("x"))))
}

func TestNewNilErr(t *testing.T) {
	assert.NoError(t, New(Transient, "op", nil))
}
