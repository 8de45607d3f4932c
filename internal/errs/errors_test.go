package errs

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("upsert: %w", DimensionMismatch("store.upsert", 2048, 3))

	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindDimensionMismatch, KindOf(err))
	assert.Equal(t, "store.upsert: dimension_mismatch: expected 2048 values, got 3", errors.Unwrap(err).Error())
}

func TestStorageFailureUnwraps(t *testing.T) {
	err := StorageFailure("snapshot.save", io.ErrShortWrite)

	assert.True(t, errors.Is(err, ErrStorageFailure))
	assert.True(t, errors.Is(err, io.ErrShortWrite))
	assert.Contains(t, err.Error(), "short write")
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidArgument("q", "k must be >= 1"), http.StatusBadRequest},
		{DimensionMismatch("q", 4, 3), http.StatusBadRequest},
		{NotFound("get", "product %d", 7), http.StatusNotFound},
		{Unavailable("embed", io.EOF), http.StatusServiceUnavailable},
		{CorruptSnapshot("restore", "bad magic"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatusCode(tt.err), tt.err.Error())
	}
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
