package util

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryOnlyTooManyRequests(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	retry, err := RetryOnlyTooManyRequests(ctx, &http.Response{StatusCode: http.StatusTooManyRequests}, nil)
	assert.NoError(err)
	assert.True(retry)

	for _, code := range []int{200, 404, 500, 502, 503} {
		retry, err = RetryOnlyTooManyRequests(ctx, &http.Response{StatusCode: code}, nil)
		assert.NoError(err)
		assert.False(retry, "status %d", code)
	}

	retry, err = RetryOnlyTooManyRequests(ctx, nil, errors.New("connection reset"))
	assert.NoError(err)
	assert.False(retry)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	retry, err = RetryOnlyTooManyRequests(cctx, &http.Response{StatusCode: http.StatusTooManyRequests}, nil)
	assert.ErrorIs(err, context.Canceled)
	assert.False(retry)
}
