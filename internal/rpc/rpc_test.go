package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"voyageingest/internal/errs"
)

func newTestHarness(maxRetries int) (*Harness, *[]time.Duration) {
	h := New(Options{MaxRetries: maxRetries, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}, zap.NewNop())
	var sleeps []time.Duration
	h.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return h, &sleeps
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	h, sleeps := newTestHarness(5)
	calls := 0
	err := h.Do(context.Background(), "sheets.values.get", func() error {
		calls++
		if calls < 3 {
			return &googleapi.Error{Code: 429}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *sleeps, 2)
}

func TestDoExhaustsRetries(t *testing.T) {
	h, _ := newTestHarness(3)
	calls := 0
	err := h.Do(context.Background(), "sheets.values.get", func() error {
		calls++
		return &googleapi.Error{Code: 503}
	})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.ClassRemoteFailure, e.Class)
	// Initial attempt plus MaxRetries retries.
	assert.Equal(t, 4, calls)
}

func TestDoNonRetryablePropagatesImmediately(t *testing.T) {
	h, sleeps := newTestHarness(5)
	calls := 0
	err := h.Do(context.Background(), "sheets.values.get", func() error {
		calls++
		return &googleapi.Error{Code: 404}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *sleeps)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.ClassRemoteFailure, e.Class)
}

func TestDoHonorsRetryAfter(t *testing.T) {
	h, sleeps := newTestHarness(2)
	hdr := map[string][]string{"Retry-After": {"7"}}
	calls := 0
	err := h.Do(context.Background(), "sheets.values.update", func() error {
		calls++
		if calls == 1 {
			return &googleapi.Error{Code: 429, Header: hdr}
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, *sleeps, 1)
	assert.Equal(t, 7*time.Second, (*sleeps)[0])
}

func TestDoRespectsCancellation(t *testing.T) {
	h := New(Options{MaxRetries: 5, BackoffBase: time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.Do(ctx, "op", func() error { return &googleapi.Error{Code: 500} })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallReturnsValue(t *testing.T) {
	h, _ := newTestHarness(2)
	calls := 0
	v, err := Call(context.Background(), h, "op", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("rateLimitExceeded")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestTabCache(t *testing.T) {
	c := NewTabCache()
	key := TabKey{SpreadsheetID: "s", Title: "media"}

	_, ok := c.Get(key)
	assert.False(t, ok)

	rows := [][]string{{"a", "b"}}
	c.Set(key, rows)
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, rows, got)

	c.InvalidateKey(key)
	_, ok = c.Get(key)
	assert.False(t, ok)
}
