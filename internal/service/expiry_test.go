package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExpirer struct {
	calls atomic.Int32
	err   error
}

func (c *countingExpirer) ExpireStalePending(ctx context.Context) (int, error) {
	c.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("expiry pass ran without a deadline")
	}
	return 2, c.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExpiryScheduler_RunCallsExpirer(t *testing.T) {
	exp := &countingExpirer{}
	s := NewExpiryScheduler(exp, "@every 1h", quietLogger())

	s.Run()
	exp.err = errors.New("db down")
	s.Run()

	assert.Equal(t, int32(2), exp.calls.Load())
}

func TestExpiryScheduler_RejectsBadSchedule(t *testing.T) {
	s := NewExpiryScheduler(&countingExpirer{}, "not a schedule", quietLogger())
	assert.Error(t, s.Start())
}

func TestExpiryScheduler_RunsOnSchedule(t *testing.T) {
	exp := &countingExpirer{}
	s := NewExpiryScheduler(exp, "@every 1s", quietLogger())
	require.NoError(t, s.Start())

	assert.Eventually(t, func() bool { return exp.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	<-s.Stop().Done()
}
