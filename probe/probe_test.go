package probe

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingPinger fails with err for failures attempts, then succeeds.
type countingPinger struct {
	failures int
	err      error
	calls    int
}

func (p *countingPinger) Ping(ctx context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return p.err
	}
	return nil
}

func noSleepOpts(maxAttempts int, recorded *[]time.Duration) Options {
	return Options{
		MaxAttempts: maxAttempts,
		BaseStep:    100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		sleep: func(d time.Duration) {
			if recorded != nil {
				*recorded = append(*recorded, d)
			}
		},
	}
}

func TestWaitUntilReady_SucceedsAfterTransientFailures(t *testing.T) {
	logger := zaptest.NewLogger(t)
	p := &countingPinger{failures: 4, err: syscall.ECONNREFUSED}

	err := WaitUntilReady(context.Background(), "localhost:5432", p, noSleepOpts(100, nil), logger)
	require.NoError(t, err)
	assert.Equal(t, 5, p.calls, "should stop probing on the first success")
}

func TestWaitUntilReady_ExhaustsBudget(t *testing.T) {
	logger := zaptest.NewLogger(t)
	p := &countingPinger{failures: 1000, err: syscall.ECONNREFUSED}

	err := WaitUntilReady(context.Background(), "localhost:5432", p, noSleepOpts(7, nil), logger)
	require.Error(t, err)

	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "localhost:5432", unreachable.Endpoint)
	assert.Equal(t, 7, unreachable.Attempts)
	assert.ErrorIs(t, unreachable, syscall.ECONNREFUSED, "last transient error must be carried")
	assert.Equal(t, 7, p.calls, "exactly MaxAttempts probes, no more")
}

func TestWaitUntilReady_BackoffSchedule(t *testing.T) {
	logger := zaptest.NewLogger(t)
	p := &countingPinger{failures: 1000, err: syscall.ECONNRESET}

	var sleeps []time.Duration
	opts := noSleepOpts(25, &sleeps)
	err := WaitUntilReady(context.Background(), "localhost:5432", p, opts, logger)
	require.Error(t, err)

	// One sleep between consecutive attempts, none after the last.
	require.Len(t, sleeps, 24)
	assert.Equal(t, 100*time.Millisecond, sleeps[0])
	assert.Equal(t, 500*time.Millisecond, sleeps[4])
	assert.Equal(t, 2*time.Second, sleeps[19], "delay is truncated at the ceiling")
	assert.Equal(t, 2*time.Second, sleeps[23], "delay stays at the ceiling")
}

func TestWaitUntilReady_NonTransientFailsImmediately(t *testing.T) {
	logger := zaptest.NewLogger(t)
	authErr := &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}
	p := &countingPinger{failures: 1000, err: authErr}

	err := WaitUntilReady(context.Background(), "localhost:5432", p, noSleepOpts(100, nil), logger)
	require.Error(t, err)
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, p.calls, "misconfiguration must not be retried as startup latency")

	var unreachable *UnreachableError
	assert.False(t, errors.As(err, &unreachable))
}

func TestWaitUntilReady_ContextCanceled(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := PingerFunc(func(context.Context) error {
		cancel()
		return syscall.ECONNREFUSED
	})

	err := WaitUntilReady(ctx, "localhost:5432", p, noSleepOpts(100, nil), logger)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransientClassification(t *testing.T) {
	timeoutErr := &timeoutNetError{}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"connection aborted", syscall.ECONNABORTED, true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"net timeout", timeoutErr, true},
		{"cannot connect now", &pgconn.PgError{Code: "57P03"}, true},
		{"auth failure", &pgconn.PgError{Code: "28P01"}, false},
		{"unknown database", &pgconn.PgError{Code: "3D000"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, transient(tc.err))
		})
	}
}

type timeoutNetError struct{}

func (*timeoutNetError) Error() string   { return "i/o timeout" }
func (*timeoutNetError) Timeout() bool   { return true }
func (*timeoutNetError) Temporary() bool { return true }

func TestBackoffDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 100, opts.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, opts.BaseStep)
	assert.Equal(t, 2*time.Second, opts.MaxBackoff)
	assert.NotNil(t, opts.sleep)

	assert.Equal(t, 300*time.Millisecond, opts.backoff(3))
	assert.Equal(t, 2*time.Second, opts.backoff(50))
}
