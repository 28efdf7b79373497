// Package probe decides when an instance is actually ready. A container (or
// embedded server) reporting "started" only means the process launched;
// accepting and answering queries comes later, sometimes seconds later. The
// prober polls a trivial liveness query with linearly increasing, ceiling-
// truncated backoff until the instance answers or a bounded attempt budget
// is spent.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// attemptTimeout bounds a single liveness attempt so a wedged endpoint
// cannot stall the whole poll budget on one connection.
const attemptTimeout = 5 * time.Second

// sqlstateCannotConnectNow is what PostgreSQL answers while still
// initializing ("the database system is starting up").
const sqlstateCannotConnectNow = "57P03"

// Pinger performs one liveness attempt against an endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Options bounds the poll. The zero value is usable: defaults are 100
// attempts, 100ms backoff step, 2s backoff ceiling.
type Options struct {
	MaxAttempts int           // Upper bound on liveness attempts.
	BaseStep    time.Duration // Attempt n sleeps BaseStep*n before the next try.
	MaxBackoff  time.Duration // Ceiling on any single sleep.

	// sleep is a test seam; nil means time.Sleep.
	sleep func(time.Duration)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 100
	}
	if o.BaseStep <= 0 {
		o.BaseStep = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.sleep == nil {
		o.sleep = time.Sleep
	}
	return o
}

// backoff returns the sleep after the given 1-based attempt: linearly
// increasing, truncated at the ceiling, never unbounded.
func (o Options) backoff(attempt int) time.Duration {
	d := o.BaseStep * time.Duration(attempt)
	if d > o.MaxBackoff {
		return o.MaxBackoff
	}
	return d
}

// UnreachableError reports that readiness was not achieved within the
// bounded attempt budget. It names the endpoint, the attempts spent and the
// elapsed time, and carries the last transient error seen.
type UnreachableError struct {
	Endpoint string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("database at %s not ready after %d attempts over %s: %v",
		e.Endpoint, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// WaitUntilReady polls p until the endpoint answers, a non-transient error
// appears, or MaxAttempts is exhausted.
//
// Only the "still starting" error class is retried: connection refused/reset,
// timeouts, premature EOF, and SQLSTATE 57P03. Anything else (bad
// credentials, unknown database, TLS trouble) propagates immediately: a
// genuine misconfiguration must not be masked as startup latency. Exhausting
// the budget yields *UnreachableError. This runs exactly once per run,
// before any session is issued.
func WaitUntilReady(ctx context.Context, endpoint string, p Pinger, opts Options, logger *zap.Logger) error {
	opts = opts.withDefaults()
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := p.Ping(attemptCtx)
		cancel()

		if err == nil {
			logger.Info("Instance ready",
				zap.String("endpoint", endpoint),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		}
		if !transient(err) {
			return fmt.Errorf("liveness probe against %s failed with a non-transient error: %w", endpoint, err)
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("liveness probe against %s canceled: %w", endpoint, ctx.Err())
		}
		if attempt < opts.MaxAttempts {
			delay := opts.backoff(attempt)
			logger.Debug("Instance not ready yet, backing off",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			opts.sleep(delay)
		}
	}

	return &UnreachableError{
		Endpoint: endpoint,
		Attempts: opts.MaxAttempts,
		Elapsed:  time.Since(start),
		Err:      lastErr,
	}
}

// transient reports whether err belongs to the narrow "still starting" class
// that is worth retrying. Everything else is treated as fatal by the caller.
func transient(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	// The server closes half-open connections while initializing.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateCannotConnectNow {
		return true
	}
	return false
}

// NewPgxPinger returns the production Pinger: connect with pgx and run the
// minimal liveness query.
func NewPgxPinger(dsn string) Pinger {
	return PingerFunc(func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)

		var one int
		if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return err
		}
		return nil
	})
}
