package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veiloq/forgekit/config"
	"go.uber.org/zap/zaptest"
)

type fakeEndpoint struct {
	ready bool
	addr  string
}

func (f *fakeEndpoint) Ready() bool  { return f.ready }
func (f *fakeEndpoint) Addr() string { return f.addr }

func TestOpen_RefusesUncertifiedEndpoint(t *testing.T) {
	cfg := config.DefaultConfig()
	sts, final := config.ApplyOptions(&cfg)
	gate := &fakeEndpoint{ready: false, addr: "localhost:5432"}
	p := NewProvider(gate, final, sts, zaptest.NewLogger(t))

	s, err := p.Open(context.Background())
	require.Error(t, err)
	assert.Nil(t, s)

	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, "localhost:5432", notReady.Endpoint)
	assert.Contains(t, notReady.Error(), "localhost:5432")
}

func TestOpen_SerializesOnSemaphore(t *testing.T) {
	cfg := config.DefaultConfig()
	sts, final := config.ApplyOptions(&cfg)
	gate := &fakeEndpoint{ready: true, addr: "localhost:5432"}
	p := NewProvider(gate, final, sts, zaptest.NewLogger(t))

	// Hold the instance slot, then try to open with an expired context: Open
	// must block on the semaphore and fail with the context error rather
	// than handing out a second concurrent session.
	require.True(t, p.sem.TryAcquire(1))
	defer p.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := p.Open(ctx)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateDBName(t *testing.T) {
	name := GenerateDBName("session_")
	assert.True(t, strings.HasPrefix(name, "session_"))
	assert.Equal(t, strings.ToLower(name), name)
	assert.NotContains(t, name, "-")

	other := GenerateDBName("session_")
	assert.NotEqual(t, name, other, "names must be unique across sessions")

	long := GenerateDBName(strings.Repeat("x", 80))
	assert.LessOrEqual(t, len(long), 63, "identifier limit")
}

func TestExecuteSessionFn_ConvertsPanicToError(t *testing.T) {
	fn := func(context.Context, *Session) error {
		panic("driver blew up")
	}

	// The call must return normally so Run's deferred Close still executes.
	err := executeSessionFn(t, fn, context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver blew up")
}

func TestExecuteSessionFn_PassesThroughResult(t *testing.T) {
	ok := func(context.Context, *Session) error { return nil }
	require.NoError(t, executeSessionFn(t, ok, context.Background(), nil))

	failing := func(context.Context, *Session) error { return assert.AnError }
	assert.ErrorIs(t, executeSessionFn(t, failing, context.Background(), nil), assert.AnError)
}

func TestExecuteTestFn_ConvertsPanicToError(t *testing.T) {
	fn := func(context.Context, int) error {
		panic("tx body blew up")
	}

	err := executeTestFn(t, fn, context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx body blew up")
}

func TestCleanupError(t *testing.T) {
	cause := assert.AnError
	err := &CleanupError{Database: "testdb", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "testdb")
}

func TestBookkeepingTablesSurviveReset(t *testing.T) {
	assert.True(t, bookkeepingTables["atlas_schema_revisions"])
	assert.True(t, bookkeepingTables["schema_migrations"])
	assert.False(t, bookkeepingTables["food_items"])
}
