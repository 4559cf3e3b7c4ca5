package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oms/internal/config"
	"oms/internal/core"
	"oms/internal/executor"
	"oms/internal/store"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type scriptedRunner struct {
	errs  map[int64]error
	calls []int64
}

func (r *scriptedRunner) Execute(ctx context.Context, commandID int64) error {
	r.calls = append(r.calls, commandID)
	return r.errs[commandID]
}

func setup(t *testing.T, runner Runner, cfg config.QueueConfig) (*store.Store, *Workers, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "oms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	accountID, err := st.CreateAccount(context.Background(), st.DB(), &core.Account{
		Name: "main", ExchangeID: "ccxt.binance", PositionMode: core.ModeHedge,
		Status: core.AccountActive, PoolID: "ccxt",
	})
	require.NoError(t, err)
	return st, New(st, runner, []string{"ccxt"}, cfg, nopLogger{}), accountID
}

func enqueue(t *testing.T, st *store.Store, accountID int64) int64 {
	t.Helper()
	ctx := context.Background()
	cmdID, err := st.InsertPositionCommand(ctx, st.DB(), &core.PositionCommand{
		AccountID:   accountID,
		CommandType: core.CmdCancelOrder,
		RequestID:   "req",
		PayloadJSON: `{"order_id":1}`,
		Status:      core.CommandAccepted,
	})
	require.NoError(t, err)
	_, err = st.EnqueueCommand(ctx, st.DB(), accountID, "ccxt", cmdID)
	require.NoError(t, err)
	return cmdID
}

func TestSuccessMarksDone(t *testing.T) {
	runner := &scriptedRunner{errs: map[int64]error{}}
	st, w, accountID := setup(t, runner, config.QueueConfig{MaxAttempts: 3, RetryDelaySeconds: 0})
	cmdID := enqueue(t, st, accountID)

	ctx := context.Background()
	found, err := w.ProcessOne(ctx, "ccxt", "w0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int64{cmdID}, runner.calls)

	depth, err := st.QueueDepth(ctx, st.DB(), "ccxt")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPermanentErrorDeadletters(t *testing.T) {
	runner := &scriptedRunner{errs: map[int64]error{}}
	st, w, accountID := setup(t, runner, config.QueueConfig{MaxAttempts: 5, RetryDelaySeconds: 0})
	cmdID := enqueue(t, st, accountID)
	runner.errs[cmdID] = executor.Permanentf("order rejected")

	ctx := context.Background()
	found, err := w.ProcessOne(ctx, "ccxt", "w0")
	require.NoError(t, err)
	require.True(t, found)

	// Deadlettered: never claimable again despite zero retry delay.
	found, err = w.ProcessOne(ctx, "ccxt", "w0")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, runner.calls, 1)
}

func TestTransientErrorRetriesUntilMaxAttempts(t *testing.T) {
	runner := &scriptedRunner{errs: map[int64]error{}}
	st, w, accountID := setup(t, runner, config.QueueConfig{MaxAttempts: 3, RetryDelaySeconds: 0})
	cmdID := enqueue(t, st, accountID)
	runner.errs[cmdID] = errors.New("network error")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		found, err := w.ProcessOne(ctx, "ccxt", "w0")
		require.NoError(t, err)
		require.True(t, found, "attempt %d should claim", i+1)
	}
	assert.Len(t, runner.calls, 3)

	// Third attempt hit max_attempts and was deadlettered.
	found, err := w.ProcessOne(ctx, "ccxt", "w0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClaimSkipsAccountsWithWorkInFlight(t *testing.T) {
	runner := &scriptedRunner{errs: map[int64]error{}}
	st, _, accountID := setup(t, runner, config.QueueConfig{MaxAttempts: 3, RetryDelaySeconds: 0})
	first := enqueue(t, st, accountID)
	second := enqueue(t, st, accountID)

	ctx := context.Background()
	otherID, err := st.CreateAccount(ctx, st.DB(), &core.Account{
		Name: "other", ExchangeID: "ccxt.binance", PositionMode: core.ModeHedge,
		Status: core.AccountActive, PoolID: "ccxt",
	})
	require.NoError(t, err)
	otherCmd := enqueue(t, st, otherID)

	item, err := st.ClaimNextQueueItem(ctx, st.DB(), "ccxt", "w0")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, first, item.CommandID)

	// The account has a row in processing, so its second command is not
	// claimable; the other account's command is.
	next, err := st.ClaimNextQueueItem(ctx, st.DB(), "ccxt", "w1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, otherCmd, next.CommandID)

	blocked, err := st.ClaimNextQueueItem(ctx, st.DB(), "ccxt", "w1")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, st.MarkQueueDone(ctx, st.DB(), item.QueueID))
	unblocked, err := st.ClaimNextQueueItem(ctx, st.DB(), "ccxt", "w1")
	require.NoError(t, err)
	require.NotNil(t, unblocked)
	assert.Equal(t, second, unblocked.CommandID)
}

// trackingRunner records per-call overlap so tests can assert that commands
// for one account never execute concurrently.
type trackingRunner struct {
	mu       sync.Mutex
	inFlight int
	overlap  bool
	calls    []int64
	hold     time.Duration
}

func (r *trackingRunner) Execute(ctx context.Context, commandID int64) error {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	time.Sleep(r.hold)

	r.mu.Lock()
	r.inFlight--
	r.calls = append(r.calls, commandID)
	r.mu.Unlock()
	return nil
}

func (r *trackingRunner) snapshot() (bool, []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlap, append([]int64(nil), r.calls...)
}

func TestAccountCommandsStaySerialAcrossWorkers(t *testing.T) {
	runner := &trackingRunner{hold: 30 * time.Millisecond}
	st, w, accountID := setup(t, runner, config.QueueConfig{
		PollIntervalMs: 10, MaxAttempts: 3, RetryDelaySeconds: 0, Workers: 4,
	})
	first := enqueue(t, st, accountID)
	second := enqueue(t, st, accountID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, calls := runner.snapshot(); len(calls) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	overlap, calls := runner.snapshot()
	require.Equal(t, []int64{first, second}, calls,
		"commands for one account must run in submission order")
	assert.False(t, overlap, "commands for one account must never execute concurrently")
}

func TestFIFOWithinPool(t *testing.T) {
	runner := &scriptedRunner{errs: map[int64]error{}}
	st, w, accountID := setup(t, runner, config.QueueConfig{MaxAttempts: 3, RetryDelaySeconds: 0})
	first := enqueue(t, st, accountID)
	second := enqueue(t, st, accountID)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := w.ProcessOne(ctx, "ccxt", "w0")
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{first, second}, runner.calls)
}
