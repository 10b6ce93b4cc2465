package events

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relayer/internal/ledger"
	"position-relayer/internal/metrics"
)

var lending = common.HexToAddress("0x00000000000000000000000000000000000000c0")

type rangeQuery struct{ from, to uint64 }

type fakeSub struct {
	errc chan error
	once sync.Once
}

func (f *fakeSub) Unsubscribe()      { f.once.Do(func() { close(f.errc) }) }
func (f *fakeSub) Err() <-chan error { return f.errc }

type fakeClient struct {
	mu        sync.Mutex
	head      uint64
	headErr   error
	logs      []types.Log
	filterErr error
	queries   []rangeQuery
	subErrs   []error
	subs      []*fakeSub
	subChans  []chan<- types.Log
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.queries = append(f.queries, rangeQuery{from, to})
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subErrs) > 0 {
		err := f.subErrs[0]
		f.subErrs = f.subErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	sub := &fakeSub{errc: make(chan error, 1)}
	f.subs = append(f.subs, sub)
	f.subChans = append(f.subChans, ch)
	return sub, nil
}

func (f *fakeClient) subscription(i int) (*fakeSub, chan<- types.Log, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.subs) {
		return nil, nil, false
	}
	return f.subs[i], f.subChans[i], true
}

func (f *fakeClient) setHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

func (f *fakeClient) recordedQueries() []rangeQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rangeQuery(nil), f.queries...)
}

func positionLog(t *testing.T, id int64, block uint64) types.Log {
	t.Helper()
	lg, err := ledger.EncodeLog(lending, ledger.PositionUpdate{
		PositionID:  common.BigToHash(big.NewInt(id)),
		Owner:       common.HexToAddress("0xbb"),
		Collateral:  big.NewInt(100),
		Debt:        big.NewInt(50),
		Timestamp:   1_700_000_000,
		BlockNumber: block,
	})
	require.NoError(t, err)
	return lg
}

type collector struct {
	mu      sync.Mutex
	updates []ledger.PositionUpdate
}

func (c *collector) handle(_ context.Context, u ledger.PositionUpdate) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func TestPollStartsBehindHeadAndAdvances(t *testing.T) {
	client := &fakeClient{head: 100}
	client.logs = []types.Log{positionLog(t, 1, 98), positionLog(t, 2, 100), positionLog(t, 3, 103)}
	counters := metrics.NewCounters()
	var got collector
	src := New(client, Options{Contract: lending, StartBlockOffset: 2, Counters: counters}, got.handle, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, src.poll(ctx))
	assert.Equal(t, []rangeQuery{{98, 100}}, client.recordedQueries())
	assert.Equal(t, 2, got.len())

	require.NoError(t, src.poll(ctx))
	assert.Len(t, client.recordedQueries(), 1, "no query while head has not moved")

	client.setHead(103)
	require.NoError(t, src.poll(ctx))
	assert.Equal(t, rangeQuery{101, 103}, client.recordedQueries()[1])
	assert.Equal(t, 3, got.len())
	assert.Equal(t, uint64(103), counters.Snapshot().LastEventBlock)
}

func TestPollKeepsCursorOnError(t *testing.T) {
	client := &fakeClient{head: 10, filterErr: errors.New("rpc timeout")}
	var got collector
	src := New(client, Options{Contract: lending}, got.handle, zerolog.Nop())
	ctx := context.Background()

	require.Error(t, src.poll(ctx))
	client.mu.Lock()
	client.filterErr = nil
	client.mu.Unlock()
	require.NoError(t, src.poll(ctx))

	queries := client.recordedQueries()
	require.Len(t, queries, 2)
	assert.Equal(t, queries[0], queries[1])
}

func TestPollHonoursMaxBlockRange(t *testing.T) {
	client := &fakeClient{head: 10}
	var got collector
	src := New(client, Options{Contract: lending, StartBlockOffset: 10, MaxBlockRange: 4}, got.handle, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, src.poll(ctx))
	}
	assert.Equal(t, []rangeQuery{{0, 3}, {4, 7}, {8, 10}}, client.recordedQueries())
}

func TestDispatchSkipsRemovedAndCountsDecodeFailures(t *testing.T) {
	removed := positionLog(t, 1, 5)
	removed.Removed = true
	broken := positionLog(t, 2, 6)
	broken.Data = []byte{0x01}
	client := &fakeClient{head: 7, logs: []types.Log{removed, broken, positionLog(t, 3, 7)}}
	counters := metrics.NewCounters()
	var got collector
	src := New(client, Options{Contract: lending, Counters: counters}, got.handle, zerolog.Nop())

	n, err := src.Replay(context.Background(), 5, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, got.len())
	assert.Equal(t, uint64(1), counters.Snapshot().DecodeFailures)
	assert.Equal(t, uint64(7), src.LastSeenBlock())
}

func TestReplayChunks(t *testing.T) {
	client := &fakeClient{head: 25}
	client.logs = []types.Log{positionLog(t, 1, 3), positionLog(t, 2, 12), positionLog(t, 3, 25)}
	var got collector
	src := New(client, Options{Contract: lending, MaxBlockRange: 10}, got.handle, zerolog.Nop())

	n, err := src.Replay(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []rangeQuery{{1, 10}, {11, 20}, {21, 25}}, client.recordedQueries())

	_, err = src.Replay(context.Background(), 30, 20)
	assert.Error(t, err)
}

type fakeLocker struct {
	mu       sync.Mutex
	attempts int
	grantOn  int
	released bool
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts < f.grantOn {
		return nil, false, nil
	}
	return func() {
		f.mu.Lock()
		f.released = true
		f.mu.Unlock()
	}, true, nil
}

func TestAwaitLockStandsBy(t *testing.T) {
	locker := &fakeLocker{grantOn: 3}
	src := New(&fakeClient{}, Options{Locker: locker, LockKey: 7}, func(context.Context, ledger.PositionUpdate) {}, zerolog.Nop())
	var waits []time.Duration
	src.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	unlock, err := src.awaitLock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, unlock)
	assert.Equal(t, 3, locker.attempts)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, waits)
	unlock()
	assert.True(t, locker.released)
}

func TestPushResubscribesAndCatchesUp(t *testing.T) {
	client := &fakeClient{head: 100, subErrs: []error{errors.New("dial ws"), nil, nil}}
	counters := metrics.NewCounters()
	var got collector
	src := New(client, Options{Contract: lending, Counters: counters}, got.handle, zerolog.Nop())

	var mu sync.Mutex
	var waits []time.Duration
	src.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.RunPush(ctx) }()

	var sub *fakeSub
	var ch chan<- types.Log
	require.Eventually(t, func() bool {
		var ok bool
		sub, ch, ok = client.subscription(0)
		return ok && src.LastSeenBlock() == 100
	}, time.Second, time.Millisecond)
	assert.True(t, counters.Snapshot().WSConnected)

	ch <- positionLog(t, 1, 101)
	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)

	client.mu.Lock()
	client.head = 104
	client.logs = []types.Log{positionLog(t, 2, 103)}
	client.mu.Unlock()
	sub.errc <- errors.New("ws closed")

	require.Eventually(t, func() bool {
		_, _, ok := client.subscription(1)
		return ok && got.len() == 2
	}, time.Second, time.Millisecond)
	assert.Contains(t, client.recordedQueries(), rangeQuery{102, 104})

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("push loop did not stop")
	}
	assert.False(t, counters.Snapshot().WSConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, time.Second}, waits, "backoff resets after a successful subscription")
}

func TestStartBlock(t *testing.T) {
	assert.Equal(t, uint64(98), startBlock(100, 2))
	assert.Equal(t, uint64(0), startBlock(1, 2))
}
