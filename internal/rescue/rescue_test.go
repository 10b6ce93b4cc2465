package rescue

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relayer/internal/alerting"
	"position-relayer/internal/config"
	"position-relayer/internal/metrics"
	"position-relayer/internal/storage"
)

var (
	wallet   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	borrower = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	posA     = common.HexToHash("0x01")
	posB     = common.HexToHash("0x02")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type topUp struct {
	id            common.Hash
	owner         common.Address
	newCollateral *big.Int
	debt          *big.Int
}

type fakeContract struct {
	owner    common.Address
	ownerErr error
	err      error
	calls    []topUp

	// when set, RescueTopUp signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (f *fakeContract) Sender() common.Address { return wallet }

func (f *fakeContract) Owner(context.Context) (common.Address, error) { return f.owner, f.ownerErr }

func (f *fakeContract) RescueTopUp(_ context.Context, id common.Hash, owner common.Address, newCollateral, debt *big.Int) (common.Hash, error) {
	f.calls = append(f.calls, topUp{id: id, owner: owner, newCollateral: newCollateral, debt: debt})
	if f.release != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return common.BigToHash(big.NewInt(int64(len(f.calls)))), nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingNotifier struct{ notes []alerting.Notification }

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

type memoryAudit struct{ records []storage.RescueRecord }

func (m *memoryAudit) InsertRescueRecord(_ context.Context, rec storage.RescueRecord) (storage.RescueRecord, error) {
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memoryAudit) ListRecentRescues(context.Context, int) ([]storage.RescueRecord, error) {
	return m.records, nil
}

type fakeGuard struct {
	ok  bool
	err error
}

func (g fakeGuard) Acquire(context.Context, common.Hash, time.Duration) (bool, error) { return g.ok, g.err }

func enabledInput() ConfigInput {
	return ConfigInput{
		Enabled:         true,
		AutoRescue:      true,
		MinHealthFactor: "1.0",
		MaxTopUpAmount:  "100000000000000000",
		RateLimit:       RateLimit{MaxRescuesPerHour: 10, MinDelayBetweenRescues: 300},
		PrivateKey:      "0x01",
	}
}

type harness struct {
	act      *Actuator
	contract *fakeContract
	clock    *clock
	notes    *recordingNotifier
	audit    *memoryAudit
	counters *metrics.Counters
}

func newHarness(t *testing.T, in ConfigInput) *harness {
	t.Helper()
	cfg, err := NewConfig(in)
	require.NoError(t, err)

	h := &harness{
		contract: &fakeContract{owner: wallet},
		clock:    &clock{t: time.Unix(1_700_000_000, 0)},
		notes:    &recordingNotifier{},
		audit:    &memoryAudit{},
	}
	h.counters = metrics.NewCountersAt(h.clock.now)
	h.act = New(Options{
		Config:   cfg,
		Factory:  func(string) (Contract, error) { return h.contract, nil },
		Notifier: h.notes,
		Audit:    h.audit,
		Counters: h.counters,
		Now:      h.clock.now,
	}, zerolog.Nop())
	if cfg.Enabled {
		require.NoError(t, h.act.Initialize(context.Background()))
	}
	return h
}

func atRisk(id common.Hash) Update {
	return Update{
		PositionID:   id,
		Owner:        borrower,
		Collateral:   e18(100),
		Debt:         e18(150),
		HealthFactor: big.NewInt(888888888888888888),
		Status:       "at_risk",
	}
}

func TestEndToEndSingleRescue(t *testing.T) {
	h := newHarness(t, enabledInput())
	ctx := context.Background()

	assert.True(t, h.act.CheckPosition(atRisk(posA)))
	assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))

	require.Len(t, h.contract.calls, 1)
	call := h.contract.calls[0]
	assert.Equal(t, posA, call.id)
	assert.Equal(t, borrower, call.owner)
	expected := new(big.Int).Add(e18(100), big.NewInt(1e17))
	assert.Equal(t, 0, call.newCollateral.Cmp(expected))
	assert.Equal(t, 0, call.debt.Cmp(e18(150)))

	status := h.act.GetStatus()
	assert.True(t, status.Enabled)
	assert.True(t, status.Initialized)
	assert.Equal(t, uint64(1), status.RescuesExecuted)
	require.NotNil(t, status.LastRescueTime)
	assert.Equal(t, h.clock.t.UnixMilli(), *status.LastRescueTime)
	require.NotNil(t, status.LastCheck)
	assert.Nil(t, status.LastError)

	history := h.act.GetHistory()
	require.Len(t, history, 1)
	assert.Equal(t, posA.Hex(), history[0].PositionID)
	assert.Equal(t, h.clock.t.UnixMilli(), history[0].Timestamp)

	assert.Equal(t, uint64(1), h.counters.Snapshot().RescuesExecuted)
	require.Len(t, h.notes.notes, 1)
	assert.Equal(t, alerting.KindRescueSucceeded, h.notes.notes[0].Kind)
	require.Len(t, h.audit.records, 1)
	assert.True(t, h.audit.records[0].Succeeded)
}

func TestMinDelayAllowsOneRescue(t *testing.T) {
	h := newHarness(t, enabledInput())
	ctx := context.Background()

	assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))
	h.clock.advance(60 * time.Second)
	assert.Equal(t, OutcomeRateLimited, h.act.ProcessUpdate(ctx, atRisk(posB)))
	assert.Len(t, h.contract.calls, 1)

	h.clock.advance(240 * time.Second)
	assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posB)))
	assert.Len(t, h.contract.calls, 2)
}

func TestPendingRescueDoesNotBlockOtherPositions(t *testing.T) {
	h := newHarness(t, enabledInput())
	h.contract.entered = make(chan struct{}, 1)
	h.contract.release = make(chan struct{})
	ctx := context.Background()

	done := make(chan Outcome, 1)
	go func() { done <- h.act.ProcessUpdate(ctx, atRisk(posA)) }()
	<-h.contract.entered

	healthy := atRisk(posB)
	healthy.HealthFactor = e18(2)
	returned := make(chan Outcome, 2)
	go func() {
		returned <- h.act.ProcessUpdate(ctx, healthy)
		returned <- h.act.ProcessUpdate(ctx, atRisk(posB))
	}()
	for _, want := range []Outcome{OutcomeSkipped, OutcomeRateLimited} {
		select {
		case got := <-returned:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("update blocked behind a pending rescue")
		}
	}
	assert.False(t, h.act.CheckPosition(atRisk(posB)))

	close(h.contract.release)
	assert.Equal(t, OutcomeSucceeded, <-done)
	require.Len(t, h.contract.calls, 1)
	assert.Equal(t, posA, h.contract.calls[0].id)
	assert.Equal(t, uint64(1), h.act.GetStatus().RescuesExecuted)
}

func TestHourlyLimit(t *testing.T) {
	in := enabledInput()
	in.RateLimit = RateLimit{MaxRescuesPerHour: 2, MinDelayBetweenRescues: 0}
	h := newHarness(t, in)
	ctx := context.Background()

	assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))
	h.clock.advance(time.Minute)
	assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))
	h.clock.advance(time.Minute)
	assert.Equal(t, OutcomeRateLimited, h.act.ProcessUpdate(ctx, atRisk(posA)))

	h.clock.advance(time.Hour)
	assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))
}

func TestGates(t *testing.T) {
	ctx := context.Background()

	t.Run("allow-list", func(t *testing.T) {
		in := enabledInput()
		in.MonitoredPositions = []string{posA.Hex()}
		h := newHarness(t, in)
		assert.Equal(t, OutcomeSkipped, h.act.ProcessUpdate(ctx, atRisk(posB)))
		assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))
	})

	t.Run("threshold is strict", func(t *testing.T) {
		h := newHarness(t, enabledInput())
		u := atRisk(posA)
		u.HealthFactor = e18(1)
		assert.Equal(t, OutcomeSkipped, h.act.ProcessUpdate(ctx, u))
		assert.Empty(t, h.contract.calls)
	})

	t.Run("auto rescue off", func(t *testing.T) {
		in := enabledInput()
		in.AutoRescue = false
		h := newHarness(t, in)
		assert.False(t, h.act.CheckPosition(atRisk(posA)))
		assert.Equal(t, OutcomeSkipped, h.act.ProcessUpdate(ctx, atRisk(posA)))
	})

	t.Run("disabled", func(t *testing.T) {
		in := enabledInput()
		in.Enabled = false
		h := newHarness(t, in)
		assert.Equal(t, OutcomeSkipped, h.act.ProcessUpdate(ctx, atRisk(posA)))
		assert.Empty(t, h.contract.calls)
	})
}

func TestFailedRescueIsCountedNotRetried(t *testing.T) {
	h := newHarness(t, enabledInput())
	h.contract.err = errors.New("execution reverted")
	ctx := context.Background()

	assert.Equal(t, OutcomeFailed, h.act.ProcessUpdate(ctx, atRisk(posA)))
	assert.Len(t, h.contract.calls, 1)

	status := h.act.GetStatus()
	assert.Equal(t, uint64(1), status.Errors)
	require.NotNil(t, status.LastError)
	assert.Contains(t, *status.LastError, "execution reverted")
	assert.Empty(t, h.act.GetHistory())
	assert.Equal(t, uint64(1), h.counters.Snapshot().RescueErrors)
	require.Len(t, h.notes.notes, 1)
	assert.Equal(t, alerting.KindRescueFailed, h.notes.notes[0].Kind)
	require.Len(t, h.audit.records, 1)
	assert.False(t, h.audit.records[0].Succeeded)

	_, err := h.act.ExecuteRescue(ctx, atRisk(posA))
	assert.Error(t, err)

	h.contract.err = nil
	assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)), "eligible again on the next event")
}

func TestHistoryIsBounded(t *testing.T) {
	in := enabledInput()
	in.RateLimit = RateLimit{MaxRescuesPerHour: 1000, MinDelayBetweenRescues: 0}
	h := newHarness(t, in)
	ctx := context.Background()

	first := h.clock.t
	for i := 0; i < 105; i++ {
		require.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))
		h.clock.advance(time.Second)
	}

	history := h.act.GetHistory()
	require.Len(t, history, historySize)
	assert.Equal(t, first.Add(5*time.Second).UnixMilli(), history[0].Timestamp)
	assert.Equal(t, uint64(105), h.act.GetStatus().RescuesExecuted)
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, enabledInput())
	h.act.guard = fakeGuard{ok: false}
	assert.Equal(t, OutcomeRateLimited, h.act.ProcessUpdate(ctx, atRisk(posA)))
	assert.Empty(t, h.contract.calls)

	h.act.guard = fakeGuard{err: errors.New("redis down")}
	assert.Equal(t, OutcomeFailed, h.act.ProcessUpdate(ctx, atRisk(posA)))
	assert.Empty(t, h.contract.calls)
	assert.Equal(t, uint64(1), h.act.GetStatus().Errors)

	h.act.guard = fakeGuard{ok: true}
	assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))
}

type fakeRedis struct {
	keys map[string]time.Duration
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	if _, held := f.keys[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisGuard(t *testing.T) {
	rdb := &fakeRedis{keys: map[string]time.Duration{}}
	guard := NewRedisGuard(rdb)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, posA, 300*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 300*time.Second, rdb.keys["rescue:"+posA.Hex()])

	ok, err = guard.Acquire(ctx, posA, 300*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	cfg, err := NewConfig(enabledInput())
	require.NoError(t, err)

	t.Run("no signer", func(t *testing.T) {
		in := enabledInput()
		in.PrivateKey = ""
		noKey, err := NewConfig(in)
		require.NoError(t, err)
		act := New(Options{Config: noKey}, zerolog.Nop())
		assert.ErrorIs(t, act.Initialize(ctx), ErrNoSigner)
		assert.False(t, act.Config().Enabled)
	})

	t.Run("not controller", func(t *testing.T) {
		contract := &fakeContract{owner: borrower}
		act := New(Options{Config: cfg, Factory: func(string) (Contract, error) { return contract, nil }}, zerolog.Nop())
		assert.ErrorIs(t, act.Initialize(ctx), ErrNotController)
		assert.False(t, act.GetStatus().Enabled)
		assert.False(t, act.GetStatus().Initialized)
	})

	t.Run("owner call fails", func(t *testing.T) {
		contract := &fakeContract{ownerErr: errors.New("dial tcp")}
		act := New(Options{Config: cfg, Factory: func(string) (Contract, error) { return contract, nil }}, zerolog.Nop())
		assert.Error(t, act.Initialize(ctx))
		assert.False(t, act.Config().Enabled)
	})

	t.Run("disabled is a no-op", func(t *testing.T) {
		act := New(Options{}, zerolog.Nop())
		assert.NoError(t, act.Initialize(ctx))
		assert.False(t, act.GetStatus().Initialized)
	})

	t.Run("not initialized", func(t *testing.T) {
		act := New(Options{Config: cfg}, zerolog.Nop())
		_, err := act.ExecuteRescue(ctx, atRisk(posA))
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func ptr[T any](v T) *T { return &v }

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("missing field", func(t *testing.T) {
		h := newHarness(t, enabledInput())
		_, err := h.act.UpdateConfig(ctx, ConfigUpdate{Enabled: ptr(true), AutoRescue: ptr(true), MinHealthFactor: ptr("1.2")})
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "maxTopUpAmount", vErr.Field)
		assert.Equal(t, "1.0", h.act.Config().MinHealthFactor)
	})

	t.Run("invalid threshold", func(t *testing.T) {
		h := newHarness(t, enabledInput())
		_, err := h.act.UpdateConfig(ctx, ConfigUpdate{
			Enabled: ptr(true), AutoRescue: ptr(true), MinHealthFactor: ptr("abc"), MaxTopUpAmount: ptr("1"),
		})
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "minHealthFactor", vErr.Field)
	})

	t.Run("replaces whole config", func(t *testing.T) {
		h := newHarness(t, enabledInput())
		next, err := h.act.UpdateConfig(ctx, ConfigUpdate{
			Enabled: ptr(true), AutoRescue: ptr(false), MinHealthFactor: ptr("1.25"), MaxTopUpAmount: ptr("5"),
			RateLimit: &RateLimit{MaxRescuesPerHour: 3, MinDelayBetweenRescues: 10},
		})
		require.NoError(t, err)
		assert.True(t, next.HasSigner())
		assert.Equal(t, 0, next.MinHealthFactorScaled().Cmp(big.NewInt(1_250_000_000_000_000_000)))
		assert.Equal(t, 3, h.act.Config().RateLimit.MaxRescuesPerHour)
		assert.False(t, h.act.CheckPosition(atRisk(posA)))
	})

	t.Run("enable without signer", func(t *testing.T) {
		in := enabledInput()
		in.Enabled = false
		in.PrivateKey = ""
		h := newHarness(t, in)
		_, err := h.act.UpdateConfig(ctx, ConfigUpdate{
			Enabled: ptr(true), AutoRescue: ptr(true), MinHealthFactor: ptr("1.0"), MaxTopUpAmount: ptr("1"),
		})
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "enabled", vErr.Field)
		assert.False(t, h.act.Config().Enabled)
	})

	t.Run("enable runs controller check", func(t *testing.T) {
		in := enabledInput()
		in.Enabled = false
		h := newHarness(t, in)
		_, err := h.act.UpdateConfig(ctx, ConfigUpdate{
			Enabled: ptr(true), AutoRescue: ptr(true), MinHealthFactor: ptr("1.0"), MaxTopUpAmount: ptr("1"),
		})
		require.NoError(t, err)
		assert.True(t, h.act.GetStatus().Initialized)
		assert.Equal(t, OutcomeSucceeded, h.act.ProcessUpdate(ctx, atRisk(posA)))
	})
}

func TestDecodeConfigUpdate(t *testing.T) {
	_, err := DecodeConfigUpdate([]byte(`{"enabled":"yes"}`))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "enabled", vErr.Field)

	_, err = DecodeConfigUpdate([]byte(`{`))
	require.ErrorAs(t, err, &vErr)

	upd, err := DecodeConfigUpdate([]byte(`{"enabled":false,"autoRescue":true,"minHealthFactor":"1.1","maxTopUpAmount":"7"}`))
	require.NoError(t, err)
	require.NotNil(t, upd.AutoRescue)
	assert.True(t, *upd.AutoRescue)
}

func TestConfigParsing(t *testing.T) {
	hf, err := ParseHealthFactor("0.95")
	require.NoError(t, err)
	assert.Equal(t, 0, hf.Cmp(big.NewInt(950_000_000_000_000_000)))

	_, err = ParseHealthFactor("0")
	assert.Error(t, err)

	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 0, cfg.MinHealthFactorScaled().Cmp(e18(1)))
	assert.Equal(t, 0, cfg.MaxTopUp().Cmp(big.NewInt(1e17)))
	assert.Equal(t, 10, cfg.RateLimit.MaxRescuesPerHour)
	assert.True(t, cfg.Monitors(posB), "empty allow-list admits all")

	fromEnv, err := FromSettings(config.BotConfig{
		MinHealthFactor:    "1.1",
		MaxTopUpAmount:     "10",
		MaxRescuesPerHour:  4,
		MinDelaySeconds:    60,
		MonitoredPositions: []string{"0x01", " ", "01"},
	})
	require.NoError(t, err)
	assert.Len(t, fromEnv.MonitoredPositions, 1)
	assert.True(t, fromEnv.Monitors(posA))
	assert.False(t, fromEnv.Monitors(posB))
	assert.Equal(t, 60, fromEnv.RateLimit.MinDelayBetweenRescues)

	_, err = NewConfig(ConfigInput{MinHealthFactor: "1", MaxTopUpAmount: "1", MonitoredPositions: []string{"0xzz"}})
	assert.Error(t, err)
}

type fakeBound struct {
	owner   common.Address
	sent    []interface{}
	sendErr error
}

func (f *fakeBound) Call(_ *bind.CallOpts, results *[]interface{}, method string, _ ...interface{}) error {
	*results = []interface{}{f.owner}
	return nil
}

func (f *fakeBound) Transact(_ *bind.TransactOpts, _ string, params ...interface{}) (*types.Transaction, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = params
	return types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 21000, GasPrice: big.NewInt(1)}), nil
}

func TestEthContract(t *testing.T) {
	bound := &fakeBound{owner: wallet}
	status := types.ReceiptStatusSuccessful
	wait := func(context.Context, *types.Transaction) (*types.Receipt, error) {
		return &types.Receipt{Status: status}, nil
	}
	c := newEthContract(bound, &bind.TransactOpts{From: wallet}, wait, ContractOptions{})
	ctx := context.Background()

	owner, err := c.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, wallet, owner)
	assert.Equal(t, wallet, c.Sender())

	hash, err := c.RescueTopUp(ctx, posA, borrower, e18(2), e18(1))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	require.Len(t, bound.sent, 4)
	assert.Equal(t, [32]byte(posA), bound.sent[0])

	status = types.ReceiptStatusFailed
	_, err = c.RescueTopUp(ctx, posA, borrower, e18(2), e18(1))
	assert.ErrorIs(t, err, ErrReverted)

	bound.sendErr = errors.New("nonce too low")
	_, err = c.RescueTopUp(ctx, posA, borrower, e18(2), e18(1))
	assert.ErrorContains(t, err, "nonce too low")
}

func TestContractFactoryRequiresSigner(t *testing.T) {
	factory := NewContractFactory(nil, ContractOptions{})
	_, err := factory("")
	assert.ErrorIs(t, err, ErrNoSigner)
	_, err = factory("0x01")
	assert.Error(t, err)
}
