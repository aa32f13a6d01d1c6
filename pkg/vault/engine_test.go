package vault

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vault/pkg/events"
)

func TestEngineConfigDefaults(t *testing.T) {
	var cfg EngineConfig
	cfg.applyDefaults()

	assert.Equal(t, "owner", cfg.Owner)
	assert.Equal(t, DefaultFeeRateBps, cfg.FeeRateBps)
	assert.Equal(t, DefaultTargetLTV, cfg.TargetLTVBps)
	assert.Equal(t, DefaultMaxLTV, cfg.MaxLTVBps)
	assert.Equal(t, DefaultLiqLTV, cfg.LiqLTVBps)
	assert.Equal(t, DefaultSlippage, cfg.SlippageBps)
	assert.NotZero(t, cfg.NAVMinUpdateInterval)
	assert.NotZero(t, cfg.NAVPriceThresholdBps)
	assert.NotZero(t, cfg.StrikeMinSweepInterval)
}

func TestExternalRefsRotation(t *testing.T) {
	tv := newTestVault(t, 50000)
	_, err := tv.engine.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)

	// Swap in a replacement feed; every subsequent read must see it.
	newFeed := NewSimPriceFeed(decimal.NewFromInt(55000))
	newSwapper := NewMemorySwapper(newFeed, testRisk, testStable)
	tv.engine.SetExternalRefs(ExternalRefs{Venue: tv.venue, Swapper: newSwapper, Feed: newFeed})

	snap, err := tv.engine.Oracle.TriggerUpdate()
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(55000)),
		"valuation follows the rotated feed")

	// The old feed keeps moving; the engine must not care.
	tv.setPrice(10)
	snap, err = tv.engine.Oracle.TriggerUpdate()
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(55000)))
}

func TestAdminSettersAreOwnerGated(t *testing.T) {
	tv := newTestVault(t, 50000)
	e := tv.engine

	assert.Equal(t, "owner", e.Owner())

	assert.ErrorIs(t, e.SetFeeRate("alice", 1000), ErrUnauthorized)
	assert.ErrorIs(t, e.SetDepositsPaused("alice", true), ErrUnauthorized)
	assert.ErrorIs(t, e.SetWithdrawalsPaused("alice", true), ErrUnauthorized)
	assert.ErrorIs(t, e.SetRiskParams("alice", 5000, 6000, 7000, 50), ErrUnauthorized)
	assert.ErrorIs(t, e.SetNAVPolicy("alice", 0, 0), ErrUnauthorized)

	assert.Equal(t, int64(500), e.Ledger.FeeRateBps())
	assert.Equal(t, int64(6500), e.Leverage.TargetLTVBps())

	// The rejected pause attempts must not have taken effect.
	_, err := e.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)
}

func TestOwnerChangesFeeAndPauses(t *testing.T) {
	tv := newTestVault(t, 50000)
	e := tv.engine

	require.NoError(t, e.SetFeeRate("owner", 1000))
	assert.Equal(t, int64(1000), e.Ledger.FeeRateBps())

	require.NoError(t, e.SetDepositsPaused("owner", true))
	_, err := e.Deposit(big.NewInt(100_000_000), "alice")
	assert.ErrorIs(t, err, ErrDepositsPaused)

	require.NoError(t, e.SetDepositsPaused("owner", false))
	_, err = e.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)

	require.NoError(t, e.SetWithdrawalsPaused("owner", true))
	_, err = e.Withdraw(big.NewInt(1_000_000), "alice", "alice", "alice")
	assert.ErrorIs(t, err, ErrWithdrawalsPaused)
}

func TestSetRiskParamsTakesEffect(t *testing.T) {
	tv := newTestVault(t, 50000)
	e := tv.engine

	assert.ErrorIs(t, e.SetRiskParams("owner", 6000, 5000, 8500, 100), ErrInvalidParameter)
	assert.ErrorIs(t, e.SetRiskParams("owner", 5000, 6000, 6000, 100), ErrInvalidParameter)
	assert.ErrorIs(t, e.SetRiskParams("owner", 5000, 6000, 7000, MaxSlippageBps+1), ErrInvalidParameter)

	require.NoError(t, e.SetRiskParams("owner", 5000, 6000, 7000, 100))
	assert.Equal(t, int64(5000), e.Leverage.TargetLTVBps())
	assert.Equal(t, int64(6000), e.Leverage.MaxLTVBps())

	// A 50% target levers a 1 WBTC deposit to 3333 bps post-entry:
	// debt 2.5e12 against 1.5 WBTC of collateral at 50000.
	_, err := e.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)
	ltv, err := e.Leverage.CurrentLTVBps()
	require.NoError(t, err)
	assert.Equal(t, int64(3333), ltv)
}

func TestSetNAVPolicy(t *testing.T) {
	tv := newTestVault(t, 50000)
	e := tv.engine

	_, err := e.Oracle.TriggerUpdate()
	require.NoError(t, err)
	assert.False(t, e.Oracle.ShouldUpdate(), "inside the hour-long debounce window")

	assert.ErrorIs(t, e.SetNAVPolicy("owner", -time.Second, 0), ErrInvalidParameter)

	require.NoError(t, e.SetNAVPolicy("owner", 0, 0))
	assert.True(t, e.Oracle.ShouldUpdate(), "zero interval recomputes on every read")
}

// recordingPublisher counts published events by type.
type recordingPublisher struct {
	mu     sync.Mutex
	byType map[string]int
}

func (p *recordingPublisher) Publish(ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byType == nil {
		p.byType = make(map[string]int)
	}
	p.byType[ev.Type]++
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byType[eventType]
}

func TestLifecycleEventsPublished(t *testing.T) {
	rec := &recordingPublisher{}
	tv := newTestVaultWithPublisher(t, 50000, rec)

	_, err := tv.engine.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)
	assert.Positive(t, rec.count(events.TypeDeposit))
	assert.Positive(t, rec.count(events.TypeNAVUpdate))

	// Strike already met at deposit time, so conversion happens inline.
	require.NoError(t, tv.engine.Strikes.SetStrikePoint("bob", decimal.NewFromInt(55000)))
	require.NoError(t, tv.engine.Strikes.DepositPending("bob", big.NewInt(5_000_000_000)))
	assert.Equal(t, 1, rec.count(events.TypeStrikeTriggered))

	tv.setPrice(26000)
	require.NoError(t, tv.engine.GuardLTV())
	assert.Equal(t, 1, rec.count(events.TypeDelever))

	_, err = tv.engine.Withdraw(big.NewInt(1_000_000), "alice", "alice", "alice")
	require.NoError(t, err)
	assert.Positive(t, rec.count(events.TypeWithdraw))
}

func TestEngineSweepCountsStrikes(t *testing.T) {
	tv := newTestVault(t, 50000)

	require.NoError(t, tv.engine.Strikes.SetStrikePoint("alice", decimal.NewFromInt(55000)))
	require.NoError(t, tv.engine.Strikes.DepositPending("alice", big.NewInt(5_000_000_000)))

	// Strike already satisfied at deposit time, so the sweep finds nothing.
	n, err := tv.engine.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Positive(t, tv.engine.Ledger.BalanceOf("alice").Int64())
}
