package vault

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

const navLatestKey = "nav:latest"

// SharesSource exposes the ledger state the oracle needs for valuation.
type SharesSource interface {
	SharesOutstanding() *big.Int
	IdleBalance() *big.Int
}

// NAVOracle produces the single authoritative net-asset-value figure the
// ledger prices every deposit and withdrawal against. Recomputation is
// debounced: a stale snapshot is served until the update interval elapses
// or price moves past the threshold. TriggerUpdate bypasses the debounce.
type NAVOracle struct {
	refs     *atomic.Pointer[ExternalRefs]
	leverage *LeverageManager
	shares   SharesSource
	db       database.Database
	logger   log.Logger

	minUpdateInterval time.Duration
	priceThresholdBps int64

	snapshot  *NAVSnapshot
	lastPrice decimal.Decimal
	onUpdate  []func(*NAVSnapshot)
	mu        sync.RWMutex
}

// NAVOracleConfig parameterizes the debounce policy.
type NAVOracleConfig struct {
	MinUpdateInterval time.Duration
	PriceThresholdBps int64
}

// NewNAVOracle creates an oracle. db may be nil to skip snapshot history.
// The shares source is bound separately because the ledger and oracle
// reference each other.
func NewNAVOracle(cfg NAVOracleConfig, refs *atomic.Pointer[ExternalRefs], leverage *LeverageManager, db database.Database, logger log.Logger) *NAVOracle {
	return &NAVOracle{
		refs:              refs,
		leverage:          leverage,
		db:                db,
		logger:            logger,
		minUpdateInterval: cfg.MinUpdateInterval,
		priceThresholdBps: cfg.PriceThresholdBps,
	}
}

// BindShares wires the ledger's share supply and idle balance reads.
func (o *NAVOracle) BindShares(src SharesSource) {
	o.shares = src
}

// SetDebouncePolicy replaces the update interval and price movement
// threshold. A zero interval forces recomputation on every read.
func (o *NAVOracle) SetDebouncePolicy(interval time.Duration, thresholdBps int64) error {
	if interval < 0 || thresholdBps < 0 {
		return fmt.Errorf("%w: interval %s, threshold %d bps", ErrInvalidParameter, interval, thresholdBps)
	}
	o.mu.Lock()
	o.minUpdateInterval = interval
	o.priceThresholdBps = thresholdBps
	o.mu.Unlock()
	return nil
}

// OnUpdate registers a callback invoked with every persisted snapshot.
func (o *NAVOracle) OnUpdate(fn func(*NAVSnapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onUpdate = append(o.onUpdate, fn)
}

// compute produces a fresh valuation without persisting it.
func (o *NAVOracle) compute() (*NAVSnapshot, error) {
	r := o.refs.Load()
	price, err := r.Feed.CurrentPrice()
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	pos, err := o.leverage.Snapshot()
	if err != nil {
		return nil, err
	}

	idle := o.shares.IdleBalance()
	supply := o.shares.SharesOutstanding()

	totalAssets := new(big.Int).Add(idle, pos.Supplied)
	totalAssetValue := amountDec(totalAssets).Mul(price)
	totalDebt := amountDec(pos.Borrowed)

	nav := totalAssetValue.Sub(totalDebt)
	if nav.Sign() < 0 {
		nav = decimal.Zero
	}

	navPerShare := decimal.Zero
	if supply.Sign() > 0 {
		navPerShare = nav.Div(amountDec(supply))
	}

	return &NAVSnapshot{
		Timestamp:         time.Now(),
		Price:             price,
		TotalAssetValue:   totalAssetValue,
		TotalDebt:         totalDebt,
		NetAssetValue:     nav,
		SharesOutstanding: new(big.Int).Set(supply),
		NAVPerShare:       navPerShare,
	}, nil
}

// CalculateNAV recomputes the valuation and persists it as the new
// authoritative snapshot, superseding the previous one.
func (o *NAVOracle) CalculateNAV() (*NAVSnapshot, error) {
	snap, err := o.compute()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.snapshot = snap
	o.lastPrice = snap.Price
	callbacks := make([]func(*NAVSnapshot), len(o.onUpdate))
	copy(callbacks, o.onUpdate)
	o.mu.Unlock()

	o.store(snap)
	for _, fn := range callbacks {
		fn(snap)
	}

	o.logger.Debug("NAV updated",
		"navPerShare", snap.NAVPerShare.String(),
		"netAssetValue", snap.NetAssetValue.String(),
		"shares", snap.SharesOutstanding.String())
	return snap, nil
}

// store writes the snapshot history. Persistence failures are logged, never
// surfaced: valuation must not fail because the history write did.
func (o *NAVOracle) store(snap *NAVSnapshot) {
	if o.db == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		o.logger.Error("Failed to marshal NAV snapshot", "error", err)
		return
	}
	key := fmt.Sprintf("nav:%d", snap.Timestamp.UnixNano())
	if err := o.db.Put([]byte(key), data); err != nil {
		o.logger.Error("Failed to store NAV snapshot", "error", err, "key", key)
	}
	if err := o.db.Put([]byte(navLatestKey), data); err != nil {
		o.logger.Error("Failed to store latest NAV snapshot", "error", err)
	}
}

// LoadStoredSnapshot reads the last persisted snapshot, if any.
func (o *NAVOracle) LoadStoredSnapshot() (*NAVSnapshot, error) {
	if o.db == nil {
		return nil, nil
	}
	data, err := o.db.Get([]byte(navLatestKey))
	if err != nil {
		return nil, nil // no history yet
	}
	var snap NAVSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode stored snapshot: %w", err)
	}
	return &snap, nil
}

// ShouldUpdate reports whether the debounce policy calls for a fresh
// valuation: always on the first call, after the minimum interval, or once
// price has moved more than the threshold since the last recorded price.
func (o *NAVOracle) ShouldUpdate() bool {
	o.mu.RLock()
	snap := o.snapshot
	lastPrice := o.lastPrice
	interval := o.minUpdateInterval
	thresholdBps := o.priceThresholdBps
	o.mu.RUnlock()

	if snap == nil {
		return true
	}
	if time.Since(snap.Timestamp) >= interval {
		return true
	}
	price, err := o.refs.Load().Feed.CurrentPrice()
	if err != nil || lastPrice.IsZero() {
		return false
	}
	moveBps := price.Sub(lastPrice).Abs().Mul(bpsDec).Div(lastPrice)
	return moveBps.IntPart() >= thresholdBps
}

// TriggerUpdate bypasses the debounce and recomputes immediately. Wired to
// the ledger, the leverage manager, and the keeper.
func (o *NAVOracle) TriggerUpdate() (*NAVSnapshot, error) {
	return o.CalculateNAV()
}

// Snapshot returns the current authoritative snapshot, honoring the
// debounce policy. Falls back to a fresh computation when none exists.
func (o *NAVOracle) Snapshot() (*NAVSnapshot, error) {
	if o.ShouldUpdate() {
		return o.CalculateNAV()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot, nil
}

// CurrentNAVPerShare returns the debounced NAV-per-share figure.
func (o *NAVOracle) CurrentNAVPerShare() (decimal.Decimal, error) {
	snap, err := o.Snapshot()
	if err != nil {
		return decimal.Zero, err
	}
	return snap.NAVPerShare, nil
}

// PreviewDeposit converts an asset amount to the shares it would mint,
// using a fresh un-persisted valuation so first-time callers never observe
// a meaningless zero.
func (o *NAVOracle) PreviewDeposit(assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	snap, err := o.compute()
	if err != nil {
		return nil, err
	}
	if snap.SharesOutstanding.Sign() == 0 || snap.NAVPerShare.IsZero() {
		return new(big.Int).Set(assets), nil
	}
	assetValue := amountDec(assets).Mul(snap.Price)
	return assetValue.Div(snap.NAVPerShare).Floor().BigInt(), nil
}

// PreviewRedeem converts a share amount to the asset value it represents,
// in risk asset units, using a fresh un-persisted valuation.
func (o *NAVOracle) PreviewRedeem(shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	snap, err := o.compute()
	if err != nil {
		return nil, err
	}
	if snap.NAVPerShare.IsZero() {
		return big.NewInt(0), nil
	}
	value := amountDec(shares).Mul(snap.NAVPerShare)
	return value.Div(snap.Price).Floor().BigInt(), nil
}
