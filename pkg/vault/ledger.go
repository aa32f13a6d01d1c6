package vault

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/vault/pkg/events"
)

// VaultLedger is the share-issuing accounting core: the sole mutator of
// share supply and per-holder cost basis. Every deposit and withdrawal is
// transactional; overlapping or reentrant entry into a guarded operation
// is rejected with ErrReentrantCall rather than interleaved.
type VaultLedger struct {
	balances    map[string]*big.Int
	positions   map[string]*HolderPosition
	allowances  map[string]map[string]*big.Int
	totalSupply *big.Int
	idle        *big.Int // risk asset custody not deployed to the venue

	feeRateBps        int64
	depositsPaused    bool
	withdrawalsPaused bool

	refs     *atomic.Pointer[ExternalRefs]
	leverage *LeverageManager
	oracle   *NAVOracle
	events   events.Publisher
	logger   log.Logger

	entered atomic.Bool
	mu      sync.RWMutex
}

// NewVaultLedger creates the ledger and binds it as the oracle's share
// supply source.
func NewVaultLedger(feeRateBps int64, refs *atomic.Pointer[ExternalRefs], leverage *LeverageManager, oracle *NAVOracle, pub events.Publisher, logger log.Logger) (*VaultLedger, error) {
	if feeRateBps < 0 || feeRateBps > MaxFeeRateBps {
		return nil, fmt.Errorf("%w: fee rate %d bps exceeds ceiling %d", ErrInvalidParameter, feeRateBps, MaxFeeRateBps)
	}
	l := &VaultLedger{
		balances:    make(map[string]*big.Int),
		positions:   make(map[string]*HolderPosition),
		allowances:  make(map[string]map[string]*big.Int),
		totalSupply: big.NewInt(0),
		idle:        big.NewInt(0),
		feeRateBps:  feeRateBps,
		refs:        refs,
		leverage:    leverage,
		oracle:      oracle,
		events:      pub,
		logger:      logger,
	}
	oracle.BindShares(l)
	return l, nil
}

// enter acquires the per-operation guard. The guard is a flag, not a lock:
// a nested call from an external collaborator fails instead of
// deadlocking, and the failure aborts the nested call only.
func (l *VaultLedger) enter() error {
	if !l.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (l *VaultLedger) exit() {
	l.entered.Store(false)
}

// Deposit converts assets into newly minted shares for receiver at the
// current NAV-per-share (1:1 when supply is zero), records the weighted
// average entry price against pre-deposit state, and forwards the assets
// into the leverage entry path.
func (l *VaultLedger) Deposit(assets *big.Int, receiver string) (*big.Int, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()

	l.mu.RLock()
	paused := l.depositsPaused
	l.mu.RUnlock()
	if paused {
		return nil, ErrDepositsPaused
	}
	if assets == nil || assets.Sign() <= 0 || receiver == "" {
		return nil, ErrInvalidAmount
	}

	snap, err := l.oracle.TriggerUpdate()
	if err != nil {
		return nil, err
	}
	price := snap.Price

	shares := l.convertToShares(assets, snap)
	if shares.Sign() == 0 {
		// Dust relative to NAV-per-share; a silent zero-share mint would
		// still report success.
		return nil, fmt.Errorf("%w: %s assets mint zero shares", ErrInvalidAmount, assets.String())
	}

	l.mu.Lock()
	prevPos := l.snapshotPosition(receiver)
	l.recordEntry(receiver, shares, price)
	l.mint(receiver, shares)
	l.mu.Unlock()

	if err := l.leverage.OnDeposit(assets); err != nil {
		l.mu.Lock()
		l.burn(receiver, shares)
		l.restorePosition(receiver, prevPos)
		l.mu.Unlock()
		return nil, fmt.Errorf("leverage entry: %w", err)
	}

	if _, err := l.oracle.TriggerUpdate(); err != nil {
		l.logger.Warn("Post-deposit NAV update failed", "error", err)
	}
	l.publish(events.TypeDeposit, receiver, assets, shares, price)
	l.logger.Info("Deposit",
		"receiver", receiver,
		"assets", assets.String(),
		"shares", shares.String(),
		"price", price.String())
	return shares, nil
}

// Withdraw redeems an asset amount for owner, burning the equivalent
// shares and proportionally unwinding the leverage position. caller must
// be owner or hold sufficient allowance on owner's shares. The payout is
// the unwound proceeds minus the performance fee; the fee stays in the
// vault, raising NAV-per-share for remaining holders.
func (l *VaultLedger) Withdraw(assets *big.Int, receiver, owner, caller string) (*big.Int, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()

	l.mu.RLock()
	paused := l.withdrawalsPaused
	l.mu.RUnlock()
	if paused {
		return nil, ErrWithdrawalsPaused
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	snap, err := l.oracle.TriggerUpdate()
	if err != nil {
		return nil, err
	}
	price := snap.Price
	if snap.SharesOutstanding.Sign() == 0 || snap.NAVPerShare.IsZero() {
		return nil, ErrInsufficientShares
	}

	assetValue := amountDec(assets).Mul(price)
	shares := assetValue.Div(snap.NAVPerShare).Floor().BigInt()
	if shares.Sign() == 0 {
		return nil, ErrInsufficientShares
	}

	l.mu.RLock()
	balance, ok := l.balances[owner]
	allowed := l.allowanceLocked(owner, caller)
	l.mu.RUnlock()
	if !ok || balance.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	if caller != owner && allowed.Cmp(shares) < 0 {
		return nil, ErrInsufficientAllowance
	}

	// Unwind exactly the share of the whole position being redeemed, never
	// an independently computed asset target.
	pctBps := new(big.Int).Mul(shares, big.NewInt(BpsDenominator))
	pctBps.Div(pctBps, snap.SharesOutstanding)
	if pctBps.Sign() == 0 {
		return nil, ErrInsufficientShares
	}

	proceeds, err := l.leverage.PrepareExit(pctBps.Int64())
	if err != nil {
		return nil, fmt.Errorf("position unwind: %w", err)
	}

	l.mu.Lock()
	fee := l.performanceFee(owner, proceeds, price)
	if caller != owner {
		l.spendAllowance(owner, caller, shares)
	}
	l.burn(owner, shares)
	l.reduceEntry(owner, shares)
	// Proceeds land in vault custody; fee stays behind.
	l.idle.Add(l.idle, fee)
	l.mu.Unlock()

	payout := new(big.Int).Sub(proceeds, fee)

	if _, err := l.oracle.TriggerUpdate(); err != nil {
		l.logger.Warn("Post-withdraw NAV update failed", "error", err)
	}
	l.publish(events.TypeWithdraw, owner, payout, shares, price)
	l.logger.Info("Withdraw",
		"owner", owner,
		"receiver", receiver,
		"shares", shares.String(),
		"proceeds", proceeds.String(),
		"fee", fee.String())
	return payout, nil
}

// convertToShares prices assets into shares against the given snapshot.
// Zero supply, or a vault whose NAV was wiped, mints 1:1.
func (l *VaultLedger) convertToShares(assets *big.Int, snap *NAVSnapshot) *big.Int {
	if snap.SharesOutstanding.Sign() == 0 || snap.NAVPerShare.IsZero() {
		return new(big.Int).Set(assets)
	}
	assetValue := amountDec(assets).Mul(snap.Price)
	return assetValue.Div(snap.NAVPerShare).Floor().BigInt()
}

// recordEntry updates the holder's share-weighted average entry price:
// entry' = (entry*existing + price*new) / (existing + new).
func (l *VaultLedger) recordEntry(holder string, newShares *big.Int, price decimal.Decimal) {
	pos, ok := l.positions[holder]
	if !ok || pos.EntryShares.Sign() == 0 {
		l.positions[holder] = &HolderPosition{
			EntryPrice:  price,
			EntryShares: new(big.Int).Set(newShares),
		}
		return
	}
	existing := amountDec(pos.EntryShares)
	incoming := amountDec(newShares)
	weighted := pos.EntryPrice.Mul(existing).Add(price.Mul(incoming))
	pos.EntryPrice = weighted.Div(existing.Add(incoming))
	pos.EntryShares.Add(pos.EntryShares, newShares)
}

// reduceEntry decreases the holder's recorded shares; a full exit zeroes
// the position entirely. Partial exits keep the blended entry price.
func (l *VaultLedger) reduceEntry(holder string, shares *big.Int) {
	pos, ok := l.positions[holder]
	if !ok {
		return
	}
	pos.EntryShares.Sub(pos.EntryShares, shares)
	if pos.EntryShares.Sign() <= 0 {
		delete(l.positions, holder)
	}
}

// performanceFee charges feeRate on the realized profit fraction of the
// unwound proceeds. No recorded entry or no profit means no fee; paper
// gains on shares never withdrawn are never taxed.
func (l *VaultLedger) performanceFee(holder string, proceeds *big.Int, price decimal.Decimal) *big.Int {
	pos, ok := l.positions[holder]
	if !ok || pos.EntryPrice.Sign() <= 0 {
		return big.NewInt(0)
	}
	if price.Cmp(pos.EntryPrice) <= 0 {
		return big.NewInt(0)
	}
	profitFraction := price.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	fee := amountDec(proceeds).Mul(profitFraction).
		Mul(decimal.NewFromInt(l.feeRateBps)).Div(bpsDec)
	return fee.Floor().BigInt()
}

func (l *VaultLedger) mint(holder string, shares *big.Int) {
	bal, ok := l.balances[holder]
	if !ok {
		bal = big.NewInt(0)
		l.balances[holder] = bal
	}
	bal.Add(bal, shares)
	l.totalSupply.Add(l.totalSupply, shares)
}

func (l *VaultLedger) burn(holder string, shares *big.Int) {
	if bal, ok := l.balances[holder]; ok {
		bal.Sub(bal, shares)
		if bal.Sign() <= 0 {
			delete(l.balances, holder)
		}
	}
	l.totalSupply.Sub(l.totalSupply, shares)
}

func (l *VaultLedger) snapshotPosition(holder string) *HolderPosition {
	pos, ok := l.positions[holder]
	if !ok {
		return nil
	}
	return &HolderPosition{
		EntryPrice:  pos.EntryPrice,
		EntryShares: new(big.Int).Set(pos.EntryShares),
	}
}

func (l *VaultLedger) restorePosition(holder string, prev *HolderPosition) {
	if prev == nil {
		delete(l.positions, holder)
		return
	}
	l.positions[holder] = prev
}

// Approve grants spender the right to withdraw up to shares of owner's
// balance.
func (l *VaultLedger) Approve(owner, spender string, shares *big.Int) error {
	if shares == nil || shares.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[string]*big.Int)
	}
	l.allowances[owner][spender] = new(big.Int).Set(shares)
	return nil
}

// Allowance returns the remaining shares spender may withdraw from owner.
func (l *VaultLedger) Allowance(owner, spender string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.allowanceLocked(owner, spender))
}

func (l *VaultLedger) allowanceLocked(owner, spender string) *big.Int {
	if m, ok := l.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return big.NewInt(0)
}

func (l *VaultLedger) spendAllowance(owner, spender string, shares *big.Int) {
	if m, ok := l.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			a.Sub(a, shares)
		}
	}
}

// BalanceOf returns holder's share balance.
func (l *VaultLedger) BalanceOf(holder string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.balances[holder]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// SharesOutstanding returns the total share supply.
func (l *VaultLedger) SharesOutstanding() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.totalSupply)
}

// IdleBalance returns the risk asset custody not deployed to the venue.
func (l *VaultLedger) IdleBalance() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.idle)
}

// Position returns holder's cost-basis record, or ErrNoPosition.
func (l *VaultLedger) Position(holder string) (HolderPosition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[holder]
	if !ok {
		return HolderPosition{}, ErrNoPosition
	}
	return HolderPosition{
		EntryPrice:  pos.EntryPrice,
		EntryShares: new(big.Int).Set(pos.EntryShares),
	}, nil
}

// FeeRateBps returns the current performance fee rate.
func (l *VaultLedger) FeeRateBps() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.feeRateBps
}

// SetFeeRate updates the performance fee rate, capped at the hard ceiling.
func (l *VaultLedger) SetFeeRate(bps int64) error {
	if bps < 0 || bps > MaxFeeRateBps {
		return fmt.Errorf("%w: fee rate %d bps exceeds ceiling %d", ErrInvalidParameter, bps, MaxFeeRateBps)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.feeRateBps = bps
	return nil
}

// SetDepositsPaused toggles the deposit circuit breaker.
func (l *VaultLedger) SetDepositsPaused(paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.depositsPaused = paused
}

// SetWithdrawalsPaused toggles the withdrawal circuit breaker.
func (l *VaultLedger) SetWithdrawalsPaused(paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withdrawalsPaused = paused
}

func (l *VaultLedger) publish(eventType, holder string, amount, shares *big.Int, price decimal.Decimal) {
	if l.events == nil {
		return
	}
	ev := events.New(eventType)
	ev.Holder = holder
	ev.Amount = amount.String()
	ev.Shares = shares.String()
	ev.Price = price.String()
	if err := l.events.Publish(ev); err != nil {
		l.logger.Warn("Event publish failed", "type", eventType, "error", err)
	}
}
