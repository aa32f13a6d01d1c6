package vault

import (
	"fmt"
	"math"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// LeverageManager drives the vault's supplied/borrowed position against the
// lending venue. Leverage is applied once per deposit as a single
// borrow-swap-supply cycle and proportionally released on exit; it is never
// continuously rebalanced, only force-adjusted by EmergencyDelever.
type LeverageManager struct {
	account     string // venue account the position is held under
	riskAsset   string
	stableAsset string

	// Owner-adjustable; atomics so an in-flight operation reads a
	// consistent value without holding a lock across external calls.
	targetLTVBps atomic.Int64
	maxLTVBps    atomic.Int64
	liqLTVBps    atomic.Int64
	slippageBps  atomic.Int64

	refs   *atomic.Pointer[ExternalRefs]
	logger log.Logger
}

// LeverageConfig parameterizes a LeverageManager.
type LeverageConfig struct {
	Account      string
	RiskAsset    string
	StableAsset  string
	TargetLTVBps int64
	MaxLTVBps    int64
	LiqLTVBps    int64
	SlippageBps  int64
}

// NewLeverageManager creates a leverage manager. Target must sit below max,
// and slippage tolerance is capped at the hard ceiling.
func NewLeverageManager(cfg LeverageConfig, refs *atomic.Pointer[ExternalRefs], logger log.Logger) (*LeverageManager, error) {
	lm := &LeverageManager{
		account:     cfg.Account,
		riskAsset:   cfg.RiskAsset,
		stableAsset: cfg.StableAsset,
		refs:        refs,
		logger:      logger,
	}
	if err := lm.SetRiskParams(cfg.TargetLTVBps, cfg.MaxLTVBps, cfg.LiqLTVBps, cfg.SlippageBps); err != nil {
		return nil, err
	}
	return lm, nil
}

// SetRiskParams updates the LTV targets and slippage tolerance, validating
// the same invariants as construction.
func (lm *LeverageManager) SetRiskParams(targetBps, maxBps, liqBps, slippageBps int64) error {
	if targetBps <= 0 || maxBps <= 0 || targetBps >= maxBps {
		return fmt.Errorf("%w: target ltv %d must be below max ltv %d", ErrInvalidParameter, targetBps, maxBps)
	}
	if slippageBps < 0 || slippageBps > MaxSlippageBps {
		return fmt.Errorf("%w: slippage %d bps exceeds ceiling %d", ErrInvalidParameter, slippageBps, MaxSlippageBps)
	}
	if liqBps <= maxBps {
		return fmt.Errorf("%w: liquidation ltv %d must exceed max ltv %d", ErrInvalidParameter, liqBps, maxBps)
	}
	lm.targetLTVBps.Store(targetBps)
	lm.maxLTVBps.Store(maxBps)
	lm.liqLTVBps.Store(liqBps)
	lm.slippageBps.Store(slippageBps)
	return nil
}

// Snapshot reads the live position from the lending venue.
func (lm *LeverageManager) Snapshot() (PositionSnapshot, error) {
	r := lm.refs.Load()
	supplied, err := r.Venue.CollateralBalanceOf(lm.account, lm.riskAsset)
	if err != nil {
		return PositionSnapshot{}, fmt.Errorf("read collateral: %w", err)
	}
	borrowed, err := r.Venue.BorrowBalanceOf(lm.account)
	if err != nil {
		return PositionSnapshot{}, fmt.Errorf("read debt: %w", err)
	}
	return PositionSnapshot{
		Supplied:  supplied,
		Borrowed:  borrowed,
		Timestamp: time.Now(),
	}, nil
}

// OnDeposit supplies the deposited risk asset as collateral and runs one
// entry-leverage cycle: if the position sits below target LTV it borrows
// the unit-of-account shortfall, swaps it for the risk asset, and supplies
// the proceeds. A position already above max LTV is delevered instead.
func (lm *LeverageManager) OnDeposit(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	r := lm.refs.Load()
	price, err := r.Feed.CurrentPrice()
	if err != nil {
		return err
	}
	if price.Sign() <= 0 {
		return ErrInvalidPrice
	}

	if err := r.Venue.Supply(lm.riskAsset, amount); err != nil {
		return fmt.Errorf("supply collateral: %w", err)
	}
	// A failure past this point must hand the deposit back, or the vault
	// would hold collateral with no shares minted against it.
	unsupply := func() {
		if rbErr := r.Venue.WithdrawTo(lm.account, lm.riskAsset, amount); rbErr != nil {
			lm.logger.Error("Deposit rollback failed", "amount", amount.String(), "error", rbErr)
		}
	}

	snap, err := lm.Snapshot()
	if err != nil {
		unsupply()
		return err
	}
	collateralValue := amountDec(snap.Supplied).Mul(price)
	current := ltvBps(snap.Borrowed, collateralValue)

	if current > lm.maxLTVBps.Load() {
		lm.logger.Warn("Entry LTV above maximum, delevering", "ltvBps", current, "maxBps", lm.maxLTVBps.Load())
		return lm.deleverToTarget(r, price, snap)
	}
	if current >= lm.targetLTVBps.Load() {
		return nil
	}

	// borrow = collateralValue * target - currentBorrowed, in stable units
	targetDebt := collateralValue.Mul(decimal.NewFromInt(lm.targetLTVBps.Load())).Div(bpsDec)
	borrowAmt := targetDebt.Sub(amountDec(snap.Borrowed)).Floor().BigInt()
	if borrowAmt.Sign() <= 0 {
		return nil
	}

	if err := r.Venue.Borrow(borrowAmt); err != nil {
		unsupply()
		return fmt.Errorf("borrow: %w", err)
	}
	expectedOut := amountDec(borrowAmt).Div(price)
	minOut := expectedOut.Mul(decimal.NewFromInt(BpsDenominator - lm.slippageBps.Load())).Div(bpsDec).Floor().BigInt()
	rollbackBorrow := func() {
		if rbErr := r.Venue.Repay(borrowAmt); rbErr != nil {
			lm.logger.Error("Borrow rollback failed after aborted entry leg", "amount", borrowAmt.String(), "error", rbErr)
		}
		unsupply()
	}
	if minOut.Sign() == 0 {
		// A dust deposit borrows so little that the swap floors to zero
		// risk units; unwinding beats trading the borrow away for nothing.
		rollbackBorrow()
		return fmt.Errorf("%w: borrow %s converts below one unit of %s", ErrInsufficientConversion, borrowAmt.String(), lm.riskAsset)
	}
	out, err := r.Swapper.SwapExactIn(lm.stableAsset, lm.riskAsset, borrowAmt, minOut)
	if err != nil {
		rollbackBorrow()
		return fmt.Errorf("entry swap: %w", err)
	}
	if err := r.Venue.Supply(lm.riskAsset, out); err != nil {
		rollbackBorrow()
		return fmt.Errorf("supply swapped collateral: %w", err)
	}

	lm.logger.Info("Levered up",
		"deposit", amount.String(),
		"borrowed", borrowAmt.String(),
		"suppliedBack", out.String(),
		"ltvBps", lm.currentLTVBpsOrZero(price))
	return nil
}

// PrepareExit unwinds sharePercentage (basis points, (0,10000]) of the
// position: it repays the proportional slice of debt first, funded by a
// slippage-buffered collateral swap, then withdraws the remaining slice of
// collateral to the vault. It returns the collateral released to the vault.
// Debt is always extinguished before principal is returned, so an exit can
// never leave a disproportionate debt burden on remaining holders.
func (lm *LeverageManager) PrepareExit(pctBps int64) (*big.Int, error) {
	if pctBps <= 0 || pctBps > BpsDenominator {
		return nil, fmt.Errorf("%w: share percentage %d bps", ErrInvalidParameter, pctBps)
	}
	r := lm.refs.Load()
	price, err := r.Feed.CurrentPrice()
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	snap, err := lm.Snapshot()
	if err != nil {
		return nil, err
	}
	collateralToWithdraw := mulBps(snap.Supplied, pctBps)
	debtToRepay := mulBps(snap.Borrowed, pctBps)

	collateralForSwap := big.NewInt(0)
	surplusBack := big.NewInt(0)
	if debtToRepay.Sign() > 0 {
		// Buffer the nominal conversion: swap output is uncertain until
		// executed, and the repayment leg must not come up short.
		needed := amountDec(debtToRepay).Div(price).
			Mul(decimal.NewFromInt(BpsDenominator + lm.slippageBps.Load())).Div(bpsDec).
			Ceil().BigInt()
		collateralForSwap = needed
		if collateralForSwap.Cmp(collateralToWithdraw) > 0 {
			collateralForSwap = new(big.Int).Set(collateralToWithdraw)
		}
		if err := r.Venue.WithdrawTo(lm.account, lm.riskAsset, collateralForSwap); err != nil {
			return nil, fmt.Errorf("withdraw swap collateral: %w", err)
		}
		// minOut is the exact debt slice: adverse slippage aborts the
		// whole exit instead of leaving debt under-repaid.
		out, err := r.Swapper.SwapExactIn(lm.riskAsset, lm.stableAsset, collateralForSwap, debtToRepay)
		if err != nil {
			if rbErr := r.Venue.Supply(lm.riskAsset, collateralForSwap); rbErr != nil {
				lm.logger.Error("Collateral rollback failed after aborted exit swap", "amount", collateralForSwap.String(), "error", rbErr)
			}
			return nil, fmt.Errorf("exit swap: %w", err)
		}
		if err := r.Venue.Repay(debtToRepay); err != nil {
			return nil, fmt.Errorf("repay: %w", err)
		}
		// Only the proportional debt slice is repaid from the exiting
		// holder's collateral; the buffer surplus is theirs and goes back
		// into the risk asset.
		surplus := new(big.Int).Sub(out, debtToRepay)
		if surplus.Sign() > 0 {
			minBack := amountDec(surplus).Div(price).
				Mul(decimal.NewFromInt(BpsDenominator - lm.slippageBps.Load())).Div(bpsDec).
				Floor().BigInt()
			back, err := r.Swapper.SwapExactIn(lm.stableAsset, lm.riskAsset, surplus, minBack)
			if err != nil {
				lm.logger.Warn("Buffer surplus swap-back failed, surplus forfeited to vault", "surplus", surplus.String(), "error", err)
			} else {
				surplusBack = back
			}
		}
	}

	released := new(big.Int).Sub(collateralToWithdraw, collateralForSwap)
	if released.Sign() < 0 {
		released.SetInt64(0)
	}
	if released.Sign() > 0 {
		if err := r.Venue.WithdrawTo(lm.account, lm.riskAsset, released); err != nil {
			return nil, fmt.Errorf("withdraw principal: %w", err)
		}
	}
	released.Add(released, surplusBack)

	lm.logger.Info("Position unwound",
		"pctBps", pctBps,
		"debtRepaid", debtToRepay.String(),
		"released", released.String())
	return released, nil
}

// EmergencyDelever forces the position back toward target LTV when price
// drift has pushed it past the maximum. No-op while LTV is healthy.
func (lm *LeverageManager) EmergencyDelever() error {
	r := lm.refs.Load()
	price, err := r.Feed.CurrentPrice()
	if err != nil {
		return err
	}
	if price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	snap, err := lm.Snapshot()
	if err != nil {
		return err
	}
	collateralValue := amountDec(snap.Supplied).Mul(price)
	if ltvBps(snap.Borrowed, collateralValue) <= lm.maxLTVBps.Load() {
		return nil
	}
	return lm.deleverToTarget(r, price, snap)
}

// deleverToTarget sells collateral and repays debt until LTV is back at
// target. Selling shrinks the collateral value too, so the sale value is
// (debt - value*target) / (1 - target), not the plain debt excess. Best
// effort: adverse slippage aborts and leaves the position for the next
// attempt.
func (lm *LeverageManager) deleverToTarget(r *ExternalRefs, price decimal.Decimal, snap PositionSnapshot) error {
	collateralValue := amountDec(snap.Supplied).Mul(price)
	target := decimal.NewFromInt(lm.targetLTVBps.Load()).Div(bpsDec)
	repayValue := amountDec(snap.Borrowed).Sub(collateralValue.Mul(target)).
		Div(decimal.NewFromInt(1).Sub(target)).Ceil().BigInt()
	if repayValue.Sign() <= 0 {
		return nil
	}

	collateralToSell := amountDec(repayValue).Div(price).
		Mul(decimal.NewFromInt(BpsDenominator + lm.slippageBps.Load())).Div(bpsDec).
		Ceil().BigInt()
	if collateralToSell.Cmp(snap.Supplied) > 0 {
		collateralToSell = new(big.Int).Set(snap.Supplied)
	}

	if err := r.Venue.WithdrawTo(lm.account, lm.riskAsset, collateralToSell); err != nil {
		return fmt.Errorf("withdraw delever collateral: %w", err)
	}
	out, err := r.Swapper.SwapExactIn(lm.riskAsset, lm.stableAsset, collateralToSell, repayValue)
	if err != nil {
		if rbErr := r.Venue.Supply(lm.riskAsset, collateralToSell); rbErr != nil {
			lm.logger.Error("Collateral rollback failed after aborted delever swap", "amount", collateralToSell.String(), "error", rbErr)
		}
		return fmt.Errorf("delever swap: %w", err)
	}
	if out.Cmp(snap.Borrowed) > 0 {
		out = new(big.Int).Set(snap.Borrowed)
	}
	if err := r.Venue.Repay(out); err != nil {
		return fmt.Errorf("delever repay: %w", err)
	}

	lm.logger.Info("Delevered",
		"repaid", out.String(),
		"collateralSold", collateralToSell.String(),
		"ltvBps", lm.currentLTVBpsOrZero(price))
	return nil
}

// CurrentLTVBps returns the live loan-to-value ratio in basis points.
func (lm *LeverageManager) CurrentLTVBps() (int64, error) {
	r := lm.refs.Load()
	price, err := r.Feed.CurrentPrice()
	if err != nil {
		return 0, err
	}
	snap, err := lm.Snapshot()
	if err != nil {
		return 0, err
	}
	return ltvBps(snap.Borrowed, amountDec(snap.Supplied).Mul(price)), nil
}

// HealthFactor returns the normalized distance to liquidation:
// collateralValue * liquidationLTV / debt. +Inf when there is no debt,
// 0 once the position is already past the liquidation threshold.
func (lm *LeverageManager) HealthFactor() (float64, error) {
	r := lm.refs.Load()
	price, err := r.Feed.CurrentPrice()
	if err != nil {
		return 0, err
	}
	snap, err := lm.Snapshot()
	if err != nil {
		return 0, err
	}
	if snap.Borrowed.Sign() == 0 {
		return math.Inf(1), nil
	}
	liqValue := amountDec(snap.Supplied).Mul(price).
		Mul(decimal.NewFromInt(lm.liqLTVBps.Load())).Div(bpsDec)
	hf, _ := liqValue.Div(amountDec(snap.Borrowed)).Float64()
	if hf < 1 {
		return 0, nil
	}
	return hf, nil
}

// TargetLTVBps returns the configured entry target.
func (lm *LeverageManager) TargetLTVBps() int64 { return lm.targetLTVBps.Load() }

// MaxLTVBps returns the configured ceiling.
func (lm *LeverageManager) MaxLTVBps() int64 { return lm.maxLTVBps.Load() }

func (lm *LeverageManager) currentLTVBpsOrZero(price decimal.Decimal) int64 {
	snap, err := lm.Snapshot()
	if err != nil {
		return 0
	}
	return ltvBps(snap.Borrowed, amountDec(snap.Supplied).Mul(price))
}
