// Package vault implements a cooperative leveraged exposure vault: holders
// deposit a risk asset (or a stable asset queued behind a strike price), the
// vault levers the deposit against a lending venue, and holders receive
// fungible shares redeemable for a proportional slice of net asset value.
package vault

import (
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Basis point denominators and hard parameter ceilings.
const (
	BpsDenominator    int64 = 10000
	MaxFeeRateBps     int64 = 3000 // 30% performance fee ceiling
	MaxSlippageBps    int64 = 1000 // 10% slippage ceiling
	DefaultTargetLTV  int64 = 6500
	DefaultMaxLTV     int64 = 7500
	DefaultLiqLTV     int64 = 8500
	DefaultSlippage   int64 = 100
	DefaultFeeRateBps int64 = 500
)

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidPrice           = errors.New("invalid price")
	ErrInvalidParameter       = errors.New("parameter out of range")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrDepositsPaused         = errors.New("deposits paused")
	ErrWithdrawalsPaused      = errors.New("withdrawals paused")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrInsufficientConversion = errors.New("conversion rounds to zero")
	ErrSlippageExceeded       = errors.New("slippage exceeded")
	ErrPriceUnavailable       = errors.New("price unavailable")
	ErrNoStrikeSet            = errors.New("no strike price set")
	ErrReentrantCall          = errors.New("reentrant call")
	ErrNoPosition             = errors.New("no position")
)

// PriceFeed supplies the risk asset's price in unit-of-account terms.
type PriceFeed interface {
	// CurrentPrice returns the spot price of one unit of the risk asset.
	CurrentPrice() (decimal.Decimal, error)
	// TWAP returns the time-weighted average price over the window.
	// Implementations fall back to the current price when no history exists.
	TWAP(window time.Duration) (decimal.Decimal, error)
}

// LendingVenue is the narrow capability surface the vault needs from an
// external lending market. Balance reads are always live: collateral and
// debt can drift between calls through interest accrual.
type LendingVenue interface {
	Supply(asset string, amount *big.Int) error
	SupplyOnBehalf(account, asset string, amount *big.Int) error
	WithdrawTo(recipient, asset string, amount *big.Int) error
	Borrow(amount *big.Int) error
	Repay(amount *big.Int) error
	CollateralBalanceOf(account, asset string) (*big.Int, error)
	BorrowBalanceOf(account string) (*big.Int, error)
}

// Swapper exchanges one asset for another with a minimum-output bound.
type Swapper interface {
	// SwapExactIn fails with ErrSlippageExceeded when the realized output
	// would be below minAmountOut.
	SwapExactIn(tokenIn, tokenOut string, amountIn, minAmountOut *big.Int) (*big.Int, error)
}

// ExternalRefs bundles the external collaborators into a single handle.
// The engine swaps the whole handle atomically so no operation can observe
// a torn half-updated address set mid-execution.
type ExternalRefs struct {
	Venue   LendingVenue
	Swapper Swapper
	Feed    PriceFeed
}

// HolderPosition tracks a holder's share-weighted average entry price.
// Partial exits reduce EntryShares but leave EntryPrice unchanged: the
// remaining position keeps the blended cost basis of the whole.
type HolderPosition struct {
	EntryPrice  decimal.Decimal
	EntryShares *big.Int
}

// PositionSnapshot is a live read of the leverage position. It is derived,
// never stored: balances come straight from the lending venue.
type PositionSnapshot struct {
	Supplied  *big.Int // risk asset units held as collateral
	Borrowed  *big.Int // unit-of-account units of outstanding debt
	Timestamp time.Time
}

// NAVSnapshot is an immutable valuation record. A new calculation
// supersedes the previous snapshot, it never mutates one in place.
type NAVSnapshot struct {
	Timestamp         time.Time       `json:"timestamp"`
	Price             decimal.Decimal `json:"price"`
	TotalAssetValue   decimal.Decimal `json:"totalAssetValue"`
	TotalDebt         decimal.Decimal `json:"totalDebt"`
	NetAssetValue     decimal.Decimal `json:"netAssetValue"`
	SharesOutstanding *big.Int        `json:"sharesOutstanding"`
	NAVPerShare       decimal.Decimal `json:"navPerShare"`
}

// PendingEntry is a stable-denominated deposit waiting on a strike price.
type PendingEntry struct {
	Holder        string
	StrikePrice   decimal.Decimal
	PendingAmount *big.Int
}

var bpsDec = decimal.NewFromInt(BpsDenominator)

// mulBps returns amount * bps / 10000 with floor division.
func mulBps(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Div(out, big.NewInt(BpsDenominator))
}

// amountDec converts a raw token amount to a decimal for value math.
func amountDec(a *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(a, 0)
}

// ltvBps returns borrowed/collateralValue in basis points, 0 when the
// position holds no collateral value.
func ltvBps(borrowed *big.Int, collateralValue decimal.Decimal) int64 {
	if collateralValue.Sign() <= 0 {
		return 0
	}
	return amountDec(borrowed).Mul(bpsDec).Div(collateralValue).IntPart()
}
