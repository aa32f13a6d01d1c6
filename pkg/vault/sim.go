package vault

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryVenue is an in-memory lending venue implementing the LendingVenue
// capability surface. It backs the daemon's simulation mode and the test
// suite; a production deployment substitutes an on-chain adapter behind
// the same interface.
type MemoryVenue struct {
	account    string // position account for Supply/Borrow/Repay
	collateral map[string]map[string]*big.Int
	debt       map[string]*big.Int
	custody    map[string]map[string]*big.Int // withdrawTo destinations
	mu         sync.Mutex
}

// NewMemoryVenue creates a venue whose unqualified operations act on the
// given position account.
func NewMemoryVenue(account string) *MemoryVenue {
	return &MemoryVenue{
		account:    account,
		collateral: make(map[string]map[string]*big.Int),
		debt:       make(map[string]*big.Int),
		custody:    make(map[string]map[string]*big.Int),
	}
}

func (v *MemoryVenue) Supply(asset string, amount *big.Int) error {
	return v.SupplyOnBehalf(v.account, asset, amount)
}

func (v *MemoryVenue) SupplyOnBehalf(account, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.bucket(v.collateral, account, asset)
	b.Add(b, amount)
	return nil
}

func (v *MemoryVenue) WithdrawTo(recipient, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.bucket(v.collateral, v.account, asset)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("withdraw %s: have %s, want %s", asset, bal.String(), amount.String())
	}
	bal.Sub(bal, amount)
	c := v.bucket(v.custody, recipient, asset)
	c.Add(c, amount)
	return nil
}

func (v *MemoryVenue) Borrow(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.debt[v.account]
	if !ok {
		d = big.NewInt(0)
		v.debt[v.account] = d
	}
	d.Add(d, amount)
	return nil
}

func (v *MemoryVenue) Repay(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.debt[v.account]
	if !ok || d.Sign() == 0 {
		return nil
	}
	if amount.Cmp(d) >= 0 {
		d.SetInt64(0)
		return nil
	}
	d.Sub(d, amount)
	return nil
}

func (v *MemoryVenue) CollateralBalanceOf(account, asset string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.bucket(v.collateral, account, asset)), nil
}

func (v *MemoryVenue) BorrowBalanceOf(account string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d, ok := v.debt[account]; ok {
		return new(big.Int).Set(d), nil
	}
	return big.NewInt(0), nil
}

// CustodyOf returns what WithdrawTo has delivered to a recipient.
func (v *MemoryVenue) CustodyOf(recipient, asset string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.bucket(v.custody, recipient, asset))
}

// AccrueDebtInterest grows the account's debt by bps, simulating interest
// accrual between vault operations.
func (v *MemoryVenue) AccrueDebtInterest(account string, bps int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d, ok := v.debt[account]; ok {
		interest := mulBps(d, bps)
		d.Add(d, interest)
	}
}

func (v *MemoryVenue) bucket(m map[string]map[string]*big.Int, account, asset string) *big.Int {
	inner, ok := m[account]
	if !ok {
		inner = make(map[string]*big.Int)
		m[account] = inner
	}
	b, ok := inner[asset]
	if !ok {
		b = big.NewInt(0)
		inner[asset] = b
	}
	return b
}

// MemorySwapper quotes swaps off a price feed with a configurable
// execution slippage, and enforces the minimum-output bound the way a DEX
// router would.
type MemorySwapper struct {
	feed            PriceFeed
	riskAsset       string
	stableAsset     string
	execSlippageBps int64
	mu              sync.Mutex
}

// NewMemorySwapper creates a swapper for the risk/stable pair.
func NewMemorySwapper(feed PriceFeed, riskAsset, stableAsset string) *MemorySwapper {
	return &MemorySwapper{
		feed:        feed,
		riskAsset:   riskAsset,
		stableAsset: stableAsset,
	}
}

// SetExecutionSlippage adjusts the simulated fill quality in basis points.
func (s *MemorySwapper) SetExecutionSlippage(bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execSlippageBps = bps
}

func (s *MemorySwapper) SwapExactIn(tokenIn, tokenOut string, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	price, err := s.feed.CurrentPrice()
	if err != nil {
		return nil, err
	}

	var quote decimal.Decimal
	switch {
	case tokenIn == s.stableAsset && tokenOut == s.riskAsset:
		quote = amountDec(amountIn).Div(price)
	case tokenIn == s.riskAsset && tokenOut == s.stableAsset:
		quote = amountDec(amountIn).Mul(price)
	default:
		return nil, fmt.Errorf("unsupported pair %s/%s", tokenIn, tokenOut)
	}

	s.mu.Lock()
	slip := s.execSlippageBps
	s.mu.Unlock()

	out := quote.Mul(decimal.NewFromInt(BpsDenominator - slip)).Div(bpsDec).Floor().BigInt()
	if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: out %s below min %s", ErrSlippageExceeded, out.String(), minAmountOut.String())
	}
	return out, nil
}

// SimPriceFeed is a settable price feed with TWAP history, used in tests
// and the daemon's simulation mode.
type SimPriceFeed struct {
	price   decimal.Decimal
	history []pricePoint
	failing bool
	mu      sync.RWMutex
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// NewSimPriceFeed creates a feed at the given starting price.
func NewSimPriceFeed(price decimal.Decimal) *SimPriceFeed {
	f := &SimPriceFeed{}
	f.SetPrice(price)
	return f
}

// SetPrice moves the feed and records the point for TWAP.
func (f *SimPriceFeed) SetPrice(price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = price
	f.history = append(f.history, pricePoint{price: price, at: time.Now()})
}

// SetFailing makes subsequent reads fail, for fallback testing.
func (f *SimPriceFeed) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *SimPriceFeed) CurrentPrice() (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failing {
		return decimal.Zero, ErrPriceUnavailable
	}
	return f.price, nil
}

func (f *SimPriceFeed) TWAP(window time.Duration) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failing {
		return decimal.Zero, ErrPriceUnavailable
	}
	cutoff := time.Now().Add(-window)
	sum := decimal.Zero
	count := 0
	for _, p := range f.history {
		if p.at.After(cutoff) {
			sum = sum.Add(p.price)
			count++
		}
	}
	if count == 0 {
		return f.price, nil
	}
	return sum.Div(decimal.NewFromInt(int64(count))), nil
}
