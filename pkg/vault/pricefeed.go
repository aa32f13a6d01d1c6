package vault

import (
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// PriceBreaker rejects prices that jump more than MaxChangeBps from the
// last accepted price within the change window. It auto-resets after
// AutoResetDuration so a genuine repricing is eventually accepted.
type PriceBreaker struct {
	MaxChangeBps      int64
	AutoResetDuration time.Duration

	lastValidPrice decimal.Decimal
	lastValidTime  time.Time
	tripped        bool
	trippedAt      time.Time
	tripCount      int
	mu             sync.Mutex
}

// NewPriceBreaker creates a breaker with the given jump tolerance.
func NewPriceBreaker(maxChangeBps int64, autoReset time.Duration) *PriceBreaker {
	return &PriceBreaker{
		MaxChangeBps:      maxChangeBps,
		AutoResetDuration: autoReset,
	}
}

// Check accepts or rejects a new price against the last valid one.
func (pb *PriceBreaker) Check(newPrice decimal.Decimal) bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.lastValidPrice.IsZero() {
		pb.lastValidPrice = newPrice
		pb.lastValidTime = time.Now()
		return true
	}

	if pb.tripped && time.Since(pb.trippedAt) > pb.AutoResetDuration {
		pb.tripped = false
		pb.lastValidPrice = newPrice
		pb.lastValidTime = time.Now()
		return true
	}
	if pb.tripped {
		return false
	}

	changeBps := newPrice.Sub(pb.lastValidPrice).Abs().Mul(bpsDec).Div(pb.lastValidPrice)
	if changeBps.IntPart() > pb.MaxChangeBps {
		pb.tripped = true
		pb.trippedAt = time.Now()
		pb.tripCount++
		return false
	}

	pb.lastValidPrice = newPrice
	pb.lastValidTime = time.Now()
	return true
}

// Tripped reports whether the breaker is currently open.
func (pb *PriceBreaker) Tripped() bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.tripped
}

// FallbackPriceFeed serves prices from a primary source and falls back to a
// secondary (e.g. pool-derived) source when the primary fails or the
// breaker rejects its price. When both sources are unavailable the caller
// gets ErrPriceUnavailable rather than a zero price.
type FallbackPriceFeed struct {
	primary   PriceFeed
	secondary PriceFeed
	breaker   *PriceBreaker
	logger    log.Logger
}

// NewFallbackPriceFeed composes a primary and secondary feed. secondary and
// breaker may be nil.
func NewFallbackPriceFeed(primary, secondary PriceFeed, breaker *PriceBreaker, logger log.Logger) *FallbackPriceFeed {
	return &FallbackPriceFeed{
		primary:   primary,
		secondary: secondary,
		breaker:   breaker,
		logger:    logger,
	}
}

// CurrentPrice returns the primary spot price, the secondary on failure.
func (f *FallbackPriceFeed) CurrentPrice() (decimal.Decimal, error) {
	price, err := f.primary.CurrentPrice()
	if err == nil && price.Sign() > 0 {
		if f.breaker == nil || f.breaker.Check(price) {
			return price, nil
		}
		f.logger.Warn("Primary price rejected by breaker", "price", price)
	} else if err != nil {
		f.logger.Warn("Primary price feed failed", "error", err)
	}

	if f.secondary == nil {
		return decimal.Zero, ErrPriceUnavailable
	}
	price, err = f.secondary.CurrentPrice()
	if err != nil || price.Sign() <= 0 {
		return decimal.Zero, ErrPriceUnavailable
	}
	return price, nil
}

// TWAP returns the primary time-weighted price, falling back to the
// current spot price when the primary window is unavailable.
func (f *FallbackPriceFeed) TWAP(window time.Duration) (decimal.Decimal, error) {
	price, err := f.primary.TWAP(window)
	if err == nil && price.Sign() > 0 {
		return price, nil
	}
	return f.CurrentPrice()
}
