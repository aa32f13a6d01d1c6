package vault

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/vault/pkg/events"
)

// DepositSink is the ledger entry point a triggered strike feeds into.
type DepositSink interface {
	Deposit(assets *big.Int, receiver string) (*big.Int, error)
}

// StrikeQueue holds stable-denominated pending deposits per holder until
// the holder's strike price is reached, then converts them into vault
// shares through the ledger. The registry is an explicit bounded active
// set, so a sweep costs O(active entries), never O(all holders ever seen).
type StrikeQueue struct {
	strikes map[string]decimal.Decimal
	pending map[string]*big.Int
	holders []string
	index   map[string]int

	stableAsset string
	riskAsset   string
	slippageBps int64

	minSweepInterval time.Duration
	lastSweep        time.Time

	refs   *atomic.Pointer[ExternalRefs]
	ledger DepositSink
	events events.Publisher
	logger log.Logger

	entered atomic.Bool
	mu      sync.Mutex
}

// StrikeQueueConfig parameterizes a StrikeQueue.
type StrikeQueueConfig struct {
	StableAsset      string
	RiskAsset        string
	SlippageBps      int64
	MinSweepInterval time.Duration
}

// NewStrikeQueue creates a strike queue feeding the given ledger. pub may
// be nil to skip event publication.
func NewStrikeQueue(cfg StrikeQueueConfig, refs *atomic.Pointer[ExternalRefs], ledger DepositSink, pub events.Publisher, logger log.Logger) (*StrikeQueue, error) {
	if cfg.SlippageBps < 0 || cfg.SlippageBps > MaxSlippageBps {
		return nil, fmt.Errorf("%w: slippage %d bps exceeds ceiling %d", ErrInvalidParameter, cfg.SlippageBps, MaxSlippageBps)
	}
	return &StrikeQueue{
		strikes:          make(map[string]decimal.Decimal),
		pending:          make(map[string]*big.Int),
		index:            make(map[string]int),
		stableAsset:      cfg.StableAsset,
		riskAsset:        cfg.RiskAsset,
		slippageBps:      cfg.SlippageBps,
		minSweepInterval: cfg.MinSweepInterval,
		refs:             refs,
		ledger:           ledger,
		events:           pub,
		logger:           logger,
	}, nil
}

// SetStrikePoint records or overwrites the holder's target price. A new
// strike replaces the old one; any already-pending amount is evaluated
// against the holder's current strike at sweep time.
func (q *StrikeQueue) SetStrikePoint(holder string, price decimal.Decimal) error {
	if holder == "" {
		return ErrInvalidAmount
	}
	if price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.strikes[holder] = price
	return nil
}

// DepositPending takes custody of a stable amount waiting on the holder's
// strike. If the current price already satisfies the strike the conversion
// runs inline rather than waiting for the next sweep.
func (q *StrikeQueue) DepositPending(holder string, amount *big.Int) error {
	if err := q.enter(); err != nil {
		return err
	}
	defer q.exit()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	q.mu.Lock()
	strike, ok := q.strikes[holder]
	if !ok {
		q.mu.Unlock()
		return ErrNoStrikeSet
	}
	bucket, exists := q.pending[holder]
	if !exists {
		bucket = big.NewInt(0)
		q.pending[holder] = bucket
		q.register(holder)
	}
	bucket.Add(bucket, amount)
	q.mu.Unlock()

	price, err := q.refs.Load().Feed.CurrentPrice()
	if err != nil {
		// Custody is taken either way; the sweep converts once the feed
		// recovers.
		q.logger.Warn("Inline strike check skipped", "holder", holder, "error", err)
		return nil
	}
	if price.Cmp(strike) <= 0 {
		return q.trigger(holder, price)
	}
	return nil
}

// CheckAndTriggerStrikes sweeps the active registry and converts every
// pending entry whose strike is satisfied. Sweeps are rate-limited: a
// repeat call inside the window is a no-op. Returns the number of entries
// converted.
func (q *StrikeQueue) CheckAndTriggerStrikes() (int, error) {
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.exit()

	q.mu.Lock()
	if time.Since(q.lastSweep) < q.minSweepInterval {
		q.mu.Unlock()
		return 0, nil
	}
	q.lastSweep = time.Now()
	active := make([]string, len(q.holders))
	copy(active, q.holders)
	q.mu.Unlock()

	price, err := q.refs.Load().Feed.CurrentPrice()
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, holder := range active {
		q.mu.Lock()
		strike, ok := q.strikes[holder]
		_, stillPending := q.pending[holder]
		q.mu.Unlock()
		if !ok || !stillPending || price.Cmp(strike) > 0 {
			continue
		}
		if err := q.trigger(holder, price); err != nil {
			q.logger.Error("Strike conversion failed", "holder", holder, "error", err)
			continue
		}
		triggered++
	}
	return triggered, nil
}

// trigger converts a holder's pending stable amount into a vault deposit.
// The pending balance is zeroed and the holder de-registered before any
// external call; a failed conversion restores the prior state.
func (q *StrikeQueue) trigger(holder string, price decimal.Decimal) error {
	q.mu.Lock()
	amount, ok := q.pending[holder]
	if !ok || amount.Sign() == 0 {
		q.mu.Unlock()
		return nil
	}
	strike := q.strikes[holder]
	delete(q.pending, holder)
	delete(q.strikes, holder)
	q.deregister(holder)
	q.mu.Unlock()

	restore := func() {
		q.mu.Lock()
		q.pending[holder] = amount
		q.strikes[holder] = strike
		q.register(holder)
		q.mu.Unlock()
	}

	r := q.refs.Load()
	expectedOut := amountDec(amount).Div(price)
	minOut := expectedOut.Mul(decimal.NewFromInt(BpsDenominator - q.slippageBps)).Div(bpsDec).Floor().BigInt()
	out, err := r.Swapper.SwapExactIn(q.stableAsset, q.riskAsset, amount, minOut)
	if err != nil {
		restore()
		return fmt.Errorf("strike swap: %w", err)
	}
	shares, err := q.ledger.Deposit(out, holder)
	if err != nil {
		restore()
		return fmt.Errorf("strike deposit: %w", err)
	}

	if q.events != nil {
		ev := events.New(events.TypeStrikeTriggered)
		ev.Holder = holder
		ev.Amount = amount.String()
		ev.Shares = shares.String()
		ev.Price = price.String()
		if pubErr := q.events.Publish(ev); pubErr != nil {
			q.logger.Warn("Event publish failed", "type", ev.Type, "error", pubErr)
		}
	}
	q.logger.Info("Strike triggered",
		"holder", holder,
		"strike", strike.String(),
		"price", price.String(),
		"stable", amount.String(),
		"converted", out.String())
	return nil
}

// register appends a holder to the active set.
func (q *StrikeQueue) register(holder string) {
	if _, ok := q.index[holder]; ok {
		return
	}
	q.index[holder] = len(q.holders)
	q.holders = append(q.holders, holder)
}

// deregister removes a holder via swap-with-last-and-pop. Order is not
// preserved; the registry is an unordered active set.
func (q *StrikeQueue) deregister(holder string) {
	i, ok := q.index[holder]
	if !ok {
		return
	}
	last := len(q.holders) - 1
	if i != last {
		q.holders[i] = q.holders[last]
		q.index[q.holders[i]] = i
	}
	q.holders = q.holders[:last]
	delete(q.index, holder)
}

// PendingEntryOf returns the holder's pending entry, or ErrNoPosition.
func (q *StrikeQueue) PendingEntryOf(holder string) (PendingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	strike, hasStrike := q.strikes[holder]
	amount, hasPending := q.pending[holder]
	if !hasStrike && !hasPending {
		return PendingEntry{}, ErrNoPosition
	}
	entry := PendingEntry{Holder: holder, StrikePrice: strike, PendingAmount: big.NewInt(0)}
	if hasPending {
		entry.PendingAmount = new(big.Int).Set(amount)
	}
	return entry, nil
}

// ActiveHolders returns the number of holders with pending entries.
func (q *StrikeQueue) ActiveHolders() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.holders)
}

func (q *StrikeQueue) enter() error {
	if !q.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (q *StrikeQueue) exit() {
	q.entered.Store(false)
}
