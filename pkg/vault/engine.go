package vault

import (
	"fmt"
	"math"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/vault/pkg/events"
	"github.com/luxfi/vault/pkg/metrics"
)

// EngineConfig collects the parameters for a full vault engine.
type EngineConfig struct {
	Account     string
	Owner       string
	RiskAsset   string
	StableAsset string

	FeeRateBps   int64
	TargetLTVBps int64
	MaxLTVBps    int64
	LiqLTVBps    int64
	SlippageBps  int64

	NAVMinUpdateInterval   time.Duration
	NAVPriceThresholdBps   int64
	StrikeMinSweepInterval time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.Owner == "" {
		c.Owner = "owner"
	}
	if c.FeeRateBps == 0 {
		c.FeeRateBps = DefaultFeeRateBps
	}
	if c.TargetLTVBps == 0 {
		c.TargetLTVBps = DefaultTargetLTV
	}
	if c.MaxLTVBps == 0 {
		c.MaxLTVBps = DefaultMaxLTV
	}
	if c.LiqLTVBps == 0 {
		c.LiqLTVBps = DefaultLiqLTV
	}
	if c.SlippageBps == 0 {
		c.SlippageBps = DefaultSlippage
	}
	if c.NAVMinUpdateInterval == 0 {
		c.NAVMinUpdateInterval = time.Minute
	}
	if c.NAVPriceThresholdBps == 0 {
		c.NAVPriceThresholdBps = 50
	}
	if c.StrikeMinSweepInterval == 0 {
		c.StrikeMinSweepInterval = time.Minute
	}
}

// VaultEngine wires the ledger, leverage manager, NAV oracle and strike
// queue around a single atomically-swapped set of external collaborators.
type VaultEngine struct {
	Ledger   *VaultLedger
	Leverage *LeverageManager
	Oracle   *NAVOracle
	Strikes  *StrikeQueue

	owner   string
	refs    atomic.Pointer[ExternalRefs]
	events  events.Publisher
	metrics *metrics.VaultMetrics
	logger  log.Logger
}

// NewVaultEngine builds and wires a complete engine. db and pub may be nil.
func NewVaultEngine(cfg EngineConfig, ext ExternalRefs, db database.Database, pub events.Publisher, logger log.Logger) (*VaultEngine, error) {
	cfg.applyDefaults()
	if pub == nil {
		pub = events.NoopPublisher{}
	}

	e := &VaultEngine{owner: cfg.Owner, events: pub, logger: logger}
	e.refs.Store(&ext)

	leverage, err := NewLeverageManager(LeverageConfig{
		Account:      cfg.Account,
		RiskAsset:    cfg.RiskAsset,
		StableAsset:  cfg.StableAsset,
		TargetLTVBps: cfg.TargetLTVBps,
		MaxLTVBps:    cfg.MaxLTVBps,
		LiqLTVBps:    cfg.LiqLTVBps,
		SlippageBps:  cfg.SlippageBps,
	}, &e.refs, logger.New("module", "leverage"))
	if err != nil {
		return nil, err
	}

	oracle := NewNAVOracle(NAVOracleConfig{
		MinUpdateInterval: cfg.NAVMinUpdateInterval,
		PriceThresholdBps: cfg.NAVPriceThresholdBps,
	}, &e.refs, leverage, db, logger.New("module", "nav"))
	oracle.OnUpdate(func(snap *NAVSnapshot) {
		ev := events.New(events.TypeNAVUpdate)
		ev.Amount = snap.NetAssetValue.String()
		ev.Shares = snap.SharesOutstanding.String()
		ev.Price = snap.NAVPerShare.String()
		e.publish(ev)
	})

	ledger, err := NewVaultLedger(cfg.FeeRateBps, &e.refs, leverage, oracle, pub, logger.New("module", "ledger"))
	if err != nil {
		return nil, err
	}

	strikes, err := NewStrikeQueue(StrikeQueueConfig{
		StableAsset:      cfg.StableAsset,
		RiskAsset:        cfg.RiskAsset,
		SlippageBps:      cfg.SlippageBps,
		MinSweepInterval: cfg.StrikeMinSweepInterval,
	}, &e.refs, ledger, pub, logger.New("module", "strike"))
	if err != nil {
		return nil, err
	}

	e.Leverage = leverage
	e.Oracle = oracle
	e.Ledger = ledger
	e.Strikes = strikes
	return e, nil
}

// SetExternalRefs swaps the whole collaborator set atomically. An
// operation already in flight keeps the handle it loaded at entry; no
// operation can observe a half-updated set.
func (e *VaultEngine) SetExternalRefs(ext ExternalRefs) {
	e.refs.Store(&ext)
	e.logger.Info("External references rotated")
}

// Owner returns the account allowed to change vault parameters.
func (e *VaultEngine) Owner() string { return e.owner }

func (e *VaultEngine) requireOwner(caller string) error {
	if caller != e.owner {
		return fmt.Errorf("%w: %s is not the vault owner", ErrUnauthorized, caller)
	}
	return nil
}

// SetFeeRate changes the performance fee rate. Owner only.
func (e *VaultEngine) SetFeeRate(caller string, bps int64) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if err := e.Ledger.SetFeeRate(bps); err != nil {
		return err
	}
	e.logger.Info("Fee rate changed", "caller", caller, "feeBps", bps)
	return nil
}

// SetDepositsPaused toggles the deposit gate. Owner only.
func (e *VaultEngine) SetDepositsPaused(caller string, paused bool) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	e.Ledger.SetDepositsPaused(paused)
	e.logger.Info("Deposit gate changed", "caller", caller, "paused", paused)
	return nil
}

// SetWithdrawalsPaused toggles the withdrawal gate. Owner only.
func (e *VaultEngine) SetWithdrawalsPaused(caller string, paused bool) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	e.Ledger.SetWithdrawalsPaused(paused)
	e.logger.Info("Withdrawal gate changed", "caller", caller, "paused", paused)
	return nil
}

// SetRiskParams changes the LTV targets and slippage tolerance. Owner
// only. Takes effect on the next leverage operation.
func (e *VaultEngine) SetRiskParams(caller string, targetBps, maxBps, liqBps, slippageBps int64) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if err := e.Leverage.SetRiskParams(targetBps, maxBps, liqBps, slippageBps); err != nil {
		return err
	}
	e.logger.Info("Risk parameters changed", "caller", caller,
		"targetBps", targetBps, "maxBps", maxBps, "liqBps", liqBps, "slippageBps", slippageBps)
	return nil
}

// SetNAVPolicy changes the oracle debounce policy. Owner only.
func (e *VaultEngine) SetNAVPolicy(caller string, interval time.Duration, thresholdBps int64) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if err := e.Oracle.SetDebouncePolicy(interval, thresholdBps); err != nil {
		return err
	}
	e.logger.Info("NAV debounce policy changed", "caller", caller,
		"interval", interval, "thresholdBps", thresholdBps)
	return nil
}

// SetMetrics attaches Prometheus collectors updated by engine operations.
func (e *VaultEngine) SetMetrics(m *metrics.VaultMetrics) {
	e.metrics = m
	e.Oracle.OnUpdate(func(snap *NAVSnapshot) {
		nps, _ := snap.NAVPerShare.Float64()
		nav, _ := snap.NetAssetValue.Float64()
		shares, _ := amountDec(snap.SharesOutstanding).Float64()
		m.SetValuation(nps, nav, shares)
	})
}

// Deposit forwards to the ledger and records telemetry.
func (e *VaultEngine) Deposit(assets *big.Int, receiver string) (*big.Int, error) {
	shares, err := e.Ledger.Deposit(assets, receiver)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordDeposit()
		e.updateRiskMetrics()
	}
	return shares, nil
}

// Withdraw forwards to the ledger and records telemetry.
func (e *VaultEngine) Withdraw(assets *big.Int, receiver, owner, caller string) (*big.Int, error) {
	payout, err := e.Ledger.Withdraw(assets, receiver, owner, caller)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordWithdrawal()
		e.updateRiskMetrics()
	}
	return payout, nil
}

// Sweep runs a strike sweep and records telemetry.
func (e *VaultEngine) Sweep() (int, error) {
	n, err := e.Strikes.CheckAndTriggerStrikes()
	if err != nil {
		return n, err
	}
	if e.metrics != nil {
		if n > 0 {
			e.metrics.RecordStrikes(n)
		}
		e.metrics.SetPendingStrikes(e.Strikes.ActiveHolders())
	}
	return n, nil
}

// GuardLTV delevers when price drift has pushed the position past the
// maximum LTV. Intended for the keeper schedule.
func (e *VaultEngine) GuardLTV() error {
	ltv, err := e.Leverage.CurrentLTVBps()
	if err != nil {
		return err
	}
	if ltv <= e.Leverage.MaxLTVBps() {
		e.updateRiskMetrics()
		return nil
	}
	e.logger.Warn("LTV past maximum, delevering", "ltvBps", ltv, "maxBps", e.Leverage.MaxLTVBps())
	if err := e.Leverage.EmergencyDelever(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordDelever()
	}
	ev := events.New(events.TypeDelever)
	if snap, err := e.Oracle.TriggerUpdate(); err != nil {
		e.logger.Warn("Post-delever NAV update failed", "error", err)
	} else {
		ev.Amount = snap.TotalDebt.String()
		ev.Price = snap.Price.String()
	}
	e.publish(ev)
	e.updateRiskMetrics()
	return nil
}

func (e *VaultEngine) publish(ev events.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ev); err != nil {
		e.logger.Warn("Event publish failed", "type", ev.Type, "error", err)
	}
}

func (e *VaultEngine) updateRiskMetrics() {
	if e.metrics == nil {
		return
	}
	ltv, err := e.Leverage.CurrentLTVBps()
	if err != nil {
		return
	}
	hf, err := e.Leverage.HealthFactor()
	if err != nil {
		return
	}
	if math.IsInf(hf, 1) {
		hf = math.MaxFloat64
	}
	e.metrics.SetRisk(float64(ltv), hf)
}

// NAVPerShare returns the debounced NAV-per-share figure.
func (e *VaultEngine) NAVPerShare() (decimal.Decimal, error) {
	return e.Oracle.CurrentNAVPerShare()
}
