// Package keeper schedules the vault's recurring maintenance jobs: strike
// sweeps, NAV refreshes, and the LTV guard.
package keeper

import (
	"fmt"

	"github.com/luxfi/log"
	"github.com/robfig/cron/v3"

	"github.com/luxfi/vault/pkg/vault"
)

// Keeper runs cron-scheduled maintenance against the engine. Failed jobs
// are logged and retried on the next tick; there is no internal retry.
type Keeper struct {
	cron   *cron.Cron
	engine *vault.VaultEngine
	logger log.Logger
}

// New creates a keeper with second-resolution cron expressions.
func New(engine *vault.VaultEngine, logger log.Logger) *Keeper {
	return &Keeper{
		cron:   cron.New(cron.WithSeconds()),
		engine: engine,
		logger: logger,
	}
}

// RegisterAll registers the sweep, NAV refresh and LTV guard schedules.
func (k *Keeper) RegisterAll(sweepCron, navCron, ltvCron string) error {
	if _, err := k.cron.AddFunc(sweepCron, k.sweepJob); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	if _, err := k.cron.AddFunc(navCron, k.navJob); err != nil {
		return fmt.Errorf("register nav job: %w", err)
	}
	if _, err := k.cron.AddFunc(ltvCron, k.ltvJob); err != nil {
		return fmt.Errorf("register ltv job: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info("Keeper started")
}

// Stop stops the scheduler, waiting for running jobs.
func (k *Keeper) Stop() {
	ctx := k.cron.Stop()
	<-ctx.Done()
	k.logger.Info("Keeper stopped")
}

func (k *Keeper) sweepJob() {
	n, err := k.engine.Sweep()
	if err != nil {
		k.logger.Error("Strike sweep failed", "error", err)
		return
	}
	if n > 0 {
		k.logger.Info("Strike sweep converted entries", "count", n)
	}
}

func (k *Keeper) navJob() {
	if !k.engine.Oracle.ShouldUpdate() {
		return
	}
	if _, err := k.engine.Oracle.TriggerUpdate(); err != nil {
		k.logger.Error("Scheduled NAV update failed", "error", err)
	}
}

func (k *Keeper) ltvJob() {
	if err := k.engine.GuardLTV(); err != nil {
		k.logger.Error("LTV guard failed", "error", err)
	}
}
