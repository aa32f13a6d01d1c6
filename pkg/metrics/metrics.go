// Package metrics exposes vault telemetry through Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VaultMetrics aggregates the vault's Prometheus collectors.
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Ledger metrics
	depositsTotal    prometheus.Counter
	withdrawalsTotal prometheus.Counter
	strikesTriggered prometheus.Counter
	deleversTotal    prometheus.Counter

	// Valuation metrics
	navPerShare       prometheus.Gauge
	netAssetValue     prometheus.Gauge
	sharesOutstanding prometheus.Gauge
	currentLTVBps     prometheus.Gauge
	healthFactor      prometheus.Gauge
	pendingStrikes    prometheus.Gauge
}

// NewVaultMetrics creates and registers all collectors under namespace.
func NewVaultMetrics(namespace string, logger log.Logger) (*VaultMetrics, error) {
	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		depositsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total number of deposits processed",
		}),
		withdrawalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Total number of withdrawals processed",
		}),
		strikesTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strikes_triggered_total",
			Help:      "Total number of strike-price conversions",
		}),
		deleversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delevers_total",
			Help:      "Total number of emergency delever cycles",
		}),
		navPerShare: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nav_per_share",
			Help:      "Net asset value per share in unit-of-account terms",
		}),
		netAssetValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "net_asset_value",
			Help:      "Total net asset value in unit-of-account terms",
		}),
		sharesOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shares_outstanding",
			Help:      "Total vault share supply",
		}),
		currentLTVBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ltv_basis_points",
			Help:      "Current loan-to-value ratio in basis points",
		}),
		healthFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_factor",
			Help:      "Distance-to-liquidation metric (+Inf when debt-free)",
		}),
		pendingStrikes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_strikes",
			Help:      "Holders with pending strike-price deposits",
		}),
	}

	collectors := []prometheus.Collector{
		m.depositsTotal, m.withdrawalsTotal, m.strikesTriggered, m.deleversTotal,
		m.navPerShare, m.netAssetValue, m.sharesOutstanding,
		m.currentLTVBps, m.healthFactor, m.pendingStrikes,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// RecordDeposit increments the deposit counter.
func (m *VaultMetrics) RecordDeposit() { m.depositsTotal.Inc() }

// RecordWithdrawal increments the withdrawal counter.
func (m *VaultMetrics) RecordWithdrawal() { m.withdrawalsTotal.Inc() }

// RecordStrikes adds n triggered strike conversions.
func (m *VaultMetrics) RecordStrikes(n int) { m.strikesTriggered.Add(float64(n)) }

// RecordDelever increments the emergency-delever counter.
func (m *VaultMetrics) RecordDelever() { m.deleversTotal.Inc() }

// SetValuation updates the NAV gauges.
func (m *VaultMetrics) SetValuation(navPerShare, netAssetValue, shares float64) {
	m.navPerShare.Set(navPerShare)
	m.netAssetValue.Set(netAssetValue)
	m.sharesOutstanding.Set(shares)
}

// SetRisk updates the leverage gauges.
func (m *VaultMetrics) SetRisk(ltvBps, healthFactor float64) {
	m.currentLTVBps.Set(ltvBps)
	m.healthFactor.Set(healthFactor)
}

// SetPendingStrikes updates the active strike registry size.
func (m *VaultMetrics) SetPendingStrikes(n int) {
	m.pendingStrikes.Set(float64(n))
}

// Handler returns the Prometheus scrape handler.
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a scrape endpoint on the given port until ctx is done.
func (m *VaultMetrics) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			m.logger.Warn("Metrics server shutdown", "error", err)
		}
	}()

	m.logger.Info("Metrics server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
