package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vault/pkg/events"
)

const (
	testAccount = "vault"
	testRisk    = "WBTC"
	testStable  = "USDC"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

// testVault assembles an engine against in-memory collaborators.
type testVault struct {
	engine  *VaultEngine
	feed    *SimPriceFeed
	venue   *MemoryVenue
	swapper *MemorySwapper
}

func newTestVault(t *testing.T, price int64) *testVault {
	t.Helper()
	return newTestVaultWithPublisher(t, price, nil)
}

func newTestVaultWithPublisher(t *testing.T, price int64, pub events.Publisher) *testVault {
	t.Helper()
	feed := NewSimPriceFeed(decimal.NewFromInt(price))
	venue := NewMemoryVenue(testAccount)
	swapper := NewMemorySwapper(feed, testRisk, testStable)
	engine, err := NewVaultEngine(EngineConfig{
		Account:      testAccount,
		RiskAsset:    testRisk,
		StableAsset:  testStable,
		FeeRateBps:   500,
		TargetLTVBps: 6500,
		MaxLTVBps:    7500,
		LiqLTVBps:    8500,
		SlippageBps:  100,
		// Long windows so tests control every recomputation explicitly.
		NAVMinUpdateInterval:   time.Hour,
		NAVPriceThresholdBps:   50,
		StrikeMinSweepInterval: time.Hour,
	}, ExternalRefs{Venue: venue, Swapper: swapper, Feed: feed}, memdb.New(), pub, testLogger())
	require.NoError(t, err)
	return &testVault{engine: engine, feed: feed, venue: venue, swapper: swapper}
}

func (tv *testVault) setPrice(p int64) {
	tv.feed.SetPrice(decimal.NewFromInt(p))
}

func (tv *testVault) debt(t *testing.T) *big.Int {
	t.Helper()
	d, err := tv.venue.BorrowBalanceOf(testAccount)
	require.NoError(t, err)
	return d
}

func (tv *testVault) collateral(t *testing.T) *big.Int {
	t.Helper()
	c, err := tv.venue.CollateralBalanceOf(testAccount, testRisk)
	require.NoError(t, err)
	return c
}
