package vault

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNAVEmptyVault(t *testing.T) {
	tv := newTestVault(t, 50000)

	snap, err := tv.engine.Oracle.CalculateNAV()
	require.NoError(t, err)
	assert.True(t, snap.NetAssetValue.IsZero())
	assert.True(t, snap.NAVPerShare.IsZero())
	assert.Equal(t, int64(0), snap.SharesOutstanding.Int64())
}

func TestNAVAfterLeveredDeposit(t *testing.T) {
	tv := newTestVault(t, 50000)
	_, err := tv.engine.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)

	snap, err := tv.engine.Oracle.CalculateNAV()
	require.NoError(t, err)

	// (idle + supplied) * price - borrowed
	assert.True(t, snap.TotalAssetValue.Equal(decimal.NewFromInt(8_250_000_000_000)),
		"total asset value %s", snap.TotalAssetValue)
	assert.True(t, snap.TotalDebt.Equal(decimal.NewFromInt(3_250_000_000_000)),
		"total debt %s", snap.TotalDebt)
	assert.True(t, snap.NetAssetValue.Equal(decimal.NewFromInt(5_000_000_000_000)),
		"net asset value %s", snap.NetAssetValue)
	assert.True(t, snap.NAVPerShare.Equal(decimal.NewFromInt(50000)),
		"nav per share %s", snap.NAVPerShare)
}

func TestNAVClampsAtZero(t *testing.T) {
	tv := newTestVault(t, 50000)
	_, err := tv.engine.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)

	// Debt grown far past the collateral value.
	tv.venue.AccrueDebtInterest(testAccount, 1_000_000)

	snap, err := tv.engine.Oracle.CalculateNAV()
	require.NoError(t, err)
	assert.True(t, snap.NetAssetValue.IsZero(), "net asset value %s", snap.NetAssetValue)
	assert.True(t, snap.NAVPerShare.IsZero())
}

func TestShouldUpdateDebounce(t *testing.T) {
	tv := newTestVault(t, 50000)

	t.Run("always before the first snapshot", func(t *testing.T) {
		assert.True(t, tv.engine.Oracle.ShouldUpdate())
	})

	_, err := tv.engine.Oracle.TriggerUpdate()
	require.NoError(t, err)

	t.Run("not inside the window without a price move", func(t *testing.T) {
		assert.False(t, tv.engine.Oracle.ShouldUpdate())
	})

	t.Run("not on a move below the threshold", func(t *testing.T) {
		tv.setPrice(50100) // 20 bps
		assert.False(t, tv.engine.Oracle.ShouldUpdate())
	})

	t.Run("on a move at the threshold", func(t *testing.T) {
		tv.setPrice(50250) // 50 bps from the last recorded price
		assert.True(t, tv.engine.Oracle.ShouldUpdate())
	})
}

func TestSnapshotServesCachedInsideWindow(t *testing.T) {
	tv := newTestVault(t, 50000)

	_, err := tv.engine.Oracle.TriggerUpdate()
	require.NoError(t, err)

	tv.setPrice(50100)
	snap, err := tv.engine.Oracle.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(50000)),
		"a 20 bps move serves the cached snapshot")

	tv.setPrice(51000)
	snap, err = tv.engine.Oracle.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(decimal.NewFromInt(51000)),
		"a 200 bps move supersedes the snapshot")
}

func TestSnapshotPersistence(t *testing.T) {
	tv := newTestVault(t, 50000)
	_, err := tv.engine.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)

	live, err := tv.engine.Oracle.TriggerUpdate()
	require.NoError(t, err)

	stored, err := tv.engine.Oracle.LoadStoredSnapshot()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.NAVPerShare.Equal(live.NAVPerShare))
	assert.True(t, stored.Price.Equal(live.Price))
	assert.Equal(t, live.SharesOutstanding, stored.SharesOutstanding)
}

func TestOnUpdateCallback(t *testing.T) {
	tv := newTestVault(t, 50000)

	var seen []*NAVSnapshot
	tv.engine.Oracle.OnUpdate(func(snap *NAVSnapshot) {
		seen = append(seen, snap)
	})

	_, err := tv.engine.Oracle.TriggerUpdate()
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Price.Equal(decimal.NewFromInt(50000)))
}

func TestPreviewDeposit(t *testing.T) {
	tv := newTestVault(t, 50000)

	t.Run("one to one on an empty vault", func(t *testing.T) {
		shares, err := tv.engine.Oracle.PreviewDeposit(big.NewInt(100_000_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(100_000_000), shares)
	})

	t.Run("does not persist a snapshot", func(t *testing.T) {
		_, err := tv.engine.Oracle.PreviewDeposit(big.NewInt(1_000_000))
		require.NoError(t, err)
		assert.True(t, tv.engine.Oracle.ShouldUpdate(),
			"a preview must not count as a NAV update")
	})

	t.Run("prices against live NAV once supplied", func(t *testing.T) {
		_, err := tv.engine.Deposit(big.NewInt(100_000_000), "alice")
		require.NoError(t, err)

		shares, err := tv.engine.Oracle.PreviewDeposit(big.NewInt(10_000_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(10_000_000), shares,
			"leverage at an unmoved price is value neutral")
	})
}

func TestPreviewRedeem(t *testing.T) {
	tv := newTestVault(t, 50000)
	_, err := tv.engine.Deposit(big.NewInt(100_000_000), "alice")
	require.NoError(t, err)

	assets, err := tv.engine.Oracle.PreviewRedeem(big.NewInt(100_000_000))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100_000_000), assets)

	_, err = tv.engine.Oracle.PreviewRedeem(big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNAVFailsWithoutPrice(t *testing.T) {
	tv := newTestVault(t, 50000)

	tv.feed.SetFailing(true)
	_, err := tv.engine.Oracle.CalculateNAV()
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}
