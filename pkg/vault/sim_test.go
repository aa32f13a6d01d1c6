package vault

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryVenue(t *testing.T) {
	v := NewMemoryVenue("vault")

	t.Run("supply and withdraw move collateral", func(t *testing.T) {
		require.NoError(t, v.Supply("WBTC", big.NewInt(1000)))
		require.NoError(t, v.WithdrawTo("vault", "WBTC", big.NewInt(400)))

		c, err := v.CollateralBalanceOf("vault", "WBTC")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(600), c)
		assert.Equal(t, big.NewInt(400), v.CustodyOf("vault", "WBTC"))
	})

	t.Run("withdraw beyond balance fails", func(t *testing.T) {
		err := v.WithdrawTo("vault", "WBTC", big.NewInt(10_000))
		assert.Error(t, err)
	})

	t.Run("repay caps at outstanding debt", func(t *testing.T) {
		require.NoError(t, v.Borrow(big.NewInt(500)))
		require.NoError(t, v.Repay(big.NewInt(9_999)))

		d, err := v.BorrowBalanceOf("vault")
		require.NoError(t, err)
		assert.Equal(t, int64(0), d.Int64())
	})

	t.Run("interest accrual grows debt", func(t *testing.T) {
		require.NoError(t, v.Borrow(big.NewInt(10_000)))
		v.AccrueDebtInterest("vault", 100)

		d, err := v.BorrowBalanceOf("vault")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(10_100), d)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		assert.ErrorIs(t, v.Supply("WBTC", big.NewInt(0)), ErrInvalidAmount)
		assert.ErrorIs(t, v.Borrow(nil), ErrInvalidAmount)
		assert.ErrorIs(t, v.Repay(big.NewInt(-1)), ErrInvalidAmount)
	})
}

func TestMemorySwapper(t *testing.T) {
	feed := NewSimPriceFeed(decimal.NewFromInt(50000))
	s := NewMemorySwapper(feed, "WBTC", "USDC")

	t.Run("quotes both directions off the feed", func(t *testing.T) {
		out, err := s.SwapExactIn("USDC", "WBTC", big.NewInt(100_000), big.NewInt(0))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(2), out)

		out, err = s.SwapExactIn("WBTC", "USDC", big.NewInt(3), big.NewInt(0))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(150_000), out)
	})

	t.Run("enforces the minimum output", func(t *testing.T) {
		s.SetExecutionSlippage(100)
		_, err := s.SwapExactIn("WBTC", "USDC", big.NewInt(3), big.NewInt(150_000))
		assert.ErrorIs(t, err, ErrSlippageExceeded)

		out, err := s.SwapExactIn("WBTC", "USDC", big.NewInt(3), big.NewInt(148_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(148_500), out)
	})

	t.Run("rejects unsupported pairs", func(t *testing.T) {
		_, err := s.SwapExactIn("WBTC", "WETH", big.NewInt(1), nil)
		assert.Error(t, err)
	})
}
