package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vault/pkg/vault"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

func newTestServer(t *testing.T) (*Server, *vault.SimPriceFeed) {
	t.Helper()
	feed := vault.NewSimPriceFeed(decimal.NewFromInt(50000))
	venue := vault.NewMemoryVenue("vault")
	swapper := vault.NewMemorySwapper(feed, "WBTC", "USDC")
	engine, err := vault.NewVaultEngine(vault.EngineConfig{
		Account:                "vault",
		RiskAsset:              "WBTC",
		StableAsset:            "USDC",
		NAVMinUpdateInterval:   time.Hour,
		StrikeMinSweepInterval: time.Hour,
	}, vault.ExternalRefs{Venue: venue, Swapper: swapper, Feed: feed}, memdb.New(), nil, testLogger())
	require.NoError(t, err)

	s := NewServer(engine, testLogger())
	t.Cleanup(s.Stop)
	return s, feed
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler(rec, req)
	return rec
}

func TestDepositEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postJSON(t, s.handleDeposit, `{"holder":"alice","amount":"100000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "100000000", resp["shares"])

	t.Run("malformed amount", func(t *testing.T) {
		rec := postJSON(t, s.handleDeposit, `{"holder":"alice","amount":"1.5 btc"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejected deposit surfaces the reason", func(t *testing.T) {
		rec := postJSON(t, s.handleDeposit, `{"holder":"","amount":"100"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "error")
	})
}

func TestWithdrawEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postJSON(t, s.handleDeposit, `{"holder":"alice","amount":"100000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = postJSON(t, s.handleWithdraw, `{"owner":"alice","amount":"50000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "50000000", resp["payout"],
		"caller and receiver default to the owner")
}

func TestStrikeEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postJSON(t, s.handleStrike, `{"holder":"alice","price":"45000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = postJSON(t, s.handleStrikeDeposit, `{"holder":"alice","amount":"4500000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "pending")

	t.Run("pending deposit without a strike", func(t *testing.T) {
		rec := postJSON(t, s.handleStrikeDeposit, `{"holder":"bob","amount":"100"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("bad strike price", func(t *testing.T) {
		rec := postJSON(t, s.handleStrike, `{"holder":"alice","price":"cheap"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestNAVEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postJSON(t, s.handleDeposit, `{"holder":"alice","amount":"100000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	s.handleNAV(rec, httptest.NewRequest("GET", "/nav", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap vault.NAVSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.NAVPerShare.Equal(decimal.NewFromInt(50000)),
		"nav per share %s", snap.NAVPerShare)
}

func TestPositionEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postJSON(t, s.handleDeposit, `{"holder":"alice","amount":"100000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	s.handlePosition(rec, httptest.NewRequest("GET", "/position?holder=alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "50000", resp["entryPrice"])
	assert.Equal(t, "100000000", resp["entryShares"])
	assert.Equal(t, "100000000", resp["balance"])

	t.Run("unknown holder", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.handlePosition(rec, httptest.NewRequest("GET", "/position?holder=ghost", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing holder", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.handlePosition(rec, httptest.NewRequest("GET", "/position", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("infinite health with no debt", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"healthFactor":"inf"`)
	})

	t.Run("numeric health once levered", func(t *testing.T) {
		rec := postJSON(t, s.handleDeposit, `{"holder":"alice","amount":"100000000"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = httptest.NewRecorder()
		s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.InDelta(t, 2.1577, resp["healthFactor"], 0.001)
		assert.InDelta(t, 3939, resp["ltvBps"], 1)
	})
}
