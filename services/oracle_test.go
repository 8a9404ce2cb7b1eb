package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"challenge-escrow-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// balanceServer serves a configurable balance and counts hits; flip failing to
// simulate an outage.
type balanceServer struct {
	srv       *httptest.Server
	hits      atomic.Int64
	available atomic.Int64
	failing   atomic.Bool
}

func newBalanceServer(t *testing.T) *balanceServer {
	t.Helper()
	bs := &balanceServer{}
	bs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.hits.Add(1)
		if bs.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"account":    "alice",
			"asset_type": r.URL.Query().Get("asset"),
			"available":  bs.available.Load(),
		})
	}))
	t.Cleanup(bs.srv.Close)
	return bs
}

func newTestOracle(bs *balanceServer, freshness time.Duration) *BalanceOracle {
	o := NewBalanceOracle(bs.srv.URL, "test-token", freshness)
	o.httpClient = bs.srv.Client()
	return o
}

func TestOracleFetchesAndCaches(t *testing.T) {
	bs := newBalanceServer(t)
	bs.available.Store(250)
	o := newTestOracle(bs, time.Minute)

	got, err := o.AvailableBalance(context.Background(), "alice", models.AssetNative)
	require.NoError(t, err)
	assert.Equal(t, int64(250), got)
	assert.Equal(t, int64(1), bs.hits.Load())

	// Fresh value is served from cache, no second remote call.
	bs.available.Store(999)
	got, err = o.AvailableBalance(context.Background(), "alice", models.AssetNative)
	require.NoError(t, err)
	assert.Equal(t, int64(250), got)
	assert.Equal(t, int64(1), bs.hits.Load())
}

func TestOracleCachesPerAsset(t *testing.T) {
	bs := newBalanceServer(t)
	bs.available.Store(100)
	o := newTestOracle(bs, time.Minute)

	_, err := o.AvailableBalance(context.Background(), "alice", models.AssetNative)
	require.NoError(t, err)
	_, err = o.AvailableBalance(context.Background(), "alice", models.AssetToken)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bs.hits.Load())
}

func TestOracleServesStaleOnOutage(t *testing.T) {
	bs := newBalanceServer(t)
	bs.available.Store(250)
	// Zero freshness window forces a refetch on every read.
	o := newTestOracle(bs, time.Nanosecond)

	got, err := o.AvailableBalance(context.Background(), "alice", models.AssetNative)
	require.NoError(t, err)
	assert.Equal(t, int64(250), got)

	bs.failing.Store(true)
	got, err = o.AvailableBalance(context.Background(), "alice", models.AssetNative)
	require.NoError(t, err)
	assert.Equal(t, int64(250), got)
}

func TestOracleFailsClosedOnColdCache(t *testing.T) {
	bs := newBalanceServer(t)
	bs.failing.Store(true)
	o := newTestOracle(bs, time.Minute)

	got, err := o.AvailableBalance(context.Background(), "alice", models.AssetNative)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestOracleInvalidateForcesRefetch(t *testing.T) {
	bs := newBalanceServer(t)
	bs.available.Store(250)
	o := newTestOracle(bs, time.Minute)

	_, err := o.AvailableBalance(context.Background(), "alice", models.AssetNative)
	require.NoError(t, err)

	bs.available.Store(50)
	o.Invalidate("alice", models.AssetNative)

	got, err := o.AvailableBalance(context.Background(), "alice", models.AssetNative)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)
	assert.Equal(t, int64(2), bs.hits.Load())
}

func TestOracleFeedsLedgerAdmission(t *testing.T) {
	bs := newBalanceServer(t)
	bs.available.Store(100)
	o := newTestOracle(bs, time.Minute)

	db := testDB(t)
	ledger := NewCommitmentLedger(db, o)

	require.NoError(t, ledger.Reserve(context.Background(), "alice", 100, models.AssetNative, "c1"))
	require.ErrorIs(t, ledger.Reserve(context.Background(), "alice", 1, models.AssetNative, "c2"), ErrInsufficientFunds)
}
