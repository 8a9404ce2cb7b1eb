package services

import (
	"context"
	"encoding/json"
	"testing"

	"challenge-escrow-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settlementLegs() []models.TransferLeg {
	return []models.TransferLeg{
		{From: "alice", To: platformAccount, Amount: 100},
		{From: "bob", To: platformAccount, Amount: 100},
		{From: platformAccount, To: "alice", Amount: 194},
	}
}

func TestSettleDispatchesEveryLeg(t *testing.T) {
	fx := newFixture(t, 300)

	err := fx.settler.Settle(context.Background(), "s1", "challenge", models.AssetNative, settlementLegs(), 6, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, fx.transfer.callCount())

	// Per-leg idempotency keys derive from the record id.
	assert.Equal(t, "s1:0", fx.transfer.calls[0].IdempotencyKey)
	assert.Equal(t, "s1:2", fx.transfer.calls[2].IdempotencyKey)

	var rec models.SettlementRecord
	require.NoError(t, fx.db.First(&rec, "id = ?", "s1").Error)
	assert.Equal(t, models.SettlementSent, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "alice", rec.Winner)
	assert.NotNil(t, rec.SentAt)
	assert.NotEmpty(t, rec.TxRefs)
}

func TestSettleSentRecordIsIdempotent(t *testing.T) {
	fx := newFixture(t, 300)

	require.NoError(t, fx.settler.Settle(context.Background(), "s1", "challenge", models.AssetNative, settlementLegs(), 6, "alice"))
	require.NoError(t, fx.settler.Settle(context.Background(), "s1", "challenge", models.AssetNative, settlementLegs(), 6, "alice"))
	assert.Equal(t, 3, fx.transfer.callCount())
}

func TestSettleFailureMarksRecordRetryable(t *testing.T) {
	fx := newFixture(t, 300)
	fx.transfer.setFail(true)

	err := fx.settler.Settle(context.Background(), "s1", "challenge", models.AssetNative, settlementLegs(), 6, "alice")
	require.ErrorIs(t, err, ErrSettlementFailed)

	var rec models.SettlementRecord
	require.NoError(t, fx.db.First(&rec, "id = ?", "s1").Error)
	assert.Equal(t, models.SettlementFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.LastError)

	// Redispatch clears the failure once the provider recovers.
	fx.transfer.setFail(false)
	require.NoError(t, fx.settler.Redispatch(context.Background(), &rec))

	require.NoError(t, fx.db.First(&rec, "id = ?", "s1").Error)
	assert.Equal(t, models.SettlementSent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestRedispatchSkipsSentRecords(t *testing.T) {
	fx := newFixture(t, 300)

	require.NoError(t, fx.settler.Settle(context.Background(), "s1", "challenge", models.AssetNative, settlementLegs(), 6, "alice"))

	var rec models.SettlementRecord
	require.NoError(t, fx.db.First(&rec, "id = ?", "s1").Error)
	require.NoError(t, fx.settler.Redispatch(context.Background(), &rec))
	assert.Equal(t, 3, fx.transfer.callCount())
}

func TestFailedSettlementsRespectsAttemptCap(t *testing.T) {
	fx := newFixture(t, 300)
	fx.transfer.setFail(true)

	require.Error(t, fx.settler.Settle(context.Background(), "s1", "challenge", models.AssetNative, settlementLegs(), 6, "alice"))
	require.Error(t, fx.settler.Settle(context.Background(), "s2", "challenge", models.AssetNative, settlementLegs(), 6, "alice"))

	recs, err := fx.settler.FailedSettlements(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// A record at the cap is left for operator attention.
	require.NoError(t, fx.db.Model(&models.SettlementRecord{}).
		Where("id = ?", "s1").
		Update("attempts", 10).Error)
	recs, err = fx.settler.FailedSettlements(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "s2", recs[0].ID)
}

// A DB fault while recording a leg failure must not mask the settlement
// error itself.
func TestDispatchFailureSurvivesAccountingFault(t *testing.T) {
	fx := newFixture(t, 300)
	fx.transfer.setFail(true)

	legsJSON, err := json.Marshal(settlementLegs())
	require.NoError(t, err)
	rec := &models.SettlementRecord{
		ID:        "s1",
		Kind:      "challenge",
		AssetType: models.AssetNative,
		Status:    models.SettlementFailed,
		LegsJSON:  string(legsJSON),
		Winner:    "alice",
	}

	require.NoError(t, fx.db.Migrator().DropTable(&models.SettlementRecord{}))
	err = fx.settler.Redispatch(context.Background(), rec)
	require.ErrorIs(t, err, ErrSettlementFailed)
}
