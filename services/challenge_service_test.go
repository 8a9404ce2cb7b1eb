package services

import (
	"context"
	"sync"
	"testing"

	"challenge-escrow-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "alice"
	bob   = "bob"
)

// openChallenge creates and funds a 100-unit wager at 300 bps, leaving it
// Pending.
func openChallenge(t *testing.T, fx *fixture) *models.Challenge {
	t.Helper()
	fx.balance.set(alice, models.AssetNative, 103)
	fx.balance.set(bob, models.AssetNative, 103)
	ch, err := fx.challenges.Create(context.Background(), alice, bob, 100, models.AssetNative)
	require.NoError(t, err)
	return ch
}

func acceptedChallenge(t *testing.T, fx *fixture) *models.Challenge {
	t.Helper()
	ch := openChallenge(t, fx)
	ch, err := fx.challenges.Accept(context.Background(), ch.ID, bob)
	require.NoError(t, err)
	return ch
}

func scoredChallenge(t *testing.T, fx *fixture, scorer string) *models.Challenge {
	t.Helper()
	ch := acceptedChallenge(t, fx)
	ch, err := fx.challenges.ReportScore(context.Background(), ch.ID, scorer, 11, 7)
	require.NoError(t, err)
	return ch
}

func TestCreateReservesWagerPlusFee(t *testing.T) {
	fx := newFixture(t, 300)
	ch := openChallenge(t, fx)

	assert.Equal(t, models.StatusPending, ch.Status)
	assert.Equal(t, int64(3), ch.FeeAmount())
	assert.Equal(t, int64(103), fx.reserved(t, alice, models.AssetNative))
	assert.Zero(t, fx.reserved(t, bob, models.AssetNative))
}

func TestCreateRejectsUnaffordableWager(t *testing.T) {
	fx := newFixture(t, 300)
	fx.balance.set(alice, models.AssetNative, 100)

	// 100 wager needs 103 with the fee headroom.
	_, err := fx.challenges.Create(context.Background(), alice, bob, 100, models.AssetNative)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))
}

func TestCreateValidatesParties(t *testing.T) {
	fx := newFixture(t, 300)
	fx.balance.set(alice, models.AssetNative, 1000)

	_, err := fx.challenges.Create(context.Background(), alice, alice, 100, models.AssetNative)
	require.Error(t, err)

	_, err = fx.challenges.Create(context.Background(), alice, "", 100, models.AssetNative)
	require.Error(t, err)

	_, err = fx.challenges.Create(context.Background(), alice, bob, 0, models.AssetNative)
	require.Error(t, err)
}

func TestAcceptReservesOpponentSide(t *testing.T) {
	fx := newFixture(t, 300)
	ch := acceptedChallenge(t, fx)

	assert.Equal(t, models.StatusAccepted, ch.Status)
	assert.Equal(t, int64(103), fx.reserved(t, alice, models.AssetNative))
	assert.Equal(t, int64(103), fx.reserved(t, bob, models.AssetNative))
}

func TestAcceptRequiresNamedOpponent(t *testing.T) {
	fx := newFixture(t, 300)
	ch := openChallenge(t, fx)

	_, err := fx.challenges.Accept(context.Background(), ch.ID, "mallory")
	require.ErrorIs(t, err, ErrNotParticipant)

	// The creator cannot accept its own challenge either.
	_, err = fx.challenges.Accept(context.Background(), ch.ID, alice)
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestAcceptRejectsUnaffordableOpponent(t *testing.T) {
	fx := newFixture(t, 300)
	fx.balance.set(alice, models.AssetNative, 103)
	fx.balance.set(bob, models.AssetNative, 102)

	ch, err := fx.challenges.Create(context.Background(), alice, bob, 100, models.AssetNative)
	require.NoError(t, err)

	_, err = fx.challenges.Accept(context.Background(), ch.ID, bob)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Zero(t, fx.reserved(t, bob, models.AssetNative))

	got, err := fx.challenges.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestConcurrentAcceptsAdmitExactlyOne(t *testing.T) {
	fx := newFixture(t, 300)
	ch := openChallenge(t, fx)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.challenges.Accept(context.Background(), ch.ID, bob)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	// Exactly one opponent hold, no double reservation.
	assert.Equal(t, int64(103), fx.reserved(t, bob, models.AssetNative))
}

func TestRejectReleasesCreatorHold(t *testing.T) {
	fx := newFixture(t, 300)
	ch := openChallenge(t, fx)

	ch, err := fx.challenges.Reject(context.Background(), ch.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, ch.Status)
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))
}

func TestCancelOnlyBeforeAccept(t *testing.T) {
	fx := newFixture(t, 300)
	ch := openChallenge(t, fx)

	_, err := fx.challenges.Cancel(context.Background(), ch.ID, bob)
	require.ErrorIs(t, err, ErrNotParticipant)

	ch, err = fx.challenges.Cancel(context.Background(), ch.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, ch.Status)
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))

	// No move out of a terminal state.
	_, err = fx.challenges.Accept(context.Background(), ch.ID, bob)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCancelRejectedAfterAccept(t *testing.T) {
	fx := newFixture(t, 300)
	ch := acceptedChallenge(t, fx)

	_, err := fx.challenges.Cancel(context.Background(), ch.ID, alice)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestReportScoreRejectsTies(t *testing.T) {
	fx := newFixture(t, 300)
	ch := acceptedChallenge(t, fx)

	_, err := fx.challenges.ReportScore(context.Background(), ch.ID, alice, 5, 5)
	require.Error(t, err)

	got, err := fx.challenges.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestConfirmSettlesAndCompletes(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)

	ch, err := fx.challenges.Confirm(context.Background(), ch.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ch.Status)

	got, err := fx.challenges.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Winner)
	require.NotNil(t, got.CompletedAt)

	// Both holds are gone.
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))
	assert.Zero(t, fx.reserved(t, bob, models.AssetNative))

	// Pot in, payout out: 100 from each side, 194 back to the winner.
	require.Equal(t, 3, fx.transfer.callCount())
	winnerLegs := fx.transfer.legsTo(alice)
	require.Len(t, winnerLegs, 1)
	assert.Equal(t, int64(194), winnerLegs[0].Amount)
	assert.Equal(t, platformAccount, winnerLegs[0].From)

	var rec models.SettlementRecord
	require.NoError(t, fx.db.First(&rec, "id = ?", ch.ID).Error)
	assert.Equal(t, models.SettlementSent, rec.Status)
	assert.Equal(t, int64(6), rec.FeeAmount)
}

func TestConfirmByReporterRejected(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)

	_, err := fx.challenges.Confirm(context.Background(), ch.ID, alice)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Zero(t, fx.transfer.callCount())
}

func TestConfirmTwiceSettlesOnce(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)

	_, err := fx.challenges.Confirm(context.Background(), ch.ID, bob)
	require.NoError(t, err)
	_, err = fx.challenges.Confirm(context.Background(), ch.ID, bob)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, 3, fx.transfer.callCount())
}

func TestConfirmOpponentWin(t *testing.T) {
	fx := newFixture(t, 300)
	ch := acceptedChallenge(t, fx)

	_, err := fx.challenges.ReportScore(context.Background(), ch.ID, alice, 3, 9)
	require.NoError(t, err)
	_, err = fx.challenges.Confirm(context.Background(), ch.ID, bob)
	require.NoError(t, err)

	got, err := fx.challenges.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, got.Winner)
}

func TestSettlementFailureLeavesChallengeRetryable(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)

	fx.transfer.setFail(true)
	_, err := fx.challenges.Confirm(context.Background(), ch.ID, bob)
	require.ErrorIs(t, err, ErrSettlementFailed)

	got, err := fx.challenges.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScored, got.Status)
	assert.Equal(t, int64(103), fx.reserved(t, alice, models.AssetNative))

	var rec models.SettlementRecord
	require.NoError(t, fx.db.First(&rec, "id = ?", ch.ID).Error)
	assert.Equal(t, models.SettlementFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, alice, rec.Winner)

	// The retry path finishes the transition once the provider recovers.
	fx.transfer.setFail(false)
	require.NoError(t, fx.challenges.RetrySettlement(context.Background(), &rec))

	got, err = fx.challenges.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, alice, got.Winner)
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))
	assert.Equal(t, 3, fx.transfer.callCount())

	// A second retry pass is a no-op against a sent record.
	require.NoError(t, fx.challenges.RetrySettlement(context.Background(), &rec))
	assert.Equal(t, 3, fx.transfer.callCount())
}

// A moderator ruling against the reported scores must survive a settlement
// retry: the retried completion crowns the winner recorded at dispatch time,
// not the one the scores would imply.
func TestRetryKeepsRuledWinner(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice) // scores favor the creator
	_, err := fx.challenges.Dispute(context.Background(), ch.ID, bob)
	require.NoError(t, err)

	fx.transfer.setFail(true)
	_, err = fx.challenges.ResolveDispute(context.Background(), ch.ID, "moderator", bob, false)
	require.ErrorIs(t, err, ErrSettlementFailed)

	var rec models.SettlementRecord
	require.NoError(t, fx.db.First(&rec, "id = ?", ch.ID).Error)
	assert.Equal(t, bob, rec.Winner)

	fx.transfer.setFail(false)
	require.NoError(t, fx.challenges.RetrySettlement(context.Background(), &rec))

	got, err := fx.challenges.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, bob, got.Winner)
}

func TestDisputeBlocksSettlement(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)

	ch, err := fx.challenges.Dispute(context.Background(), ch.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, ch.Status)
	assert.Zero(t, fx.transfer.callCount())

	// Holds stay in place while the dispute is open.
	assert.Equal(t, int64(103), fx.reserved(t, alice, models.AssetNative))
	assert.Equal(t, int64(103), fx.reserved(t, bob, models.AssetNative))

	_, err = fx.challenges.Confirm(context.Background(), ch.ID, bob)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestDisputeByReporterRejected(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)

	_, err := fx.challenges.Dispute(context.Background(), ch.ID, alice)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestResolveDisputeWithRuledWinner(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)
	_, err := fx.challenges.Dispute(context.Background(), ch.ID, bob)
	require.NoError(t, err)

	// The moderator rules against the reported scores.
	ch, err = fx.challenges.ResolveDispute(context.Background(), ch.ID, "moderator", bob, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ch.Status)

	got, err := fx.challenges.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, got.Winner)
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))
	require.Equal(t, 3, fx.transfer.callCount())
	require.Len(t, fx.transfer.legsTo(bob), 1)
}

func TestResolveDisputeByDissolution(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)
	_, err := fx.challenges.Dispute(context.Background(), ch.ID, bob)
	require.NoError(t, err)

	ch, err = fx.challenges.ResolveDispute(context.Background(), ch.ID, "moderator", "", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMutualCancelAccepted, ch.Status)
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))
	assert.Zero(t, fx.reserved(t, bob, models.AssetNative))
	assert.Zero(t, fx.transfer.callCount())
}

func TestResolveDisputeRejectsOutsideWinner(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)
	_, err := fx.challenges.Dispute(context.Background(), ch.ID, bob)
	require.NoError(t, err)

	_, err = fx.challenges.ResolveDispute(context.Background(), ch.ID, "moderator", "mallory", false)
	require.Error(t, err)
}

func TestMutualCancelNeedsBothParties(t *testing.T) {
	fx := newFixture(t, 300)
	ch := acceptedChallenge(t, fx)

	ch, err := fx.challenges.RequestMutualCancel(context.Background(), ch.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMutualCancelRequested, ch.Status)

	// Same party again: idempotent, no dissolution.
	ch, err = fx.challenges.RequestMutualCancel(context.Background(), ch.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMutualCancelRequested, ch.Status)
	assert.Equal(t, int64(103), fx.reserved(t, bob, models.AssetNative))

	// Counterparty completes the dissolution.
	ch, err = fx.challenges.RequestMutualCancel(context.Background(), ch.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMutualCancelAccepted, ch.Status)
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))
	assert.Zero(t, fx.reserved(t, bob, models.AssetNative))
	assert.Zero(t, fx.transfer.callCount())
}

func TestMutualCancelFromDispute(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)
	_, err := fx.challenges.Dispute(context.Background(), ch.ID, bob)
	require.NoError(t, err)

	_, err = fx.challenges.RequestMutualCancel(context.Background(), ch.ID, bob)
	require.NoError(t, err)
	ch, err = fx.challenges.RequestMutualCancel(context.Background(), ch.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMutualCancelAccepted, ch.Status)
	assert.Zero(t, fx.reserved(t, alice, models.AssetNative))
}

func TestTransitionAuditTrail(t *testing.T) {
	fx := newFixture(t, 300)
	ch := scoredChallenge(t, fx, alice)
	_, err := fx.challenges.Confirm(context.Background(), ch.ID, bob)
	require.NoError(t, err)

	rows, err := fx.challenges.Transitions(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, models.StatusPending, rows[0].ToStatus)
	assert.Equal(t, models.StatusAccepted, rows[1].ToStatus)
	assert.Equal(t, models.StatusScored, rows[2].ToStatus)
	assert.Equal(t, models.StatusCompleted, rows[3].ToStatus)
	assert.Equal(t, bob, rows[3].Actor)
}

func TestListFiltersByParticipantAndStatus(t *testing.T) {
	fx := newFixture(t, 300)
	openChallenge(t, fx)
	fx.balance.set("carol", models.AssetNative, 103)
	fx.balance.set("dave", models.AssetNative, 103)
	_, err := fx.challenges.Create(context.Background(), "carol", "dave", 100, models.AssetNative)
	require.NoError(t, err)

	mine, err := fx.challenges.List(context.Background(), alice, nil)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	pending := models.StatusPending
	all, err := fx.challenges.List(context.Background(), "", &pending)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestGetMissingChallenge(t *testing.T) {
	fx := newFixture(t, 300)
	_, err := fx.challenges.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEventBusSeesCommittedTransitions(t *testing.T) {
	fx := newFixture(t, 300)
	events, cancel := fx.events.Subscribe()
	defer cancel()

	ch := openChallenge(t, fx)
	_, err := fx.challenges.Accept(context.Background(), ch.ID, bob)
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, ch.ID, ev.ChallengeID)
	assert.Equal(t, models.StatusPending, ev.FromStatus)
	assert.Equal(t, models.StatusAccepted, ev.ToStatus)
	assert.Equal(t, bob, ev.Actor)
}
