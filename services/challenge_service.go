package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"challenge-escrow-system/models"
	"challenge-escrow-system/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChallengeEventKind names the inputs of the challenge state machine.
type ChallengeEventKind string

const (
	EventAccept       ChallengeEventKind = "accept"
	EventReject       ChallengeEventKind = "reject"
	EventCancel       ChallengeEventKind = "cancel"
	EventReportScore  ChallengeEventKind = "report_score"
	EventConfirm      ChallengeEventKind = "confirm"
	EventDispute      ChallengeEventKind = "dispute"
	EventMutualCancel ChallengeEventKind = "mutual_cancel"
	EventResolve      ChallengeEventKind = "resolve"
)

// challengeTransitions is the closed set of legal moves. Anything absent here
// is ErrInvalidStateTransition; numeric status comparisons never appear
// outside this table.
var challengeTransitions = map[models.ChallengeStatus]map[ChallengeEventKind]models.ChallengeStatus{
	models.StatusPending: {
		EventAccept: models.StatusAccepted,
		EventReject: models.StatusCancelled,
		EventCancel: models.StatusCancelled,
	},
	models.StatusAccepted: {
		EventReportScore:  models.StatusScored,
		EventMutualCancel: models.StatusMutualCancelRequested,
	},
	models.StatusScored: {
		EventConfirm: models.StatusCompleted,
		EventDispute: models.StatusDisputed,
	},
	models.StatusDisputed: {
		EventMutualCancel: models.StatusMutualCancelRequested,
		EventResolve:      models.StatusCompleted,
	},
	models.StatusMutualCancelRequested: {
		EventMutualCancel: models.StatusMutualCancelAccepted,
	},
}

func nextChallengeStatus(cur models.ChallengeStatus, ev ChallengeEventKind) (models.ChallengeStatus, error) {
	if moves, ok := challengeTransitions[cur]; ok {
		if next, ok := moves[ev]; ok {
			return next, nil
		}
	}
	return cur, ErrInvalidStateTransition
}

// ChallengeService runs the head-to-head wager lifecycle. Every transition is
// serialized per challenge id, applied inside one gorm transaction together
// with its ledger effects and audit row, and published to the event bus only
// after the transaction commits.
type ChallengeService struct {
	DB      *gorm.DB
	Ledger  *CommitmentLedger
	Settler *SettlementDispatcher
	Events  *EventBus
	Oracle  *BalanceOracle

	// DefaultFeeRateBps is snapshotted onto each new challenge.
	DefaultFeeRateBps int64

	// PlatformAccount receives fees and relays the pot during settlement.
	PlatformAccount string

	locks *utils.KeyedMutex
}

func NewChallengeService(db *gorm.DB, ledger *CommitmentLedger, settler *SettlementDispatcher, events *EventBus, feeRateBps int64, platformAccount string) *ChallengeService {
	return &ChallengeService{
		DB:                db,
		Ledger:            ledger,
		Settler:           settler,
		Events:            events,
		DefaultFeeRateBps: feeRateBps,
		PlatformAccount:   platformAccount,
		locks:             utils.NewKeyedMutex(),
	}
}

// Create opens a Pending challenge, reserving the creator's wager plus fee
// headroom. The fee is reserved for every asset type and deducted from the
// pot at settlement.
func (s *ChallengeService) Create(ctx context.Context, creator, opponent string, amount int64, asset models.AssetType) (*models.Challenge, error) {
	if creator == "" || opponent == "" || creator == opponent {
		return nil, fmt.Errorf("creator and opponent must be distinct accounts")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("wager amount must be positive")
	}

	ch := &models.Challenge{
		ID:         uuid.NewString(),
		Creator:    creator,
		Opponent:   opponent,
		AssetType:  asset,
		Amount:     amount,
		FeeRateBps: s.DefaultFeeRateBps,
		Status:     models.StatusPending,
	}

	if err := s.Ledger.Reserve(ctx, creator, amount+ch.FeeAmount(), asset, ch.ID); err != nil {
		return nil, err
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ch).Error; err != nil {
			return err
		}
		return tx.Create(&models.ChallengeTransition{
			ChallengeID: ch.ID,
			FromStatus:  models.StatusPending,
			ToStatus:    models.StatusPending,
			Actor:       creator,
		}).Error
	})
	if err != nil {
		// Undo the reservation so a failed insert cannot leak a hold.
		if relErr := s.Ledger.Release(ctx, ch.ID); relErr != nil {
			log.Printf("[CHALLENGE] failed to release reservation after create failure for %s: %v", ch.ID, relErr)
		}
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	return ch, nil
}

// Accept moves Pending to Accepted after admitting the opponent's
// reservation. Only the named opponent may accept.
func (s *ChallengeService) Accept(ctx context.Context, challengeID, actor string) (*models.Challenge, error) {
	unlock := s.locks.Lock(challengeID)
	defer unlock()

	ch, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if actor != ch.Opponent {
		return nil, ErrNotParticipant
	}
	next, err := nextChallengeStatus(ch.Status, EventAccept)
	if err != nil {
		return nil, err
	}

	if err := s.Ledger.Reserve(ctx, actor, ch.Amount+ch.FeeAmount(), ch.AssetType, ch.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.applyTransition(ctx, ch, next, actor, func(tx *gorm.DB) error {
		return tx.Model(ch).Updates(map[string]interface{}{
			"status":      next,
			"accepted_at": &now,
		}).Error
	}); err != nil {
		if relErr := s.Ledger.ReleaseFor(ctx, ch.ID, actor); relErr != nil {
			log.Printf("[CHALLENGE] failed to release opponent reservation after accept failure for %s: %v", ch.ID, relErr)
		}
		return nil, err
	}
	return ch, nil
}

// Reject lets the opponent decline a Pending challenge, releasing the
// creator's hold.
func (s *ChallengeService) Reject(ctx context.Context, challengeID, actor string) (*models.Challenge, error) {
	unlock := s.locks.Lock(challengeID)
	defer unlock()

	ch, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if actor != ch.Opponent {
		return nil, ErrNotParticipant
	}
	next, err := nextChallengeStatus(ch.Status, EventReject)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return ch, s.applyTransition(ctx, ch, next, actor, func(tx *gorm.DB) error {
		if err := tx.Where("commitment_id = ?", ch.ID).Delete(&models.CommitmentEntry{}).Error; err != nil {
			return err
		}
		return tx.Model(ch).Updates(map[string]interface{}{
			"status":       next,
			"cancelled_at": &now,
		}).Error
	})
}

// Cancel lets the creator withdraw a challenge nobody has accepted yet.
func (s *ChallengeService) Cancel(ctx context.Context, challengeID, actor string) (*models.Challenge, error) {
	unlock := s.locks.Lock(challengeID)
	defer unlock()

	ch, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if actor != ch.Creator {
		return nil, ErrNotParticipant
	}
	next, err := nextChallengeStatus(ch.Status, EventCancel)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return ch, s.applyTransition(ctx, ch, next, actor, func(tx *gorm.DB) error {
		if err := tx.Where("commitment_id = ?", ch.ID).Delete(&models.CommitmentEntry{}).Error; err != nil {
			return err
		}
		return tx.Model(ch).Updates(map[string]interface{}{
			"status":       next,
			"cancelled_at": &now,
		}).Error
	})
}

// ReportScore records the outcome as seen by one party. Ties are not
// representable; the reporter is recorded so they cannot confirm their own
// report.
func (s *ChallengeService) ReportScore(ctx context.Context, challengeID, actor string, scoreCreator, scoreOpponent int64) (*models.Challenge, error) {
	unlock := s.locks.Lock(challengeID)
	defer unlock()

	ch, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !ch.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if scoreCreator == scoreOpponent {
		return nil, fmt.Errorf("reported scores must differ")
	}
	next, err := nextChallengeStatus(ch.Status, EventReportScore)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return ch, s.applyTransition(ctx, ch, next, actor, func(tx *gorm.DB) error {
		return tx.Model(ch).Updates(map[string]interface{}{
			"status":         next,
			"score_creator":  scoreCreator,
			"score_opponent": scoreOpponent,
			"scorer":         actor,
			"scored_at":      &now,
		}).Error
	})
}

// Confirm settles a Scored challenge. Only the non-reporting party may
// confirm. Settlement runs first; if it fails the challenge stays Scored so
// the retry job (or a manual confirm) can try again under the same
// idempotency key.
func (s *ChallengeService) Confirm(ctx context.Context, challengeID, actor string) (*models.Challenge, error) {
	unlock := s.locks.Lock(challengeID)
	defer unlock()

	ch, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !ch.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if actor == ch.Scorer {
		return nil, fmt.Errorf("%w: the reporting party cannot confirm its own report", ErrInvalidStateTransition)
	}
	next, err := nextChallengeStatus(ch.Status, EventConfirm)
	if err != nil {
		return nil, err
	}

	winner := ch.Creator
	if *ch.ScoreOpponent > *ch.ScoreCreator {
		winner = ch.Opponent
	}
	return s.complete(ctx, ch, next, actor, winner)
}

// Dispute flags a Scored challenge for moderation. Only the non-reporting
// party may dispute; evidence handling lives outside this core.
func (s *ChallengeService) Dispute(ctx context.Context, challengeID, actor string) (*models.Challenge, error) {
	unlock := s.locks.Lock(challengeID)
	defer unlock()

	ch, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !ch.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if actor == ch.Scorer {
		return nil, fmt.Errorf("%w: the reporting party cannot dispute its own report", ErrInvalidStateTransition)
	}
	next, err := nextChallengeStatus(ch.Status, EventDispute)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return ch, s.applyTransition(ctx, ch, next, actor, func(tx *gorm.DB) error {
		return tx.Model(ch).Updates(map[string]interface{}{
			"status":      next,
			"disputed_at": &now,
		}).Error
	})
}

// RequestMutualCancel implements the two-step dissolution of an accepted or
// disputed wager. The first caller parks the challenge in
// MutualCancelRequested; the counterparty's call releases both holds with no
// settlement. The same party calling twice is an idempotent no-op, so one
// side can never cancel unilaterally.
func (s *ChallengeService) RequestMutualCancel(ctx context.Context, challengeID, actor string) (*models.Challenge, error) {
	unlock := s.locks.Lock(challengeID)
	defer unlock()

	ch, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !ch.Participant(actor) {
		return nil, ErrNotParticipant
	}

	if ch.Status == models.StatusMutualCancelRequested && actor == ch.CancelRequester {
		return ch, nil
	}

	next, err := nextChallengeStatus(ch.Status, EventMutualCancel)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch next {
	case models.StatusMutualCancelRequested:
		return ch, s.applyTransition(ctx, ch, next, actor, func(tx *gorm.DB) error {
			return tx.Model(ch).Updates(map[string]interface{}{
				"status":           next,
				"cancel_requester": actor,
			}).Error
		})
	case models.StatusMutualCancelAccepted:
		return ch, s.applyTransition(ctx, ch, next, actor, func(tx *gorm.DB) error {
			if err := tx.Where("commitment_id = ?", ch.ID).Delete(&models.CommitmentEntry{}).Error; err != nil {
				return err
			}
			return tx.Model(ch).Updates(map[string]interface{}{
				"status":       next,
				"cancelled_at": &now,
			}).Error
		})
	}
	return nil, ErrInvalidStateTransition
}

// ResolveDispute is the moderator surface over a Disputed challenge: either
// complete with a chosen winner (settling under the usual idempotency key) or
// dissolve with both holds released.
func (s *ChallengeService) ResolveDispute(ctx context.Context, challengeID, moderator, winner string, mutualCancel bool) (*models.Challenge, error) {
	unlock := s.locks.Lock(challengeID)
	defer unlock()

	ch, err := s.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Status != models.StatusDisputed {
		return nil, ErrInvalidStateTransition
	}

	if mutualCancel {
		now := time.Now()
		return ch, s.applyTransition(ctx, ch, models.StatusMutualCancelAccepted, moderator, func(tx *gorm.DB) error {
			if err := tx.Where("commitment_id = ?", ch.ID).Delete(&models.CommitmentEntry{}).Error; err != nil {
				return err
			}
			return tx.Model(ch).Updates(map[string]interface{}{
				"status":       models.StatusMutualCancelAccepted,
				"cancelled_at": &now,
			}).Error
		})
	}

	if !ch.Participant(winner) {
		return nil, fmt.Errorf("ruled winner %s is not a party to challenge %s", winner, ch.ID)
	}
	return s.complete(ctx, ch, models.StatusCompleted, moderator, winner)
}

// complete settles and flips to Completed. The settlement runs before the
// status change so a transfer failure leaves the challenge retryable.
func (s *ChallengeService) complete(ctx context.Context, ch *models.Challenge, next models.ChallengeStatus, actor, winner string) (*models.Challenge, error) {
	loser := ch.Other(winner)
	feeTotal := 2 * ch.FeeAmount()
	legs := []models.TransferLeg{
		{From: ch.Creator, To: s.PlatformAccount, Amount: ch.Amount},
		{From: ch.Opponent, To: s.PlatformAccount, Amount: ch.Amount},
		{From: s.PlatformAccount, To: winner, Amount: 2*ch.Amount - feeTotal},
	}
	if err := s.Settler.Settle(ctx, ch.ID, "challenge", ch.AssetType, legs, feeTotal, winner); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.applyTransition(ctx, ch, next, actor, func(tx *gorm.DB) error {
		if err := tx.Where("commitment_id = ?", ch.ID).Delete(&models.CommitmentEntry{}).Error; err != nil {
			return err
		}
		return tx.Model(ch).Updates(map[string]interface{}{
			"status":       next,
			"winner":       winner,
			"completed_at": &now,
		}).Error
	}); err != nil {
		return nil, err
	}

	if s.Oracle != nil {
		s.Oracle.Invalidate(winner, ch.AssetType)
		s.Oracle.Invalidate(loser, ch.AssetType)
	}
	log.Printf("[CHALLENGE] %s completed, winner %s, pot %d, fee %d", ch.ID, winner, 2*ch.Amount, feeTotal)
	return ch, nil
}

// applyTransition writes the mutation and its audit row in one transaction,
// then publishes the state change. mutate receives the transaction handle so
// ledger effects commit atomically with the status.
func (s *ChallengeService) applyTransition(ctx context.Context, ch *models.Challenge, next models.ChallengeStatus, actor string, mutate func(tx *gorm.DB) error) error {
	from := ch.Status
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Guard against a concurrent transition that won the lock first
		// on another instance of the service.
		res := tx.Model(&models.Challenge{}).
			Where("id = ? AND status = ?", ch.ID, from).
			Update("status", from)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentModification
		}
		if err := mutate(tx); err != nil {
			return err
		}
		return tx.Create(&models.ChallengeTransition{
			ChallengeID: ch.ID,
			FromStatus:  from,
			ToStatus:    next,
			Actor:       actor,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("failed to apply transition on %s: %w", ch.ID, err)
	}

	ch.Status = next
	s.Events.Publish(ChallengeEvent{
		ChallengeID: ch.ID,
		FromStatus:  from,
		ToStatus:    next,
		Actor:       actor,
		At:          time.Now(),
	})
	return nil
}

func (s *ChallengeService) load(ctx context.Context, challengeID string) (*models.Challenge, error) {
	var ch models.Challenge
	if err := s.DB.WithContext(ctx).First(&ch, "id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load challenge %s: %w", challengeID, err)
	}
	return &ch, nil
}

// Get returns one challenge by id.
func (s *ChallengeService) Get(ctx context.Context, challengeID string) (*models.Challenge, error) {
	return s.load(ctx, challengeID)
}

// List returns challenges filtered by participant and/or status.
func (s *ChallengeService) List(ctx context.Context, account string, status *models.ChallengeStatus) ([]models.Challenge, error) {
	q := s.DB.WithContext(ctx).Model(&models.Challenge{})
	if account != "" {
		q = q.Where("creator = ? OR opponent = ?", account, account)
	}
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var challenges []models.Challenge
	if err := q.Order("created_at DESC").Find(&challenges).Error; err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	return challenges, nil
}

// Transitions returns the audit trail for a challenge.
func (s *ChallengeService) Transitions(ctx context.Context, challengeID string) ([]models.ChallengeTransition, error) {
	var rows []models.ChallengeTransition
	if err := s.DB.WithContext(ctx).
		Where("challenge_id = ?", challengeID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load transitions for %s: %w", challengeID, err)
	}
	return rows, nil
}
