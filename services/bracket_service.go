package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"challenge-escrow-system/models"
	"challenge-escrow-system/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BracketService seeds single-elimination brackets, advances winners round
// over round and pays out the pot when the final resolves.
type BracketService struct {
	DB      *gorm.DB
	Ledger  *CommitmentLedger
	Settler *SettlementDispatcher

	// DefaultFeeRateBps is snapshotted onto each new bracket.
	DefaultFeeRateBps int64
	PlatformAccount   string

	locks *utils.KeyedMutex
}

func NewBracketService(db *gorm.DB, ledger *CommitmentLedger, settler *SettlementDispatcher, feeRateBps int64, platformAccount string) *BracketService {
	return &BracketService{
		DB:                db,
		Ledger:            ledger,
		Settler:           settler,
		DefaultFeeRateBps: feeRateBps,
		PlatformAccount:   platformAccount,
		locks:             utils.NewKeyedMutex(),
	}
}

// PrizeSplit is the percentage shares for the top placements. It must sum to
// 100; two-player brackets always pay 100% to first.
type PrizeSplit struct {
	FirstPct  int `json:"first_pct"`
	SecondPct int `json:"second_pct"`
	ThirdPct  int `json:"third_pct"`
}

func (p PrizeSplit) valid() bool {
	return p.FirstPct > 0 && p.SecondPct >= 0 && p.ThirdPct >= 0 &&
		p.FirstPct+p.SecondPct+p.ThirdPct == 100
}

// CreateBracket opens registration for a new tournament.
func (s *BracketService) CreateBracket(ctx context.Context, name string, asset models.AssetType, entryFee int64, maxParticipants int, split PrizeSplit) (*models.TournamentBracket, error) {
	if name == "" {
		return nil, fmt.Errorf("bracket name is required")
	}
	if entryFee <= 0 {
		return nil, fmt.Errorf("entry fee must be positive")
	}
	if maxParticipants < 2 {
		return nil, fmt.Errorf("max participants must be at least 2")
	}
	if !split.valid() {
		return nil, fmt.Errorf("prize split must sum to 100 with a positive first share")
	}

	b := &models.TournamentBracket{
		ID:              uuid.NewString(),
		Name:            name,
		AssetType:       asset,
		EntryFee:        entryFee,
		FeeRateBps:      s.DefaultFeeRateBps,
		MaxParticipants: maxParticipants,
		Status:          models.BracketUpcoming,
		FirstPct:        split.FirstPct,
		SecondPct:       split.SecondPct,
		ThirdPct:        split.ThirdPct,
	}
	if err := s.DB.WithContext(ctx).Create(b).Error; err != nil {
		return nil, fmt.Errorf("failed to create bracket: %w", err)
	}
	return b, nil
}

// Register adds an account to an Upcoming bracket, reserving its entry fee
// plus fee headroom under the entry commitment id.
func (s *BracketService) Register(ctx context.Context, bracketID, account string) (*models.BracketParticipant, error) {
	unlock := s.locks.Lock(bracketID)
	defer unlock()

	b, err := s.load(ctx, bracketID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BracketUpcoming {
		return nil, ErrInvalidStateTransition
	}

	var count int64
	if err := s.DB.WithContext(ctx).Model(&models.BracketParticipant{}).
		Where("bracket_id = ?", bracketID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to count participants: %w", err)
	}
	if int(count) >= b.MaxParticipants {
		return nil, fmt.Errorf("bracket %s is full", bracketID)
	}

	var existing models.BracketParticipant
	if err := s.DB.WithContext(ctx).Where("bracket_id = ? AND account = ?", bracketID, account).
		First(&existing).Error; err == nil {
		return nil, fmt.Errorf("account %s is already registered", account)
	}

	hold := b.EntryFee + b.EntryFee*b.FeeRateBps/10000
	if err := s.Ledger.Reserve(ctx, account, hold, b.AssetType, models.EntryCommitmentID(bracketID, account)); err != nil {
		return nil, err
	}

	p := &models.BracketParticipant{
		ID:        uuid.NewString(),
		BracketID: bracketID,
		Account:   account,
	}
	if err := s.DB.WithContext(ctx).Create(p).Error; err != nil {
		if relErr := s.Ledger.Release(ctx, models.EntryCommitmentID(bracketID, account)); relErr != nil {
			log.Printf("[BRACKET] failed to release entry hold after register failure for %s: %v", account, relErr)
		}
		return nil, fmt.Errorf("failed to register participant: %w", err)
	}
	return p, nil
}

// Withdraw removes a participant before the bracket starts and releases the
// entry hold.
func (s *BracketService) Withdraw(ctx context.Context, bracketID, account string) error {
	unlock := s.locks.Lock(bracketID)
	defer unlock()

	b, err := s.load(ctx, bracketID)
	if err != nil {
		return err
	}
	if b.Status != models.BracketUpcoming {
		return ErrInvalidStateTransition
	}

	res := s.DB.WithContext(ctx).
		Where("bracket_id = ? AND account = ?", bracketID, account).
		Delete(&models.BracketParticipant{})
	if res.Error != nil {
		return fmt.Errorf("failed to withdraw %s: %w", account, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return s.Ledger.Release(ctx, models.EntryCommitmentID(bracketID, account))
}

// Start seeds round 1 from a uniform shuffle of the participants and moves
// the bracket InProgress. The count must be a power of two of at least 2;
// byes are not supported.
func (s *BracketService) Start(ctx context.Context, bracketID string) (*models.TournamentBracket, error) {
	unlock := s.locks.Lock(bracketID)
	defer unlock()

	b, err := s.load(ctx, bracketID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BracketUpcoming {
		return nil, ErrInvalidStateTransition
	}

	var participants []models.BracketParticipant
	if err := s.DB.WithContext(ctx).Where("bracket_id = ?", bracketID).
		Order("joined_at ASC").
		Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}

	n := len(participants)
	if n < 2 || n&(n-1) != 0 {
		return nil, ErrInvalidParticipantCount
	}

	// Fisher-Yates via rand.Shuffle gives the unbiased permutation the
	// seeding requires.
	rand.Shuffle(n, func(i, j int) {
		participants[i], participants[j] = participants[j], participants[i]
	})

	now := time.Now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range participants {
			if err := tx.Model(&participants[i]).Update("seed", i+1).Error; err != nil {
				return err
			}
		}
		for i := 0; i < n/2; i++ {
			m := models.BracketMatch{
				ID:        uuid.NewString(),
				BracketID: bracketID,
				Round:     1,
				Order:     i + 1,
				PlayerA:   participants[2*i].Account,
				PlayerB:   participants[2*i+1].Account,
			}
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		}
		return tx.Model(b).Updates(map[string]interface{}{
			"status":     models.BracketInProgress,
			"started_at": &now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start bracket %s: %w", bracketID, err)
	}

	b.Status = models.BracketInProgress
	log.Printf("[BRACKET] %s started with %d participants (%d rounds)", bracketID, n, roundsFor(n))
	return b, nil
}

// ReportMatchResult records a match outcome. Non-final winners advance into
// the next round's slot; the final winner completes the bracket and triggers
// the prize payout.
func (s *BracketService) ReportMatchResult(ctx context.Context, matchID string, scoreA, scoreB int64) (*models.BracketMatch, error) {
	if scoreA == scoreB {
		return nil, fmt.Errorf("match scores must differ")
	}

	var match models.BracketMatch
	if err := s.DB.WithContext(ctx).First(&match, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load match %s: %w", matchID, err)
	}

	unlock := s.locks.Lock(match.BracketID)
	defer unlock()

	// Reload under the lock; another report may have landed first.
	if err := s.DB.WithContext(ctx).First(&match, "id = ?", matchID).Error; err != nil {
		return nil, fmt.Errorf("failed to load match %s: %w", matchID, err)
	}
	if match.Winner != "" {
		return nil, ErrInvalidStateTransition
	}
	if match.PlayerA == "" || match.PlayerB == "" {
		return nil, fmt.Errorf("match %s is not ready: both slots must be filled", matchID)
	}

	b, err := s.load(ctx, match.BracketID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BracketInProgress {
		return nil, ErrInvalidStateTransition
	}

	winner := match.PlayerA
	if scoreB > scoreA {
		winner = match.PlayerB
	}

	var total int64
	if err := s.DB.WithContext(ctx).Model(&models.BracketParticipant{}).
		Where("bracket_id = ?", b.ID).
		Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count participants: %w", err)
	}
	finalRound := roundsFor(int(total))

	if match.Round == finalRound {
		if err := s.completeAndPay(ctx, b, &match, winner, scoreA, scoreB); err != nil {
			return nil, err
		}
		return &match, nil
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&match).Updates(map[string]interface{}{
			"score_a": scoreA,
			"score_b": scoreB,
			"winner":  winner,
		}).Error; err != nil {
			return err
		}
		return s.advanceWinner(tx, b.ID, match.Round, match.Order, winner)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record result for match %s: %w", matchID, err)
	}

	match.ScoreA, match.ScoreB, match.Winner = &scoreA, &scoreB, winner
	return &match, nil
}

// advanceWinner writes the winner into slot A or B of the next round's
// match, creating it when the sibling has not reported yet. Odd match orders
// feed slot A, even orders slot B.
func (s *BracketService) advanceWinner(tx *gorm.DB, bracketID string, round, order int, winner string) error {
	nextRound := round + 1
	nextOrder := (order + 1) / 2
	slotA := order%2 == 1

	var next models.BracketMatch
	err := tx.Where("bracket_id = ? AND round = ? AND match_order = ?", bracketID, nextRound, nextOrder).
		First(&next).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		next = models.BracketMatch{
			ID:        uuid.NewString(),
			BracketID: bracketID,
			Round:     nextRound,
			Order:     nextOrder,
		}
		if slotA {
			next.PlayerA = winner
		} else {
			next.PlayerB = winner
		}
		return tx.Create(&next).Error
	case err != nil:
		return err
	}

	column := "player_b"
	if slotA {
		column = "player_a"
	}
	return tx.Model(&next).Update(column, winner).Error
}

// completeAndPay settles the pot and flips the bracket Completed then Paid.
// A transfer failure leaves the bracket Completed (final result recorded)
// with the settlement retryable; Paid only follows a successful dispatch.
func (s *BracketService) completeAndPay(ctx context.Context, b *models.TournamentBracket, match *models.BracketMatch, winner string, scoreA, scoreB int64) error {
	now := time.Now()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(match).Updates(map[string]interface{}{
			"score_a": scoreA,
			"score_b": scoreB,
			"winner":  winner,
		}).Error; err != nil {
			return err
		}
		return tx.Model(b).Updates(map[string]interface{}{
			"status":       models.BracketCompleted,
			"winner":       winner,
			"completed_at": &now,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to complete bracket %s: %w", b.ID, err)
	}
	match.ScoreA, match.ScoreB, match.Winner = &scoreA, &scoreB, winner
	b.Status = models.BracketCompleted
	b.Winner = winner

	if err := s.PayOut(ctx, b); err != nil {
		log.Printf("[BRACKET] %s completed but payout failed, retry pending: %v", b.ID, err)
		return nil
	}
	return nil
}

// PayOut dispatches the prize settlement for a Completed bracket and marks it
// Paid. Called inline on completion and again by the retry job when the
// inline dispatch failed.
func (s *BracketService) PayOut(ctx context.Context, b *models.TournamentBracket) error {
	if b.Status != models.BracketCompleted {
		return ErrInvalidStateTransition
	}

	var participants []models.BracketParticipant
	if err := s.DB.WithContext(ctx).Where("bracket_id = ?", b.ID).Find(&participants).Error; err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}

	legs, feeTotal, err := s.prizeLegs(ctx, b, participants)
	if err != nil {
		return err
	}
	if err := s.Settler.Settle(ctx, b.ID, "tournament", b.AssetType, legs, feeTotal, b.Winner); err != nil {
		return err
	}

	now := time.Now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range participants {
			if err := tx.Where("commitment_id = ?", models.EntryCommitmentID(b.ID, p.Account)).
				Delete(&models.CommitmentEntry{}).Error; err != nil {
				return err
			}
		}
		return tx.Model(b).Updates(map[string]interface{}{
			"status":  models.BracketPaid,
			"paid_at": &now,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to mark bracket %s paid: %w", b.ID, err)
	}
	b.Status = models.BracketPaid
	log.Printf("[BRACKET] %s paid out, winner %s, fee %d", b.ID, b.Winner, feeTotal)
	return nil
}

// prizeLegs builds the settlement: every participant pays the entry fee into
// the platform pot, fees are retained, and the remainder is split by the
// configured percentages. Two-player brackets pay the whole distributable
// pot to the winner. Third place, when configured, is split between the
// semifinal losers since single elimination has no bronze match.
func (s *BracketService) prizeLegs(ctx context.Context, b *models.TournamentBracket, participants []models.BracketParticipant) ([]models.TransferLeg, int64, error) {
	n := int64(len(participants))
	pot := n * b.EntryFee
	feeTotal := pot * b.FeeRateBps / 10000
	distributable := pot - feeTotal

	legs := make([]models.TransferLeg, 0, len(participants)+3)
	for _, p := range participants {
		legs = append(legs, models.TransferLeg{From: p.Account, To: s.PlatformAccount, Amount: b.EntryFee})
	}

	if n == 2 {
		legs = append(legs, models.TransferLeg{From: s.PlatformAccount, To: b.Winner, Amount: distributable})
		return legs, feeTotal, nil
	}

	finalRound := roundsFor(int(n))

	var final models.BracketMatch
	if err := s.DB.WithContext(ctx).Where("bracket_id = ? AND round = ?", b.ID, finalRound).
		First(&final).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to load final match: %w", err)
	}
	runnerUp := final.PlayerA
	if b.Winner == final.PlayerA {
		runnerUp = final.PlayerB
	}

	firstAmount := distributable * int64(b.FirstPct) / 100
	secondAmount := distributable * int64(b.SecondPct) / 100
	thirdAmount := distributable * int64(b.ThirdPct) / 100

	legs = append(legs, models.TransferLeg{From: s.PlatformAccount, To: b.Winner, Amount: firstAmount})
	if secondAmount > 0 {
		legs = append(legs, models.TransferLeg{From: s.PlatformAccount, To: runnerUp, Amount: secondAmount})
	}
	if thirdAmount > 0 && finalRound >= 2 {
		var semis []models.BracketMatch
		if err := s.DB.WithContext(ctx).Where("bracket_id = ? AND round = ?", b.ID, finalRound-1).
			Order("match_order ASC").
			Find(&semis).Error; err != nil {
			return nil, 0, fmt.Errorf("failed to load semifinals: %w", err)
		}
		share := thirdAmount / int64(len(semis))
		for _, m := range semis {
			loser := m.PlayerA
			if m.Winner == m.PlayerA {
				loser = m.PlayerB
			}
			legs = append(legs, models.TransferLeg{From: s.PlatformAccount, To: loser, Amount: share})
		}
	}
	return legs, feeTotal, nil
}

// CancelBracket dissolves an Upcoming bracket and releases every entry hold.
func (s *BracketService) CancelBracket(ctx context.Context, bracketID string) error {
	unlock := s.locks.Lock(bracketID)
	defer unlock()

	b, err := s.load(ctx, bracketID)
	if err != nil {
		return err
	}
	if b.Status != models.BracketUpcoming {
		return ErrInvalidStateTransition
	}

	var participants []models.BracketParticipant
	if err := s.DB.WithContext(ctx).Where("bracket_id = ?", bracketID).Find(&participants).Error; err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range participants {
			if err := tx.Where("commitment_id = ?", models.EntryCommitmentID(bracketID, p.Account)).
				Delete(&models.CommitmentEntry{}).Error; err != nil {
				return err
			}
		}
		return tx.Model(b).Update("status", models.BracketCancelled).Error
	})
}

// Get returns a bracket with its participants and matches preloaded.
func (s *BracketService) Get(ctx context.Context, bracketID string) (*models.TournamentBracket, error) {
	var b models.TournamentBracket
	err := s.DB.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("seed ASC, joined_at ASC")
		}).
		Preload("Matches", func(db *gorm.DB) *gorm.DB {
			return db.Order("round ASC, match_order ASC")
		}).
		First(&b, "id = ?", bracketID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load bracket %s: %w", bracketID, err)
	}
	return &b, nil
}

// List returns all brackets, newest first.
func (s *BracketService) List(ctx context.Context) ([]models.TournamentBracket, error) {
	var brackets []models.TournamentBracket
	if err := s.DB.WithContext(ctx).Order("created_at DESC").Find(&brackets).Error; err != nil {
		return nil, fmt.Errorf("failed to list brackets: %w", err)
	}
	return brackets, nil
}

// CompletedUnpaid lists brackets whose payout is still owed, for the retry
// job.
func (s *BracketService) CompletedUnpaid(ctx context.Context) ([]models.TournamentBracket, error) {
	var brackets []models.TournamentBracket
	if err := s.DB.WithContext(ctx).
		Where("status = ?", models.BracketCompleted).
		Find(&brackets).Error; err != nil {
		return nil, fmt.Errorf("failed to list unpaid brackets: %w", err)
	}
	return brackets, nil
}

func (s *BracketService) load(ctx context.Context, bracketID string) (*models.TournamentBracket, error) {
	var b models.TournamentBracket
	if err := s.DB.WithContext(ctx).First(&b, "id = ?", bracketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load bracket %s: %w", bracketID, err)
	}
	return &b, nil
}

// roundsFor returns ceil(log2(n)) for a bracket of size n.
func roundsFor(n int) int {
	rounds := 0
	for size := 1; size < n; size *= 2 {
		rounds++
	}
	return rounds
}
