package services

import (
	"context"
	"fmt"
	"log"

	"challenge-escrow-system/models"
	"challenge-escrow-system/utils"

	"gorm.io/gorm"
)

// CommitmentLedger tracks funds reserved by active wagers and tournament
// entries. Admission is the system's primary correctness concern: the
// read-sum / insert cycle runs under a per-account lock so two concurrent
// creations can never both read a stale reserved total and over-commit.
type CommitmentLedger struct {
	DB      *gorm.DB
	Balance BalanceSource

	accountLocks *utils.KeyedMutex
}

func NewCommitmentLedger(db *gorm.DB, balance BalanceSource) *CommitmentLedger {
	return &CommitmentLedger{
		DB:           db,
		Balance:      balance,
		accountLocks: utils.NewKeyedMutex(),
	}
}

// Reserve admits a new commitment if the account's live reservations plus the
// new amount fit within its available balance. ErrInsufficientFunds is a
// normal outcome, not a fault.
func (l *CommitmentLedger) Reserve(ctx context.Context, account string, amount int64, asset models.AssetType, commitmentID string) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	unlock := l.accountLocks.Lock(account)
	defer unlock()

	available, err := l.Balance.AvailableBalance(ctx, account, asset)
	if err != nil {
		return fmt.Errorf("failed to read balance for %s: %w", account, err)
	}

	reserved, err := l.currentReservedLocked(account, asset)
	if err != nil {
		return err
	}

	if reserved+amount > available {
		log.Printf("[LEDGER] admission rejected for %s: reserved %d + %d > available %d", account, reserved, amount, available)
		return ErrInsufficientFunds
	}

	entry := models.CommitmentEntry{
		Account:      account,
		CommitmentID: commitmentID,
		Amount:       amount,
		AssetType:    asset,
	}
	if err := l.DB.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to create commitment entry: %w", err)
	}
	return nil
}

// Release removes every entry for the commitment id, from both sides.
// Releasing an absent commitment is a no-op so failure paths can call it
// unconditionally without leaking reservations.
func (l *CommitmentLedger) Release(ctx context.Context, commitmentID string) error {
	if err := l.DB.WithContext(ctx).
		Where("commitment_id = ?", commitmentID).
		Delete(&models.CommitmentEntry{}).Error; err != nil {
		return fmt.Errorf("failed to release commitment %s: %w", commitmentID, err)
	}
	return nil
}

// ReleaseFor removes one account's side of a commitment.
func (l *CommitmentLedger) ReleaseFor(ctx context.Context, commitmentID, account string) error {
	if err := l.DB.WithContext(ctx).
		Where("commitment_id = ? AND account = ?", commitmentID, account).
		Delete(&models.CommitmentEntry{}).Error; err != nil {
		return fmt.Errorf("failed to release commitment %s for %s: %w", commitmentID, account, err)
	}
	return nil
}

// CurrentReserved sums the live reservations for an account and asset.
func (l *CommitmentLedger) CurrentReserved(ctx context.Context, account string, asset models.AssetType) (int64, error) {
	return l.currentReservedLocked(account, asset)
}

func (l *CommitmentLedger) currentReservedLocked(account string, asset models.AssetType) (int64, error) {
	var total int64
	err := l.DB.Model(&models.CommitmentEntry{}).
		Where("account = ? AND asset_type = ?", account, asset).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum reservations for %s: %w", account, err)
	}
	return total, nil
}

// EntriesFor lists live entries for an account, for the introspection route
// and the reconciler.
func (l *CommitmentLedger) EntriesFor(ctx context.Context, account string) ([]models.CommitmentEntry, error) {
	var entries []models.CommitmentEntry
	if err := l.DB.WithContext(ctx).
		Where("account = ?", account).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list commitments for %s: %w", account, err)
	}
	return entries, nil
}
