package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"challenge-escrow-system/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Challenge{},
		&models.ChallengeTransition{},
		&models.CommitmentEntry{},
		&models.TournamentBracket{},
		&models.BracketParticipant{},
		&models.BracketMatch{},
		&models.SettlementRecord{},
	))
	return db
}

// fakeBalance is an in-memory BalanceSource.
type fakeBalance struct {
	mu       sync.Mutex
	balances map[string]int64
}

func newFakeBalance() *fakeBalance {
	return &fakeBalance{balances: make(map[string]int64)}
}

func (f *fakeBalance) set(account string, asset models.AssetType, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account+"|"+string(asset)] = amount
}

func (f *fakeBalance) AvailableBalance(_ context.Context, account string, asset models.AssetType) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account+"|"+string(asset)], nil
}

// fakeTransfer records every leg and can be told to fail.
type fakeTransfer struct {
	mu    sync.Mutex
	calls []transferCall
	fail  bool
}

type transferCall struct {
	From, To       string
	Amount         int64
	IdempotencyKey string
}

func (f *fakeTransfer) Transfer(_ context.Context, from, to string, amount int64, _ models.AssetType, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("transfer provider unavailable")
	}
	f.calls = append(f.calls, transferCall{From: from, To: to, Amount: amount, IdempotencyKey: key})
	return fmt.Sprintf("tx-%d", len(f.calls)), nil
}

func (f *fakeTransfer) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeTransfer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransfer) legsTo(account string) []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transferCall
	for _, call := range f.calls {
		if call.To == account {
			out = append(out, call)
		}
	}
	return out
}

const platformAccount = "platform-treasury"

type fixture struct {
	db       *gorm.DB
	balance  *fakeBalance
	transfer *fakeTransfer
	ledger   *CommitmentLedger
	settler  *SettlementDispatcher
	events   *EventBus

	challenges *ChallengeService
	brackets   *BracketService
}

func newFixture(t *testing.T, feeRateBps int64) *fixture {
	t.Helper()
	db := testDB(t)
	balance := newFakeBalance()
	transfer := &fakeTransfer{}
	ledger := NewCommitmentLedger(db, balance)
	settler := NewSettlementDispatcher(db, transfer)
	events := NewEventBus()
	return &fixture{
		db:         db,
		balance:    balance,
		transfer:   transfer,
		ledger:     ledger,
		settler:    settler,
		events:     events,
		challenges: NewChallengeService(db, ledger, settler, events, feeRateBps, platformAccount),
		brackets:   NewBracketService(db, ledger, settler, feeRateBps, platformAccount),
	}
}

func (fx *fixture) reserved(t *testing.T, account string, asset models.AssetType) int64 {
	t.Helper()
	total, err := fx.ledger.CurrentReserved(context.Background(), account, asset)
	require.NoError(t, err)
	return total
}
