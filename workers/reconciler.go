package workers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"challenge-escrow-system/models"

	"gorm.io/gorm"
)

// Reconciler sweeps CommitmentEntries whose owning challenge or tournament
// is already terminal (or gone). A request that crashed between releasing a
// hold and committing its transition leaks a reservation; this job is the
// backstop that keeps the ledger honest.
//
// Grace is how old an entry must be before a missing owner counts as leaked.
// Reservations are admitted before the owning row is inserted, so a sweep
// racing a create would otherwise delete a live hold.
type Reconciler struct {
	DB    *gorm.DB
	Grace time.Duration
}

func NewReconciler(db *gorm.DB, grace time.Duration) *Reconciler {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Reconciler{DB: db, Grace: grace}
}

// Run polls until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	log.Println("Starting commitment reconciler...")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Commitment reconciler stopped.")
			return
		case <-ticker.C:
			released, err := r.Sweep(ctx)
			if err != nil {
				log.Printf("[RECONCILE] sweep failed: %v", err)
				continue
			}
			if released > 0 {
				log.Printf("[RECONCILE] released %d leaked reservation(s)", released)
			}
		}
	}
}

// Sweep releases every entry whose owner no longer holds funds and returns
// how many were removed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	var entries []models.CommitmentEntry
	if err := r.DB.WithContext(ctx).Find(&entries).Error; err != nil {
		return 0, err
	}

	released := 0
	for _, e := range entries {
		if time.Since(e.CreatedAt) < r.Grace {
			continue
		}
		leaked, err := r.leaked(ctx, e)
		if err != nil {
			log.Printf("[RECONCILE] could not check entry %d (%s): %v", e.ID, e.CommitmentID, err)
			continue
		}
		if !leaked {
			continue
		}
		if err := r.DB.WithContext(ctx).Delete(&models.CommitmentEntry{}, e.ID).Error; err != nil {
			log.Printf("[RECONCILE] failed to release entry %d: %v", e.ID, err)
			continue
		}
		released++
	}
	return released, nil
}

// leaked reports whether the entry's owner is terminal or missing. Entry
// commitment ids for tournaments carry a "bracketID:account" shape; plain
// ids are challenges.
func (r *Reconciler) leaked(ctx context.Context, e models.CommitmentEntry) (bool, error) {
	if idx := strings.IndexByte(e.CommitmentID, ':'); idx >= 0 {
		bracketID := e.CommitmentID[:idx]
		var b models.TournamentBracket
		err := r.DB.WithContext(ctx).Select("status").First(&b, "id = ?", bracketID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return b.Status == models.BracketPaid || b.Status == models.BracketCancelled, nil
	}

	var ch models.Challenge
	err := r.DB.WithContext(ctx).Select("status").First(&ch, "id = ?", e.CommitmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return ch.Status.Terminal(), nil
}
