package services

import (
	"context"
	"log"
	"time"

	"challenge-escrow-system/models"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// settlementAttemptCap bounds how often the retry job re-dispatches one
// record before leaving it for operator attention.
const settlementAttemptCap = 10

// StartSettlementRetryScheduler runs a minutely job that re-dispatches failed
// settlements and finishes the transitions they were blocking. Challenges
// parked in Scored/Disputed flip to Completed once their record goes through;
// Completed-but-unpaid brackets get their payout re-attempted.
func StartSettlementRetryScheduler(challenges *ChallengeService, brackets *BracketService, settler *SettlementDispatcher) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			defer cancel()

			recs, err := settler.FailedSettlements(ctx, settlementAttemptCap)
			if err != nil {
				log.Printf("[RETRY] failed to list settlements: %v", err)
				return
			}
			for i := range recs {
				rec := &recs[i]
				if rec.Kind != "challenge" {
					continue
				}
				if err := challenges.RetrySettlement(ctx, rec); err != nil {
					log.Printf("[RETRY] challenge settlement %s still failing (attempt %d): %v", rec.ID, rec.Attempts, err)
				} else {
					log.Printf("[RETRY] challenge settlement %s recovered", rec.ID)
				}
			}

			unpaid, err := brackets.CompletedUnpaid(ctx)
			if err != nil {
				log.Printf("[RETRY] failed to list unpaid brackets: %v", err)
				return
			}
			for i := range unpaid {
				b := &unpaid[i]
				if err := brackets.PayOut(ctx, b); err != nil {
					log.Printf("[RETRY] bracket payout %s still failing: %v", b.ID, err)
				} else {
					log.Printf("[RETRY] bracket payout %s recovered", b.ID)
				}
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	return sched, nil
}

// RetrySettlement re-dispatches a failed challenge settlement and, on
// success, finishes the Completed transition the original confirm could not
// make. The winner comes from the record itself so a moderator ruling
// survives the retry unchanged.
func (s *ChallengeService) RetrySettlement(ctx context.Context, rec *models.SettlementRecord) error {
	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	ch, err := s.load(ctx, rec.ID)
	if err != nil {
		return err
	}
	if ch.Status.Terminal() {
		return nil
	}

	if err := s.Settler.Redispatch(ctx, rec); err != nil {
		return err
	}

	winner := rec.Winner
	if winner == "" {
		log.Printf("[RETRY] settlement %s sent but has no recorded winner, leaving challenge for manual completion", rec.ID)
		return nil
	}

	now := time.Now()
	return s.applyTransition(ctx, ch, models.StatusCompleted, "settlement-retry", func(tx *gorm.DB) error {
		if err := tx.Where("commitment_id = ?", ch.ID).Delete(&models.CommitmentEntry{}).Error; err != nil {
			return err
		}
		return tx.Model(ch).Updates(map[string]interface{}{
			"status":       models.StatusCompleted,
			"winner":       winner,
			"completed_at": &now,
		}).Error
	})
}
