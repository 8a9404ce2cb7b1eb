package models

import (
	"time"
)

// ChallengeStatus keeps the numeric codes the legacy frontend stores, so
// historical records stay readable.
type ChallengeStatus int

const (
	StatusCancelled             ChallengeStatus = 0 // also covers Rejected
	StatusPending               ChallengeStatus = 1
	StatusAccepted              ChallengeStatus = 2
	StatusScored                ChallengeStatus = 3
	StatusConfirmed             ChallengeStatus = 4 // legacy alias, never written
	StatusDisputed              ChallengeStatus = 5
	StatusMutualCancelRequested ChallengeStatus = 6
	StatusMutualCancelAccepted  ChallengeStatus = 7
	StatusCompleted             ChallengeStatus = 9
)

func (s ChallengeStatus) String() string {
	switch s {
	case StatusCancelled:
		return "cancelled"
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusScored:
		return "scored"
	case StatusConfirmed:
		return "confirmed"
	case StatusDisputed:
		return "disputed"
	case StatusMutualCancelRequested:
		return "mutual_cancel_requested"
	case StatusMutualCancelAccepted:
		return "mutual_cancel_accepted"
	case StatusCompleted:
		return "completed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are permitted.
func (s ChallengeStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusMutualCancelAccepted || s == StatusCompleted
}

// AssetType distinguishes the chain's native coin from platform tokens.
type AssetType string

const (
	AssetNative AssetType = "native"
	AssetToken  AssetType = "token"
)

// Challenge is a head-to-head wager between two accounts. Amounts are in the
// asset's smallest unit; FeeRateBps is snapshotted at creation so later fee
// changes never touch open wagers.
type Challenge struct {
	ID         string          `json:"id" gorm:"primaryKey"`
	Creator    string          `json:"creator" gorm:"type:varchar(96);not null;index"`
	Opponent   string          `json:"opponent" gorm:"type:varchar(96);not null;index"`
	AssetType  AssetType       `json:"asset_type" gorm:"type:varchar(16);not null"`
	Amount     int64           `json:"amount" gorm:"not null"`
	FeeRateBps int64           `json:"fee_rate_bps" gorm:"not null"`
	Status     ChallengeStatus `json:"status" gorm:"not null;index;default:1"`

	// Score report. Scorer records which party reported so the same party
	// cannot also confirm.
	ScoreCreator  *int64 `json:"score_creator,omitempty"`
	ScoreOpponent *int64 `json:"score_opponent,omitempty"`
	Scorer        string `json:"scorer,omitempty" gorm:"type:varchar(96)"`

	// Winner is set when the challenge completes (confirmation or moderator
	// ruling).
	Winner string `json:"winner,omitempty" gorm:"type:varchar(96)"`

	// CancelRequester is the party that first asked for a mutual cancel.
	CancelRequester string `json:"cancel_requester,omitempty" gorm:"type:varchar(96)"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ScoredAt    *time.Time `json:"scored_at,omitempty"`
	DisputedAt  *time.Time `json:"disputed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FeeAmount is the platform fee one side owes on top of the wager.
func (c *Challenge) FeeAmount() int64 {
	return c.Amount * c.FeeRateBps / 10000
}

// Participant reports whether account is one of the two parties.
func (c *Challenge) Participant(account string) bool {
	return account == c.Creator || account == c.Opponent
}

// Other returns the counterparty of account, or "" if account is not a party.
func (c *Challenge) Other(account string) string {
	switch account {
	case c.Creator:
		return c.Opponent
	case c.Opponent:
		return c.Creator
	}
	return ""
}

// ChallengeTransition is an append-only audit row written for every committed
// state change.
type ChallengeTransition struct {
	ID          uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	ChallengeID string          `json:"challenge_id" gorm:"not null;index"`
	FromStatus  ChallengeStatus `json:"from_status" gorm:"not null"`
	ToStatus    ChallengeStatus `json:"to_status" gorm:"not null"`
	Actor       string          `json:"actor" gorm:"type:varchar(96)"`
	CreatedAt   time.Time       `json:"created_at" gorm:"autoCreateTime"`
}
