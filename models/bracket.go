package models

import "time"

// BracketStatus follows the single-elimination lifecycle. Paid is distinct
// from Completed so prize settlement stays retryable.
type BracketStatus string

const (
	BracketUpcoming   BracketStatus = "upcoming"
	BracketInProgress BracketStatus = "in_progress"
	BracketCompleted  BracketStatus = "completed"
	BracketPaid       BracketStatus = "paid"
	BracketCancelled  BracketStatus = "cancelled"
)

// TournamentBracket is a single-elimination tournament. Starting requires the
// participant count to be a power of two; byes are not supported.
type TournamentBracket struct {
	ID              string        `json:"id" gorm:"primaryKey"`
	Name            string        `json:"name" gorm:"not null"`
	AssetType       AssetType     `json:"asset_type" gorm:"type:varchar(16);not null"`
	EntryFee        int64         `json:"entry_fee" gorm:"not null"`
	FeeRateBps      int64         `json:"fee_rate_bps" gorm:"not null"`
	MaxParticipants int           `json:"max_participants" gorm:"not null"`
	Status          BracketStatus `json:"status" gorm:"type:varchar(16);not null;index;default:'upcoming'"`

	// Prize split in percent. For two-player brackets the whole pot goes to
	// first place regardless of the configured split.
	FirstPct  int `json:"first_pct" gorm:"default:100"`
	SecondPct int `json:"second_pct" gorm:"default:0"`
	ThirdPct  int `json:"third_pct" gorm:"default:0"`

	Winner string `json:"winner,omitempty" gorm:"type:varchar(96)"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`

	Participants []BracketParticipant `json:"participants,omitempty" gorm:"foreignKey:BracketID"`
	Matches      []BracketMatch       `json:"matches,omitempty" gorm:"foreignKey:BracketID"`
}

// BracketParticipant joins an account to a bracket. Seed is assigned by the
// shuffle when the bracket starts.
type BracketParticipant struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	BracketID string    `json:"bracket_id" gorm:"not null;uniqueIndex:idx_bracket_account"`
	Account   string    `json:"account" gorm:"type:varchar(96);not null;uniqueIndex:idx_bracket_account"`
	Seed      int       `json:"seed" gorm:"default:0"`
	JoinedAt  time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

// BracketMatch is one pairing inside a bracket. Round is 1-indexed; Order is
// 1-indexed within the round. The winner of match (r, o) fills slot A or B of
// match (r+1, ceil(o/2)) depending on the parity of o.
type BracketMatch struct {
	ID        string `json:"id" gorm:"primaryKey"`
	BracketID string `json:"bracket_id" gorm:"not null;index"`
	Round     int    `json:"round" gorm:"not null"`
	Order     int    `json:"order" gorm:"column:match_order;not null"`

	PlayerA string `json:"player_a,omitempty" gorm:"type:varchar(96)"`
	PlayerB string `json:"player_b,omitempty" gorm:"type:varchar(96)"`
	ScoreA  *int64 `json:"score_a,omitempty"`
	ScoreB  *int64 `json:"score_b,omitempty"`
	Winner  string `json:"winner,omitempty" gorm:"type:varchar(96)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// EntryCommitmentID is the ledger key for one participant's entry hold.
func EntryCommitmentID(bracketID, account string) string {
	return bracketID + ":" + account
}
