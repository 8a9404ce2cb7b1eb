package models

import "time"

type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSent    SettlementStatus = "sent"
	SettlementFailed  SettlementStatus = "failed"
)

// SettlementRecord tracks one payout instruction to the external transfer
// mechanism. ID doubles as the idempotency key (challenge id or bracket id):
// a record already marked sent is never re-dispatched.
type SettlementRecord struct {
	ID        string           `json:"id" gorm:"primaryKey"`
	Kind      string           `json:"kind" gorm:"type:varchar(16);not null"` // challenge | tournament
	AssetType AssetType        `json:"asset_type" gorm:"type:varchar(16);not null"`
	Status    SettlementStatus `json:"status" gorm:"type:varchar(16);not null;index;default:'pending'"`

	// Legs as JSON: [{"from":"...","to":"...","amount":123}, ...]
	LegsJSON  string `json:"legs" gorm:"type:text;not null"`
	FeeAmount int64  `json:"fee_amount" gorm:"not null"`

	// Winner is recorded at dispatch time so a retry completes the owning
	// record with the ruled outcome rather than re-deriving it.
	Winner string `json:"winner,omitempty" gorm:"type:varchar(96)"`

	Attempts  int    `json:"attempts" gorm:"default:0"`
	LastError string `json:"last_error,omitempty" gorm:"type:text"`
	TxRefs    string `json:"tx_refs,omitempty" gorm:"type:text"`

	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// TransferLeg is one from->to movement inside a settlement.
type TransferLeg struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}
