package models

import "time"

// CommitmentEntry is a provisional hold against an account's balance for one
// side of an active wager or tournament entry. Entries exist only while the
// owning record is non-terminal; the reconciler sweeps anything left behind
// by a crashed request.
type CommitmentEntry struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Account      string    `json:"account" gorm:"type:varchar(96);not null;index:idx_commitment_account_asset;uniqueIndex:idx_commitment_side"`
	CommitmentID string    `json:"commitment_id" gorm:"not null;uniqueIndex:idx_commitment_side"`
	Amount       int64     `json:"amount" gorm:"not null"`
	AssetType    AssetType `json:"asset_type" gorm:"type:varchar(16);not null;index:idx_commitment_account_asset"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (CommitmentEntry) TableName() string { return "commitment_entries" }
