package services

import "errors"

// All of these are ordinary, expected outcomes surfaced to the caller; only
// infrastructure faults (DB unreachable) flow through as generic errors.
var (
	ErrInvalidStateTransition  = errors.New("transition not permitted from current status")
	ErrInsufficientFunds       = errors.New("insufficient available balance for commitment")
	ErrInvalidParticipantCount = errors.New("participant count must be a power of two and at least 2")
	ErrSettlementFailed        = errors.New("external transfer failed")
	ErrConcurrentModification  = errors.New("record changed concurrently, retry")
	ErrNotParticipant          = errors.New("account is not a party to this record")
	ErrNotFound                = errors.New("record not found")
)
