package services

import (
	"log"
	"sync"
	"time"

	"challenge-escrow-system/models"
)

// ChallengeEvent is emitted after every committed state change. External
// notifiers consume these; the state machine itself never blocks on them.
type ChallengeEvent struct {
	ChallengeID string                 `json:"challenge_id"`
	FromStatus  models.ChallengeStatus `json:"from_status"`
	ToStatus    models.ChallengeStatus `json:"to_status"`
	Actor       string                 `json:"actor,omitempty"`
	At          time.Time              `json:"at"`
}

// EventBus fans challenge events out to subscribers. Publish never blocks:
// a subscriber that falls behind loses events rather than stalling a
// transition.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan ChallengeEvent
	next int
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan ChallengeEvent)}
}

// Subscribe returns a receive channel and a cancel func. Cancel must be
// called when the consumer goes away.
func (b *EventBus) Subscribe() (<-chan ChallengeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan ChallengeEvent, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *EventBus) Publish(ev ChallengeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[EVENTS] subscriber %d is slow, dropping event for challenge %s", id, ev.ChallengeID)
		}
	}
}
