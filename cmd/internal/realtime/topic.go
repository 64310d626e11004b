package realtime

import (
	"log/slog"
	"sync"

	v1 "karma/shared/contracts/realtime/v1"
)

// Topic is the subscriber set of one issuer's redemption feed.
//
// Join/Leave are safe under concurrent Publish. Publish never blocks: a
// subscriber whose queue is full misses the event.
type Topic struct {
	log       *slog.Logger
	IssuerRef string

	mu      sync.RWMutex
	members map[string]*Client
}

func newTopic(log *slog.Logger, issuerRef string) *Topic {
	return &Topic{
		log:       log,
		IssuerRef: issuerRef,
		members:   make(map[string]*Client),
	}
}

func (t *Topic) join(client *Client) {
	t.mu.Lock()
	t.members[client.SessionID] = client
	t.mu.Unlock()

	t.log.Info("feed.subscribe", "issuer_ref", t.IssuerRef, "session_id", client.SessionID)
}

// leave removes sessionID and reports how many subscribers remain.
func (t *Topic) leave(sessionID string) int {
	t.mu.Lock()
	delete(t.members, sessionID)
	n := len(t.members)
	t.mu.Unlock()

	t.log.Info("feed.unsubscribe", "issuer_ref", t.IssuerRef, "session_id", sessionID)
	return n
}

// Len reports the number of subscribers.
func (t *Topic) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Publish fans env out to every subscriber and returns how many were dropped.
func (t *Topic) Publish(env v1.Envelope) (dropped int) {
	if t == nil {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			dropped++
		}
	}
	return dropped
}
