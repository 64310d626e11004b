package realtime

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"karma/cmd/internal/qr"
	v1 "karma/shared/contracts/realtime/v1"
)

// Hub routes committed redemptions to the feed of their issuer.
// It implements qr.RedemptionObserver.
type Hub struct {
	log *slog.Logger

	mu     sync.Mutex
	topics map[string]*Topic
}

var _ qr.RedemptionObserver = (*Hub)(nil)

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		topics: make(map[string]*Topic),
	}
}

// Subscribe adds client to the issuer's topic, creating it on first use.
func (h *Hub) Subscribe(issuerRef string, client *Client) *Topic {
	issuerRef = strings.TrimSpace(issuerRef)
	if h == nil || issuerRef == "" || client == nil || client.SessionID == "" {
		return nil
	}

	h.mu.Lock()
	t, ok := h.topics[issuerRef]
	if !ok {
		t = newTopic(h.log, issuerRef)
		h.topics[issuerRef] = t
	}
	t.join(client)
	h.mu.Unlock()
	return t
}

// Unsubscribe removes a session from a topic and forgets empty topics.
func (h *Hub) Unsubscribe(issuerRef, sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[issuerRef]
	if !ok {
		return
	}
	if t.leave(sessionID) == 0 {
		delete(h.topics, issuerRef)
	}
}

// Topic returns the live topic for issuerRef, or nil.
func (h *Hub) Topic(issuerRef string) *Topic {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topics[issuerRef]
}

// Redeemed publishes a committed redemption. It never blocks the caller.
func (h *Hub) Redeemed(iss qr.Issue) {
	if h == nil {
		return
	}
	t := h.Topic(iss.IssuerRef)
	if t == nil {
		return
	}

	p := v1.RedemptionPayload{
		JTI:        iss.JTI,
		SubjectRef: iss.SubjectRef,
		IssuerRef:  iss.IssuerRef,
		Amount:     iss.Amount,
		Metadata:   iss.Metadata,
	}
	if iss.RedeemerRef != nil {
		p.RedeemerRef = *iss.RedeemerRef
	}
	if iss.RedeemedAt != nil {
		p.RedeemedAt = *iss.RedeemedAt
	}
	raw, err := json.Marshal(p)
	if err != nil {
		h.log.Error("feed.publish.encode.fail", "err", err, "jti", iss.JTI)
		return
	}

	env := newEnvelope(v1.TypeRedemption, iss.IssuerRef, raw, time.Now().UTC())
	if dropped := t.Publish(env); dropped > 0 {
		h.log.Warn("feed.publish.dropped", "issuer_ref", iss.IssuerRef, "dropped", dropped, "jti", iss.JTI)
	}
}
