// Package v1 defines the Karma redemption feed protocol v1.
//
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and names the active topic (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe switches the session to another issuer topic (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription (server -> client).
	TypeSubscribed = "subscribed"

	// TypeRedemption is pushed after a redemption commits (server -> subscribers).
	TypeRedemption = "redemption"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribed,
		TypeRedemption,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the session id and the issuer topic bound at upgrade.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	IssuerRef string `json:"issuer_ref"`
}

// SubscribePayload requests the redemption feed of one issuer.
type SubscribePayload struct {
	IssuerRef string `json:"issuer_ref"`
}

// RedemptionPayload describes one committed redemption. It never carries the bearer token.
type RedemptionPayload struct {
	JTI         string            `json:"jti"`
	SubjectRef  string            `json:"subject_ref"`
	IssuerRef   string            `json:"issuer_ref"`
	RedeemerRef string            `json:"redeemer_ref"`
	Amount      int64             `json:"amount"`
	Metadata    map[string]string `json:"metadata"`
	RedeemedAt  time.Time         `json:"redeemed_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
