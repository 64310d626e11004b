package qr

import (
	"fmt"
	"strings"
	"time"
)

// Status is the persisted lifecycle state of an Issue.
// Only "issued" is non-terminal; a row never returns to it.
type Status string

const (
	StatusIssued   Status = "issued"
	StatusRedeemed Status = "redeemed"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// ParseStatus maps a user-supplied value to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusIssued, StatusRedeemed, StatusExpired, StatusRevoked:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusIssued:
		return false
	case StatusRedeemed, StatusExpired, StatusRevoked:
		return true
	default:
		return true
	}
}

// Issue is one ledger row.
type Issue struct {
	ID  string
	JTI string

	Status Status

	SubjectRef  string
	IssuerRef   string
	RedeemerRef *string

	Amount   int64
	Metadata map[string]string

	ExpiresAt  time.Time
	RedeemedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Payload is the business data handed back on a successful redemption.
type Payload struct {
	JTI         string
	SubjectRef  string
	IssuerRef   string
	RedeemerRef string
	Amount      int64
	Metadata    map[string]string
	RedeemedAt  time.Time
}

func payloadOf(in Issue) Payload {
	p := Payload{
		JTI:        in.JTI,
		SubjectRef: in.SubjectRef,
		IssuerRef:  in.IssuerRef,
		Amount:     in.Amount,
		Metadata:   copyMetadata(in.Metadata),
	}
	if in.RedeemerRef != nil {
		p.RedeemerRef = *in.RedeemerRef
	}
	if in.RedeemedAt != nil {
		p.RedeemedAt = *in.RedeemedAt
	}
	return p
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
