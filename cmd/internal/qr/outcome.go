package qr

import "time"

// Outcome classifies a redemption (or validation) attempt.
type Outcome string

const (
	OutcomeRedeemed        Outcome = "redeemed"
	OutcomeRedeemable      Outcome = "redeemable" // Validate only: Redeem would succeed now.
	OutcomeInvalidToken    Outcome = "invalid_token"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeAlreadyRedeemed Outcome = "already_redeemed"
	OutcomeExpired         Outcome = "expired"
	OutcomeRevoked         Outcome = "revoked"
	OutcomeInvalidState    Outcome = "invalid_state"
)

// Err maps a denial to its sentinel error. Successful outcomes map to nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomeRedeemed, OutcomeRedeemable:
		return nil
	case OutcomeInvalidToken:
		return ErrInvalidToken
	case OutcomeNotFound:
		return ErrNotFound
	case OutcomeAlreadyRedeemed:
		return ErrAlreadyRedeemed
	case OutcomeExpired:
		return ErrExpired
	case OutcomeRevoked:
		return ErrRevoked
	case OutcomeInvalidState:
		return ErrInvalidState
	default:
		return ErrInvalidState
	}
}

// Redemption is the result of Service.Redeem.
// Payload is set only when Outcome is OutcomeRedeemed.
type Redemption struct {
	Outcome Outcome
	JTI     string
	Payload *Payload
}

// OK reports whether the attempt redeemed the issue.
func (r Redemption) OK() bool { return r.Outcome == OutcomeRedeemed && r.Payload != nil }

// Inspection is a read-only view of a row together with the store's clock at read time.
type Inspection struct {
	Issue Issue
	Now   time.Time
}

// classifyDenied explains why a conditional redeem matched no row.
// It never decides success.
func classifyDenied(in Inspection) Outcome {
	switch in.Issue.Status {
	case StatusRedeemed:
		return OutcomeAlreadyRedeemed
	case StatusRevoked:
		return OutcomeRevoked
	case StatusExpired:
		return OutcomeExpired
	case StatusIssued:
		if in.Issue.ExpiresAt.Before(in.Now) {
			return OutcomeExpired
		}
		return OutcomeInvalidState
	default:
		return OutcomeInvalidState
	}
}

// classifyCurrent predicts what a redeem would do against this snapshot.
func classifyCurrent(in Inspection) Outcome {
	if in.Issue.Status == StatusIssued && !in.Issue.ExpiresAt.Before(in.Now) {
		return OutcomeRedeemable
	}
	return classifyDenied(in)
}
