package qrapi

import (
	"time"

	"karma/cmd/internal/qr"
)

type issueRequest struct {
	SubjectRef string            `json:"subject_ref"`
	IssuerRef  string            `json:"issuer_ref"`
	Amount     int64             `json:"amount"`
	Metadata   map[string]string `json:"metadata"`
	TTLSeconds *int64            `json:"ttl_seconds"`
}

type issueResponse struct {
	ID        string    `json:"id"`
	JTI       string    `json:"jti"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type redeemRequest struct {
	Token       string `json:"token"`
	RedeemerRef string `json:"redeemer_ref"`
}

type payloadResponse struct {
	JTI         string            `json:"jti"`
	SubjectRef  string            `json:"subject_ref"`
	IssuerRef   string            `json:"issuer_ref"`
	RedeemerRef string            `json:"redeemer_ref"`
	Amount      int64             `json:"amount"`
	Metadata    map[string]string `json:"metadata"`
	RedeemedAt  time.Time         `json:"redeemed_at"`
}

type redeemResponse struct {
	Outcome qr.Outcome       `json:"outcome"`
	Payload *payloadResponse `json:"payload,omitempty"`
	Error   *apiError        `json:"error,omitempty"`
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Outcome qr.Outcome `json:"outcome"`
}

type revokeRequest struct {
	JTI string `json:"jti"`
}

type issueView struct {
	ID          string            `json:"id"`
	JTI         string            `json:"jti"`
	Status      qr.Status         `json:"status"`
	SubjectRef  string            `json:"subject_ref"`
	IssuerRef   string            `json:"issuer_ref"`
	RedeemerRef *string           `json:"redeemer_ref"`
	Amount      int64             `json:"amount"`
	Metadata    map[string]string `json:"metadata"`
	ExpiresAt   time.Time         `json:"expires_at"`
	RedeemedAt  *time.Time        `json:"redeemed_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

type listResponse struct {
	Issues []issueView `json:"issues"`
}

func toPayloadResponse(p qr.Payload) *payloadResponse {
	return &payloadResponse{
		JTI:         p.JTI,
		SubjectRef:  p.SubjectRef,
		IssuerRef:   p.IssuerRef,
		RedeemerRef: p.RedeemerRef,
		Amount:      p.Amount,
		Metadata:    p.Metadata,
		RedeemedAt:  p.RedeemedAt,
	}
}

func toIssueView(iss qr.Issue) issueView {
	return issueView{
		ID:          iss.ID,
		JTI:         iss.JTI,
		Status:      iss.Status,
		SubjectRef:  iss.SubjectRef,
		IssuerRef:   iss.IssuerRef,
		RedeemerRef: iss.RedeemerRef,
		Amount:      iss.Amount,
		Metadata:    iss.Metadata,
		ExpiresAt:   iss.ExpiresAt,
		RedeemedAt:  iss.RedeemedAt,
		CreatedAt:   iss.CreatedAt,
	}
}
