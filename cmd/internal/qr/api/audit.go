package qrapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"karma/cmd/internal/qr"

	"github.com/jackc/pgx/v5"
)

type auditEntry struct {
	action  string
	jti     string
	actor   string
	outcome qr.Outcome
	meta    map[string]any
}

func (h *Handler) auditIssued(ctx context.Context, r *http.Request, iss qr.Issue) {
	h.insertAudit(ctx, r, auditEntry{
		action: "qr.issue",
		jti:    iss.JTI,
		actor:  iss.IssuerRef,
		meta: map[string]any{
			"subject_ref": iss.SubjectRef,
			"amount":      iss.Amount,
		},
	})
}

func (h *Handler) auditRedeem(ctx context.Context, r *http.Request, res qr.Redemption, redeemer string) {
	h.insertAudit(ctx, r, auditEntry{
		action:  "qr.redeem",
		jti:     res.JTI,
		actor:   redeemer,
		outcome: res.Outcome,
	})
}

func (h *Handler) auditRevoked(ctx context.Context, r *http.Request, iss qr.Issue) {
	h.insertAudit(ctx, r, auditEntry{
		action: "qr.revoke",
		jti:    iss.JTI,
		actor:  iss.IssuerRef,
	})
}

func (h *Handler) insertAudit(ctx context.Context, r *http.Request, e auditEntry) {
	if h == nil || strings.TrimSpace(e.action) == "" {
		return
	}

	var ipVal any
	if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
		ipVal = ip.String()
	}

	h.log.Info("qr.audit", "action", e.action, "jti", e.jti, "actor_ref", e.actor, "outcome", e.outcome, "ip", ipVal)
	if h.pool == nil {
		return
	}

	var metaVal *string
	if len(e.meta) > 0 {
		if b, err := json.Marshal(e.meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	table := pgx.Identifier{h.auditSchema, "qr_audit_log"}.Sanitize()
	_, err := h.pool.Exec(ctx, `
		INSERT INTO `+table+` (
			action, jti, actor_ref, outcome, ip, user_agent, meta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, now())
	`, e.action, trimOrNil(e.jti), trimOrNil(e.actor), trimOrNil(string(e.outcome)), ipVal, trimOrNil(r.UserAgent()), metaVal)
	if err != nil {
		h.log.Error("qr.audit.insert.fail", "err", err, "action", e.action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
