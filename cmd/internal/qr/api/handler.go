package qrapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"karma/cmd/internal/qr"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Handler wires HTTP endpoints to the QR service.
type Handler struct {
	log *slog.Logger
	cfg Config
	svc *qr.Service

	pool        *pgxpool.Pool
	auditSchema string
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAuditPool persists audit rows to <schema>.qr_audit_log.
// Without it, audit events are only logged.
func WithAuditPool(pool *pgxpool.Pool, schema string) HandlerOption {
	return func(h *Handler) {
		if h == nil || pool == nil {
			return
		}
		schema = strings.TrimSpace(schema)
		if schema == "" {
			schema = "karma"
		}
		h.pool = pool
		h.auditSchema = schema
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *qr.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("qrapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log: log,
		cfg: cfg.normalize(),
		svc: svc,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires QR routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/qr/issue", h.handleIssue)
	mux.HandleFunc("/qr/redeem", h.handleRedeem)
	mux.HandleFunc("/qr/validate", h.handleValidate)
	mux.HandleFunc("/qr/issues", h.handleList)
	mux.HandleFunc("/qr/revoke", h.handleRevoke)
}

// ---- handlers ----

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ttl := h.cfg.DefaultTTL
	if req.TTLSeconds != nil {
		secs := *req.TTLSeconds
		if secs < 0 || secs > int64(h.cfg.MaxTTL/time.Second) {
			writeError(w, http.StatusBadRequest, "invalid_ttl", "ttl_seconds is out of range")
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	ctx := r.Context()
	out, err := h.svc.Issue(ctx, qr.IssueInput{
		SubjectRef: req.SubjectRef,
		IssuerRef:  req.IssuerRef,
		Amount:     req.Amount,
		Metadata:   req.Metadata,
		TTL:        ttl,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.auditIssued(ctx, r, out.Issue)
	writeJSON(w, http.StatusCreated, issueResponse{
		ID:        out.Issue.ID,
		JTI:       out.Issue.JTI,
		Token:     out.Token,
		ExpiresAt: out.Issue.ExpiresAt,
	})
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req redeemRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Token) == "" || strings.TrimSpace(req.RedeemerRef) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token and redeemer_ref are required")
		return
	}

	ctx := r.Context()
	res, err := h.svc.Redeem(ctx, req.Token, req.RedeemerRef)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.auditRedeem(ctx, r, res, req.RedeemerRef)
	if res.OK() {
		writeJSON(w, http.StatusOK, redeemResponse{
			Outcome: res.Outcome,
			Payload: toPayloadResponse(*res.Payload),
		})
		return
	}
	writeJSON(w, denialStatus(res.Outcome), redeemResponse{
		Outcome: res.Outcome,
		Error:   &apiError{Code: string(res.Outcome), Message: res.Outcome.Err().Error()},
	})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req validateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	outcome, err := h.svc.Validate(r.Context(), req.Token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Outcome: outcome})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	issuer := strings.TrimSpace(q.Get("issuer_ref"))
	if issuer == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "issuer_ref is required")
		return
	}

	var status *qr.Status
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := qr.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status")
			return
		}
		status = &st
	}

	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	issues, err := h.svc.ListByIssuer(r.Context(), issuer, status, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := listResponse{Issues: make([]issueView, 0, len(issues))}
	for _, iss := range issues {
		out.Issues = append(out.Issues, toIssueView(iss))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req revokeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	iss, err := h.svc.Revoke(ctx, req.JTI)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.auditRevoked(ctx, r, iss)
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case qr.IsPersistence(err):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "please retry later")
	case errors.Is(err, qr.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.Is(err, qr.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "qr issue not found")
	case errors.Is(err, qr.ErrNotActive):
		writeError(w, http.StatusConflict, "not_active", "qr issue is no longer issued")
	case errors.Is(err, qr.ErrDuplicateID):
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	default:
		h.log.Error("qr.api.unexpected_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func denialStatus(o qr.Outcome) int {
	switch o {
	case qr.OutcomeInvalidToken:
		return http.StatusBadRequest
	case qr.OutcomeNotFound:
		return http.StatusNotFound
	case qr.OutcomeAlreadyRedeemed, qr.OutcomeInvalidState:
		return http.StatusConflict
	case qr.OutcomeExpired, qr.OutcomeRevoked:
		return http.StatusGone
	default:
		return http.StatusConflict
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	first, _, _ := strings.Cut(raw, ",")
	return net.ParseIP(strings.TrimSpace(first))
}
