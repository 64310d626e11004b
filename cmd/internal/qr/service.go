package qr

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"karma/cmd/security/token"
)

const (
	defaultMaxTTL    = 30 * 24 * time.Hour
	maxIssueAttempts = 3
	maxRefLen        = 128
)

// RedemptionObserver is notified after a redemption commits.
// Implementations must not block.
type RedemptionObserver interface {
	Redeemed(iss Issue)
}

// IssueInput describes one issuance. TTL may be zero (immediately expired).
type IssueInput struct {
	SubjectRef string
	IssuerRef  string
	Amount     int64
	Metadata   map[string]string
	TTL        time.Duration
}

// Issued is the result of a successful issuance. Token is the bearer token
// to hand to the holder; it is not stored anywhere.
type Issued struct {
	Issue Issue
	Token string
}

// Service issues and redeems QR credentials.
// It holds no mutable state and is safe for concurrent use.
type Service struct {
	store    Store
	cipher   token.Cipher
	log      *slog.Logger
	metrics  *Metrics
	observer RedemptionObserver
	maxTTL   time.Duration
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the service logger (default slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithObserver sets the post-commit redemption hook.
func WithObserver(o RedemptionObserver) Option {
	return func(s *Service) error {
		s.observer = o
		return nil
	}
}

// WithMaxTTL caps the TTL accepted by Issue.
func WithMaxTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		s.maxTTL = d
		return nil
	}
}

// NewService constructs a Service.
func NewService(store Store, cipher token.Cipher, opts ...Option) (*Service, error) {
	if store == nil || cipher == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:  store,
		cipher: cipher,
		log:    slog.Default(),
		maxTTL: defaultMaxTTL,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue creates a ledger row and returns its bearer token.
//
// A jti collision is retried with a fresh jti. Any other storage failure is
// a *PersistenceError and the caller must not assume the issue exists.
func (s *Service) Issue(ctx context.Context, in IssueInput) (Issued, error) {
	if s == nil || s.store == nil {
		return Issued{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Issued{}, persistErr("qr.Issue", err)
	}

	rec, err := s.normalizeIssue(in)
	if err != nil {
		return Issued{}, err
	}

	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		jti, err := newJTI()
		if err != nil {
			return Issued{}, err
		}
		id, err := newULID(time.Now().UTC())
		if err != nil {
			return Issued{}, err
		}
		// Encrypt before insert so a cipher failure leaves no orphan row.
		tok, err := s.cipher.Encrypt([]byte(jti))
		if err != nil {
			return Issued{}, err
		}

		rec.ID = id
		rec.JTI = jti
		iss, err := s.store.Insert(ctx, rec)
		if errors.Is(err, ErrDuplicateID) {
			s.log.Warn("qr.issue.duplicate_jti", "attempt", attempt)
			continue
		}
		if err != nil {
			s.metrics.observeIssue(err)
			if IsPersistence(err) {
				s.log.Error("qr.issue.fail", "err", err, "issuer_ref", rec.IssuerRef)
			}
			return Issued{}, err
		}

		s.metrics.observeIssue(nil)
		s.log.Info("qr.issue.ok",
			"id", iss.ID,
			"jti", iss.JTI,
			"subject_ref", iss.SubjectRef,
			"issuer_ref", iss.IssuerRef,
			"expires_at", iss.ExpiresAt,
		)
		return Issued{Issue: iss, Token: tok}, nil
	}

	s.metrics.observeIssue(ErrDuplicateID)
	return Issued{}, ErrDuplicateID
}

// Redeem consumes a bearer token for redeemerRef.
//
// Denials are returned as a Redemption with a non-success Outcome and a nil
// error. A non-nil error is always a *PersistenceError (or ErrInvalidInput
// for a blank redeemer) and never a denial.
func (s *Service) Redeem(ctx context.Context, bearer, redeemerRef string) (Redemption, error) {
	if s == nil || s.store == nil {
		return Redemption{}, ErrInvalidInput
	}
	started := time.Now()

	if !validRef(redeemerRef) {
		return Redemption{}, ErrInvalidInput
	}

	raw, err := s.cipher.Decrypt(bearer)
	if err != nil {
		s.log.Info("qr.redeem.denied", "outcome", OutcomeInvalidToken, "token_fp", token.Fingerprint(bearer), "redeemer_ref", redeemerRef)
		s.metrics.observeRedeem(OutcomeInvalidToken, started)
		return Redemption{Outcome: OutcomeInvalidToken}, nil
	}
	jti := string(raw)

	if err := ctx.Err(); err != nil {
		s.metrics.observeRedeemError(started)
		return Redemption{}, persistErr("qr.Redeem", err)
	}

	iss, err := s.store.Redeem(ctx, RedeemRecord{JTI: jti, RedeemerRef: redeemerRef})
	switch {
	case err == nil:
		p := payloadOf(iss)
		s.metrics.observeRedeem(OutcomeRedeemed, started)
		s.log.Info("qr.redeem.ok", "jti", jti, "subject_ref", iss.SubjectRef, "redeemer_ref", redeemerRef)
		if s.observer != nil {
			s.observer.Redeemed(iss)
		}
		return Redemption{Outcome: OutcomeRedeemed, JTI: jti, Payload: &p}, nil
	case errors.Is(err, ErrNotFound):
		// Predicate matched no row; classify below.
	default:
		s.metrics.observeRedeemError(started)
		s.log.Error("qr.redeem.fail", "err", err, "jti", jti)
		return Redemption{}, persistErr("qr.Redeem", err)
	}

	ins, err := s.store.Inspect(ctx, jti)
	var outcome Outcome
	switch {
	case err == nil:
		outcome = classifyDenied(ins)
	case errors.Is(err, ErrNotFound):
		outcome = OutcomeNotFound
	default:
		s.metrics.observeRedeemError(started)
		s.log.Error("qr.redeem.classify.fail", "err", err, "jti", jti)
		return Redemption{}, persistErr("qr.Redeem", err)
	}

	s.metrics.observeRedeem(outcome, started)
	s.log.Info("qr.redeem.denied", "outcome", outcome, "jti", jti, "redeemer_ref", redeemerRef)
	return Redemption{Outcome: outcome, JTI: jti}, nil
}

// Validate reports what Redeem would return right now without mutating
// anything. OutcomeRedeemable stands in for success.
func (s *Service) Validate(ctx context.Context, bearer string) (Outcome, error) {
	if s == nil || s.store == nil {
		return "", ErrInvalidInput
	}
	raw, err := s.cipher.Decrypt(bearer)
	if err != nil {
		return OutcomeInvalidToken, nil
	}
	ins, err := s.store.Inspect(ctx, string(raw))
	switch {
	case err == nil:
		return classifyCurrent(ins), nil
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound, nil
	default:
		return "", persistErr("qr.Validate", err)
	}
}

// ListByIssuer lists an issuer's issues newest first, optionally by status.
func (s *Service) ListByIssuer(ctx context.Context, issuerRef string, status *Status, limit int) ([]Issue, error) {
	if s == nil || s.store == nil {
		return nil, ErrInvalidInput
	}
	issuerRef = strings.TrimSpace(issuerRef)
	if issuerRef == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListByIssuer(ctx, ListFilter{IssuerRef: issuerRef, Status: status, Limit: limit})
}

// Revoke administratively retires an issued jti.
func (s *Service) Revoke(ctx context.Context, jti string) (Issue, error) {
	if s == nil || s.store == nil {
		return Issue{}, ErrInvalidInput
	}
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return Issue{}, ErrInvalidInput
	}
	iss, err := s.store.Revoke(ctx, jti)
	if err != nil {
		if IsPersistence(err) {
			s.log.Error("qr.revoke.fail", "err", err, "jti", jti)
		}
		return Issue{}, err
	}
	s.metrics.observeRevoked()
	s.log.Info("qr.revoke.ok", "jti", jti)
	return iss, nil
}

// ExpireStale moves overdue issued rows to expired. Redemption does not
// depend on it: expiry is always checked against expires_at.
func (s *Service) ExpireStale(ctx context.Context, limit int) (int64, error) {
	if s == nil || s.store == nil {
		return 0, ErrInvalidInput
	}
	n, err := s.store.ExpireStale(ctx, limit)
	if err != nil {
		s.log.Error("qr.expire.fail", "err", err)
		return 0, err
	}
	s.metrics.observeExpired(n)
	if n > 0 {
		s.log.Info("qr.expire.ok", "count", n)
	}
	return n, nil
}

func (s *Service) normalizeIssue(in IssueInput) (InsertRecord, error) {
	if !validRef(in.SubjectRef) || !validRef(in.IssuerRef) {
		return InsertRecord{}, ErrInvalidInput
	}
	if in.TTL < 0 || in.TTL > s.maxTTL {
		return InsertRecord{}, ErrInvalidInput
	}
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return InsertRecord{}, ErrInvalidInput
	}
	if meta != nil && len(*meta) > maxMetadataBytes {
		return InsertRecord{}, ErrInvalidInput
	}
	return InsertRecord{
		SubjectRef: in.SubjectRef,
		IssuerRef:  in.IssuerRef,
		Amount:     in.Amount,
		Metadata:   copyMetadata(in.Metadata),
		TTL:        in.TTL,
	}, nil
}

// validRef accepts a non-blank reference of bounded length with no
// surrounding whitespace. References are stored and returned verbatim.
func validRef(ref string) bool {
	return ref != "" && len(ref) <= maxRefLen && strings.TrimSpace(ref) == ref
}
