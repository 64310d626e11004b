package qr

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a dev/test ledger held in process memory.
// Its mutex plays the role of the database row lock: every method is one
// atomic step, so Redeem is a true compare-and-swap.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]*Issue // jti -> row
	clock func() time.Time
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the store clock (default time.Now().UTC()).
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.clock = now
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		rows:  make(map[string]*Issue),
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Insert stores a new issued row.
func (s *MemoryStore) Insert(ctx context.Context, in InsertRecord) (Issue, error) {
	if err := ctx.Err(); err != nil {
		return Issue{}, persistErr("qr.memory.Insert", err)
	}
	if strings.TrimSpace(in.JTI) == "" || strings.TrimSpace(in.ID) == "" {
		return Issue{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[in.JTI]; ok {
		return Issue{}, ErrDuplicateID
	}
	now := s.clock()
	row := &Issue{
		ID:         in.ID,
		JTI:        in.JTI,
		Status:     StatusIssued,
		SubjectRef: in.SubjectRef,
		IssuerRef:  in.IssuerRef,
		Amount:     in.Amount,
		Metadata:   copyMetadata(in.Metadata),
		ExpiresAt:  now.Add(time.Duration(ttlTicks(in.TTL, time.Nanosecond))),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.rows[in.JTI] = row
	return cloneIssue(row), nil
}

// Redeem flips issued -> redeemed when the row is live.
func (s *MemoryStore) Redeem(ctx context.Context, in RedeemRecord) (Issue, error) {
	if err := ctx.Err(); err != nil {
		return Issue{}, persistErr("qr.memory.Redeem", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	row, ok := s.rows[in.JTI]
	if !ok || row.Status != StatusIssued || row.ExpiresAt.Before(now) {
		return Issue{}, ErrNotFound
	}
	redeemer := in.RedeemerRef
	row.Status = StatusRedeemed
	row.RedeemedAt = &now
	row.RedeemerRef = &redeemer
	row.UpdatedAt = now
	return cloneIssue(row), nil
}

// Inspect returns a copy of the row and the store clock.
func (s *MemoryStore) Inspect(ctx context.Context, jti string) (Inspection, error) {
	if err := ctx.Err(); err != nil {
		return Inspection{}, persistErr("qr.memory.Inspect", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[jti]
	if !ok {
		return Inspection{}, ErrNotFound
	}
	return Inspection{Issue: cloneIssue(row), Now: s.clock()}, nil
}

// ListByIssuer returns rows newest first.
func (s *MemoryStore) ListByIssuer(ctx context.Context, f ListFilter) ([]Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistErr("qr.memory.ListByIssuer", err)
	}

	s.mu.Lock()
	out := make([]Issue, 0, 8)
	for _, row := range s.rows {
		if row.IssuerRef != f.IssuerRef {
			continue
		}
		if f.Status != nil && row.Status != *f.Status {
			continue
		}
		out = append(out, cloneIssue(row))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Revoke flips issued -> revoked.
func (s *MemoryStore) Revoke(ctx context.Context, jti string) (Issue, error) {
	if err := ctx.Err(); err != nil {
		return Issue{}, persistErr("qr.memory.Revoke", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[jti]
	if !ok {
		return Issue{}, ErrNotFound
	}
	if row.Status != StatusIssued {
		return Issue{}, ErrNotActive
	}
	row.Status = StatusRevoked
	row.UpdatedAt = s.clock()
	return cloneIssue(row), nil
}

// ExpireStale flips issued rows past their expiry to expired.
func (s *MemoryStore) ExpireStale(ctx context.Context, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, persistErr("qr.memory.ExpireStale", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var n int64
	for _, row := range s.rows {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if row.Status == StatusIssued && row.ExpiresAt.Before(now) {
			row.Status = StatusExpired
			row.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func cloneIssue(in *Issue) Issue {
	out := *in
	out.Metadata = copyMetadata(in.Metadata)
	if in.RedeemerRef != nil {
		v := *in.RedeemerRef
		out.RedeemerRef = &v
	}
	if in.RedeemedAt != nil {
		v := *in.RedeemedAt
		out.RedeemedAt = &v
	}
	return out
}
