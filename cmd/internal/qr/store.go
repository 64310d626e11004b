package qr

import (
	"context"
	"time"
)

// InsertRecord is a normalized ledger insert. ExpiresAt is computed by the
// store as its own now() + TTL.
type InsertRecord struct {
	ID         string
	JTI        string
	SubjectRef string
	IssuerRef  string
	Amount     int64
	Metadata   map[string]string
	TTL        time.Duration
}

// RedeemRecord describes one conditional redemption.
type RedeemRecord struct {
	JTI         string
	RedeemerRef string
}

// ttlTicks converts ttl to whole ticks of a store clock. A ttl shorter than
// one tick becomes -1 so the row is already past expires_at at the instant it
// was written, even when a redeem reads the same clock value.
func ttlTicks(ttl, tick time.Duration) int64 {
	if ttl < tick {
		return -1
	}
	return int64(ttl / tick)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListFilter selects rows for ListByIssuer.
type ListFilter struct {
	IssuerRef string
	Status    *Status
	Limit     int
}

// Store is the persistence boundary for the ledger.
//
// Implementations must:
//   - enforce jti uniqueness themselves and report it as ErrDuplicateID;
//   - implement Redeem as a single atomic conditional write returning the
//     updated row, or ErrNotFound when the predicate matched nothing;
//   - read "now" from their own clock (database time), never from callers;
//   - wrap infrastructure failures in *PersistenceError.
type Store interface {
	Insert(ctx context.Context, in InsertRecord) (Issue, error)

	// Redeem sets status=redeemed, redeemed_at=now, redeemer_ref only where
	// jti matches AND status='issued' AND expires_at >= now.
	Redeem(ctx context.Context, in RedeemRecord) (Issue, error)

	// Inspect is a read-only point lookup by jti.
	Inspect(ctx context.Context, jti string) (Inspection, error)

	ListByIssuer(ctx context.Context, f ListFilter) ([]Issue, error)

	// Revoke moves an issued row to revoked. ErrNotFound / ErrNotActive otherwise.
	Revoke(ctx context.Context, jti string) (Issue, error)

	// ExpireStale moves up to limit issued rows past expires_at to expired.
	ExpireStale(ctx context.Context, limit int) (int64, error)

	Close() error
}
