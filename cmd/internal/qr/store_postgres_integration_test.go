package qr

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when KARMA_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_IssueRedeemReplay(t *testing.T) {
	t.Parallel()

	svc, _ := newPostgresService(t)
	ctx := context.Background()

	in := defaultInput()
	issued := mustIssue(t, svc, in)

	res, err := svc.Redeem(ctx, issued.Token, "partner:1")
	if err != nil || !res.OK() {
		t.Fatalf("redeem: %+v %v", res, err)
	}
	if res.Payload.Amount != in.Amount || res.Payload.Metadata["description"] != "lunch" {
		t.Fatalf("payload=%+v", res.Payload)
	}

	res, err = svc.Redeem(ctx, issued.Token, "partner:1")
	if err != nil || res.Outcome != OutcomeAlreadyRedeemed || res.Payload != nil {
		t.Fatalf("replay: %+v %v", res, err)
	}
}

func TestPostgresStore_PayloadVerbatim(t *testing.T) {
	t.Parallel()

	svc, _ := newPostgresService(t)
	assertPayloadVerbatim(t, svc)
}

func TestPostgresStore_ConcurrentRedeem(t *testing.T) {
	t.Parallel()

	svc, _ := newPostgresService(t)
	issued := mustIssue(t, svc, defaultInput())

	const attempts = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		replay  int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := svc.Redeem(context.Background(), issued.Token, fmt.Sprintf("partner:%d", i))
			if err != nil {
				t.Errorf("redeem: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch res.Outcome {
			case OutcomeRedeemed:
				success++
			case OutcomeAlreadyRedeemed:
				replay++
			default:
				t.Errorf("unexpected outcome %q", res.Outcome)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if success != 1 || replay != attempts-1 {
		t.Fatalf("success=%d replay=%d", success, replay)
	}
}

func TestPostgresStore_ExpiryRevokeSweep(t *testing.T) {
	t.Parallel()

	svc, store := newPostgresService(t)
	ctx := context.Background()

	in := defaultInput()
	in.TTL = 0
	zero := mustIssue(t, svc, in)
	res, err := svc.Redeem(ctx, zero.Token, "partner:1")
	if err != nil || res.Outcome != OutcomeExpired {
		t.Fatalf("ttl=0: %+v %v", res, err)
	}

	live := mustIssue(t, svc, defaultInput())
	if _, err := svc.Revoke(ctx, live.Issue.JTI); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Revoke(ctx, live.Issue.JTI); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second revoke: %v", err)
	}
	res, _ = svc.Redeem(ctx, live.Token, "partner:1")
	if res.Outcome != OutcomeRevoked {
		t.Fatalf("revoked outcome=%q", res.Outcome)
	}

	n, err := store.ExpireStale(ctx, 100)
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale n=%d err=%v", n, err)
	}

	expired := StatusExpired
	rows, err := svc.ListByIssuer(ctx, in.IssuerRef, &expired, 10)
	if err != nil || len(rows) != 1 || rows[0].JTI != zero.Issue.JTI {
		t.Fatalf("expired list=%+v err=%v", rows, err)
	}
}

func TestPostgresStore_DuplicateJTIAndGuard(t *testing.T) {
	t.Parallel()

	_, store := newPostgresService(t)
	ctx := context.Background()

	jti, _ := newJTI()
	rec := InsertRecord{ID: newTestULID(t), JTI: jti, SubjectRef: "s", IssuerRef: "i", TTL: time.Hour}
	if _, err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.ID = newTestULID(t)
	if _, err := store.Insert(ctx, rec); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	if _, err := store.Redeem(ctx, RedeemRecord{JTI: jti, RedeemerRef: "p"}); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	_, err := store.pool.Exec(ctx, `UPDATE `+store.table()+` SET status = 'issued', redeemed_at = NULL, redeemer_ref = NULL WHERE jti = $1`, jti)
	if err == nil {
		t.Fatalf("expected trigger to reject terminal status change")
	}
}

// ---- helpers ----

func newPostgresService(t *testing.T) (*Service, *PostgresStore) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "karma_qr_it_" + strings.ToLower(newTestULID(t))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := EnsurePostgresSchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return newTestService(t, store), store
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("KARMA_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: KARMA_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse KARMA_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (KARMA_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func newTestULID(t *testing.T) string {
	t.Helper()
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), ulid.Monotonic(rand.Reader, 0)).String()
	if len(id) != 26 {
		t.Fatalf("expected ULID length 26, got %d", len(id))
	}
	return id
}
