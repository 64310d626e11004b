package qr

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "karma.db")
	store, err := OpenSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_IssueRedeemFlow(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	in := defaultInput()
	issued := mustIssue(t, svc, in)
	if issued.Issue.ExpiresAt.Before(issued.Issue.CreatedAt.Add(in.TTL - time.Second)) {
		t.Fatalf("expires_at=%s created_at=%s", issued.Issue.ExpiresAt, issued.Issue.CreatedAt)
	}

	res, err := svc.Redeem(ctx, issued.Token, "partner:1")
	if err != nil || !res.OK() {
		t.Fatalf("redeem: %+v %v", res, err)
	}
	if res.Payload.Metadata["order_amount"] != "2500" {
		t.Fatalf("metadata lost: %v", res.Payload.Metadata)
	}

	res, err = svc.Redeem(ctx, issued.Token, "partner:2")
	if err != nil || res.Outcome != OutcomeAlreadyRedeemed {
		t.Fatalf("replay: %+v %v", res, err)
	}

	ins, err := store.Inspect(ctx, issued.Issue.JTI)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if ins.Issue.RedeemerRef == nil || *ins.Issue.RedeemerRef != "partner:1" {
		t.Fatalf("first redeemer must stick: %v", ins.Issue.RedeemerRef)
	}
	if ins.Issue.RedeemedAt == nil {
		t.Fatalf("redeemed_at not set")
	}
}

func TestSQLiteStore_ZeroTTLExpires(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t)
	svc := newTestService(t, store)
	in := defaultInput()
	in.TTL = 0
	issued := mustIssue(t, svc, in)
	if !issued.Issue.ExpiresAt.Before(issued.Issue.CreatedAt) {
		t.Fatalf("ttl=0 must already be past: expires_at=%s created_at=%s", issued.Issue.ExpiresAt, issued.Issue.CreatedAt)
	}

	res, err := svc.Redeem(context.Background(), issued.Token, "partner:1")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Outcome != OutcomeExpired {
		t.Fatalf("outcome=%q want expired", res.Outcome)
	}

	n, err := store.ExpireStale(context.Background(), 10)
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale: n=%d err=%v", n, err)
	}
	res, _ = svc.Redeem(context.Background(), issued.Token, "partner:1")
	if res.Outcome != OutcomeExpired {
		t.Fatalf("after sweep outcome=%q", res.Outcome)
	}
}

func TestSQLiteStore_SubMillisecondTTLNeverRedeemsImmediately(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	for _, ttl := range []time.Duration{0, time.Nanosecond, 999 * time.Microsecond} {
		for i := 0; i < 25; i++ {
			in := defaultInput()
			in.TTL = ttl
			issued := mustIssue(t, svc, in)

			res, err := svc.Redeem(ctx, issued.Token, "partner:1")
			if err != nil {
				t.Fatalf("ttl=%s Redeem: %v", ttl, err)
			}
			if res.Outcome != OutcomeExpired {
				t.Fatalf("ttl=%s attempt %d: outcome=%q want expired", ttl, i, res.Outcome)
			}
		}
	}
}

func TestSQLiteStore_PayloadVerbatim(t *testing.T) {
	t.Parallel()
	assertPayloadVerbatim(t, newTestService(t, openTestSQLite(t)))
}

func TestSQLiteStore_ConcurrentRedeem(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t)
	svc := newTestService(t, store)
	issued := mustIssue(t, svc, defaultInput())

	const attempts = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		replay  int
		errs    []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Redeem(context.Background(), issued.Token, fmt.Sprintf("partner:%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case res.Outcome == OutcomeRedeemed:
				success++
			case res.Outcome == OutcomeAlreadyRedeemed:
				replay++
			default:
				errs = append(errs, fmt.Errorf("unexpected outcome %q", res.Outcome))
			}
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("errors: %v", errs)
	}
	if success != 1 || replay != attempts-1 {
		t.Fatalf("success=%d replay=%d", success, replay)
	}
}

func TestSQLiteStore_DuplicateJTI(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t)
	ctx := context.Background()
	id1, _ := newULID(time.Now())
	id2, _ := newULID(time.Now())
	jti, _ := newJTI()

	rec := InsertRecord{ID: id1, JTI: jti, SubjectRef: "s", IssuerRef: "i", TTL: time.Hour}
	if _, err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	rec.ID = id2
	if _, err := store.Insert(ctx, rec); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestSQLiteStore_RevokeAndList(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	a := mustIssue(t, svc, defaultInput())
	b := mustIssue(t, svc, defaultInput())

	if _, err := svc.Revoke(ctx, a.Issue.JTI); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Revoke(ctx, a.Issue.JTI); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := svc.Revoke(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	res, err := svc.Redeem(ctx, a.Token, "partner:1")
	if err != nil || res.Outcome != OutcomeRevoked {
		t.Fatalf("revoked redeem: %+v %v", res, err)
	}

	revoked := StatusRevoked
	got, err := svc.ListByIssuer(ctx, "user:7", &revoked, 10)
	if err != nil {
		t.Fatalf("ListByIssuer: %v", err)
	}
	if len(got) != 1 || got[0].JTI != a.Issue.JTI {
		t.Fatalf("revoked list=%+v", got)
	}
	all, err := svc.ListByIssuer(ctx, "user:7", nil, 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("all list len=%d err=%v", len(all), err)
	}
	_ = b
}

func TestSQLiteStore_TerminalStatusIsEnforced(t *testing.T) {
	t.Parallel()

	store := openTestSQLite(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	issued := mustIssue(t, svc, defaultInput())
	if res, _ := svc.Redeem(ctx, issued.Token, "partner:1"); !res.OK() {
		t.Fatalf("redeem failed")
	}

	_, err := store.db.ExecContext(ctx, `UPDATE qr_issues SET status = 'issued', redeemed_at = NULL, redeemer_ref = NULL WHERE jti = ?`, issued.Issue.JTI)
	if err == nil {
		t.Fatalf("expected terminal status guard to reject reset")
	}
}

func TestOpenSQLiteStore_MigrationsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "karma.db")
	for i := 0; i < 2; i++ {
		store, err := OpenSQLiteStore(context.Background(), path)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
	if _, err := OpenSQLiteStore(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank path: %v", err)
	}
}
