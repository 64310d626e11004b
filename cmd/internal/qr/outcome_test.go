package qr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyDenied(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		status  Status
		expires time.Time
		want    Outcome
	}{
		{StatusRedeemed, now.Add(time.Hour), OutcomeAlreadyRedeemed},
		{StatusRevoked, now.Add(time.Hour), OutcomeRevoked},
		{StatusExpired, now.Add(time.Hour), OutcomeExpired},
		{StatusIssued, now.Add(-time.Nanosecond), OutcomeExpired},
		{StatusIssued, now.Add(time.Hour), OutcomeInvalidState},
		{Status("bogus"), now.Add(time.Hour), OutcomeInvalidState},
	}
	for _, tc := range cases {
		got := classifyDenied(Inspection{Issue: Issue{Status: tc.status, ExpiresAt: tc.expires}, Now: now})
		if got != tc.want {
			t.Fatalf("status=%q expires=%s: got %q want %q", tc.status, tc.expires, got, tc.want)
		}
	}

	if got := classifyCurrent(Inspection{Issue: Issue{Status: StatusIssued, ExpiresAt: now}, Now: now}); got != OutcomeRedeemable {
		t.Fatalf("issued at boundary: %q", got)
	}
}

func TestOutcomeErr(t *testing.T) {
	t.Parallel()

	if OutcomeRedeemed.Err() != nil || OutcomeRedeemable.Err() != nil {
		t.Fatalf("success outcomes must map to nil")
	}
	if !errors.Is(OutcomeExpired.Err(), ErrExpired) || !errors.Is(OutcomeNotFound.Err(), ErrNotFound) {
		t.Fatalf("denials must map to sentinels")
	}
}

func TestPersistenceError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := persistErr("op", cause)
	if !IsPersistence(err) || !errors.Is(err, cause) {
		t.Fatalf("persistErr=%v", err)
	}
	if again := persistErr("outer", err); again != err {
		t.Fatalf("persistErr must not double wrap")
	}
	if IsPersistence(fmt.Errorf("wrapped: %w", ErrNotFound)) {
		t.Fatalf("ErrNotFound is not a persistence error")
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusIssued, StatusRedeemed, StatusExpired, StatusRevoked} {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q)=%q %v", s, got, err)
		}
	}
	if _, err := ParseStatus("pending"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if StatusIssued.Terminal() || !StatusRedeemed.Terminal() {
		t.Fatalf("Terminal mismatch")
	}
}
