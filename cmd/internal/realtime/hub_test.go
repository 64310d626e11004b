package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"karma/cmd/internal/qr"
	v1 "karma/shared/contracts/realtime/v1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func redeemedIssue(issuer string) qr.Issue {
	redeemer := "partner:9"
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return qr.Issue{
		JTI:         "0123456789abcdef0123456789abcdef",
		Status:      qr.StatusRedeemed,
		SubjectRef:  "listing:1",
		IssuerRef:   issuer,
		RedeemerRef: &redeemer,
		Amount:      40,
		RedeemedAt:  &at,
	}
}

func TestHub_RoutesByIssuer(t *testing.T) {
	t.Parallel()

	hub := NewHub(quietLogger())
	mine := NewClient("s1", 8)
	other := NewClient("s2", 8)
	hub.Subscribe("user:1", mine)
	hub.Subscribe("user:2", other)

	hub.Redeemed(redeemedIssue("user:1"))

	select {
	case env := <-mine.Send:
		if env.Type != v1.TypeRedemption || env.Topic != "user:1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		var p v1.RedemptionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p.RedeemerRef != "partner:9" || p.Amount != 40 {
			t.Fatalf("payload=%+v", p)
		}
	default:
		t.Fatalf("subscriber did not receive the redemption")
	}

	select {
	case env := <-other.Send:
		t.Fatalf("other issuer received %+v", env)
	default:
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := NewHub(quietLogger())
	slow := NewClient("slow", 1)
	hub.Subscribe("user:1", slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Redeemed(redeemedIssue("user:1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if len(slow.Send) != 1 {
		t.Fatalf("queued=%d want 1", len(slow.Send))
	}
}

func TestHub_UnsubscribeForgetsEmptyTopics(t *testing.T) {
	t.Parallel()

	hub := NewHub(quietLogger())
	a := NewClient("a", 4)
	b := NewClient("b", 4)
	hub.Subscribe("user:1", a)
	hub.Subscribe("user:1", b)

	hub.Unsubscribe("user:1", "a")
	if got := hub.Topic("user:1").Len(); got != 1 {
		t.Fatalf("len=%d want 1", got)
	}
	hub.Unsubscribe("user:1", "b")
	if hub.Topic("user:1") != nil {
		t.Fatalf("empty topic must be dropped")
	}

	// Publishing to a topic nobody watches is a no-op.
	hub.Redeemed(redeemedIssue("user:1"))

	if hub.Subscribe(" ", a) != nil {
		t.Fatalf("blank issuer must not create a topic")
	}
}

func TestTopic_SkipsClosedClients(t *testing.T) {
	t.Parallel()

	hub := NewHub(quietLogger())
	c := NewClient("c", 4)
	topic := hub.Subscribe("user:1", c)
	c.Close()
	c.Close()

	if dropped := topic.Publish(v1.Envelope{V: v1.Version, Type: v1.TypeRedemption}); dropped != 0 {
		t.Fatalf("dropped=%d", dropped)
	}
	if len(c.Send) != 0 {
		t.Fatalf("closed client must not receive")
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !rl.Allow(now) || !rl.Allow(now.Add(10*time.Millisecond)) {
		t.Fatalf("first two events must pass")
	}
	if rl.Allow(now.Add(20 * time.Millisecond)) {
		t.Fatalf("third event inside window must be rejected")
	}
	if !rl.Allow(now.Add(2 * time.Second)) {
		t.Fatalf("window must slide")
	}
}
