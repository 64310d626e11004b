package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"karma/cmd/internal/qr"
	"karma/cmd/security/token"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()

	t.Setenv(token.KeyEnvVar, testKeyHex)
	if cfg.QRTokenFormat == "" {
		cfg.QRTokenFormat = "paseto"
	}

	a, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s response %q: %v", path, raw, err)
		}
	}
	return resp, out
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()

	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func TestNew_FailsWithoutKey(t *testing.T) {
	t.Setenv(token.KeyEnvVar, "")

	if _, err := New(Config{QRTokenFormat: "paseto"}, quietLogger()); err == nil {
		t.Fatalf("expected startup failure without %s", token.KeyEnvVar)
	}
}

func TestApp_IssueRedeemReplay_InMemory(t *testing.T) {
	a := newTestApp(t, Config{MetricsEnabled: true})
	if a.ledger.kind != ledgerMemory {
		t.Fatalf("ledger=%s want memory", a.ledger.kind)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, issued := postJSON(t, srv, "/qr/issue", map[string]any{
		"subject_ref": "listing:42",
		"issuer_ref":  "user:7",
		"amount":      100,
		"metadata":    map[string]string{"note": "thanks"},
		"ttl_seconds": 3600,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status=%d body=%v", resp.StatusCode, issued)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
	tok, _ := issued["token"].(string)
	if !strings.HasPrefix(tok, "v4.local.") {
		t.Fatalf("expected paseto token, got %q", tok)
	}

	resp, first := postJSON(t, srv, "/qr/redeem", map[string]any{"token": tok, "redeemer_ref": "user:9"})
	if resp.StatusCode != http.StatusOK || first["outcome"] != string(qr.OutcomeRedeemed) {
		t.Fatalf("first redeem status=%d body=%v", resp.StatusCode, first)
	}
	payload, _ := first["payload"].(map[string]any)
	if payload["subject_ref"] != "listing:42" || payload["amount"] != float64(100) {
		t.Fatalf("unexpected payload: %v", payload)
	}

	resp, second := postJSON(t, srv, "/qr/redeem", map[string]any{"token": tok, "redeemer_ref": "user:10"})
	if resp.StatusCode != http.StatusConflict || second["outcome"] != string(qr.OutcomeAlreadyRedeemed) {
		t.Fatalf("replay status=%d body=%v", resp.StatusCode, second)
	}
	if _, ok := second["payload"]; ok {
		t.Fatalf("replay must not carry a payload: %v", second)
	}

	status, body := get(t, srv, "/metrics")
	if status != http.StatusOK {
		t.Fatalf("metrics status=%d", status)
	}
	for _, want := range []string{
		"karma_qr_issued_total 1",
		`karma_qr_redemptions_total{outcome="redeemed"} 1`,
		`karma_qr_redemptions_total{outcome="already_redeemed"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestApp_HealthAndReadiness(t *testing.T) {
	a := newTestApp(t, Config{})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if status, _ := get(t, srv, "/healthz"); status != http.StatusOK {
		t.Fatalf("healthz=%d", status)
	}
	if status, _ := get(t, srv, "/readyz"); status != http.StatusOK {
		t.Fatalf("readyz=%d", status)
	}
	if status, _ := get(t, srv, "/metrics"); status != http.StatusNotFound {
		t.Fatalf("metrics should be off, got %d", status)
	}
}

func TestApp_ReadinessRequiresDurableLedger(t *testing.T) {
	a := newTestApp(t, Config{ReadinessRequireDB: true})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if status, _ := get(t, srv, "/readyz"); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d want 503 with in-memory ledger", status)
	}
}

func TestApp_SQLiteLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "karma.db")
	a := newTestApp(t, Config{SQLitePath: path, ReadinessRequireDB: true, QRTokenFormat: "xchacha"})
	if a.ledger.kind != ledgerSQLite {
		t.Fatalf("ledger=%s want sqlite", a.ledger.kind)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if status, _ := get(t, srv, "/readyz"); status != http.StatusOK {
		t.Fatalf("readyz=%d", status)
	}

	resp, issued := postJSON(t, srv, "/qr/issue", map[string]any{
		"subject_ref": "listing:1",
		"issuer_ref":  "user:1",
		"amount":      5,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status=%d body=%v", resp.StatusCode, issued)
	}

	resp, out := postJSON(t, srv, "/qr/redeem", map[string]any{"token": issued["token"], "redeemer_ref": "user:2"})
	if resp.StatusCode != http.StatusOK || out["outcome"] != string(qr.OutcomeRedeemed) {
		t.Fatalf("redeem status=%d body=%v", resp.StatusCode, out)
	}
}

func TestRunSweeper_ExpiresOverdue(t *testing.T) {
	t.Setenv(token.KeyEnvVar, testKeyHex)
	c, err := loadTokenCipher(Config{QRTokenFormat: "xchacha"})
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	store := qr.NewMemoryStore()
	svc, err := qr.NewService(store, c, qr.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := svc.Issue(ctx, qr.IssueInput{SubjectRef: "s", IssuerRef: "i", Amount: 1, TTL: 0})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runSweeper(ctx, svc, 5*time.Millisecond, 10, quietLogger())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		in, err := store.Inspect(ctx, out.Issue.JTI)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if in.Issue.Status == qr.StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not expire the issue; status=%s", in.Issue.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestRunSweeper_DisabledReturnsImmediately(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runSweeper(context.Background(), nil, time.Second, 10, quietLogger())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runSweeper should return when disabled")
	}
}
