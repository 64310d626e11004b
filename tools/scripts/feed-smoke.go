// Package main provides a CI-friendly smoke test for a running Karma server.
//
// It validates:
//   - feed handshake + subprotocol selection
//   - hello_ack bound to the requested issuer topic
//   - issue -> redeem over HTTP
//   - redemption fanout on the issuer's feed
//   - replay is denied with already_redeemed and is not broadcast
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "karma/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "karma.feed.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type issueReply struct {
	JTI   string `json:"jti"`
	Token string `json:"token"`
}

type redeemReply struct {
	Outcome string `json:"outcome"`
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		wsURL   = flag.String("ws", "ws://127.0.0.1:8080/ws/redemptions", "Feed WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		issuer  = flag.String("issuer", "", "Issuer ref to subscribe and issue as (default: random)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateURL(*baseURL, "http", "https"); err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateURL(*wsURL, "ws", "wss"); err != nil {
		fatalf("invalid -ws: %v", err)
	}
	if strings.TrimSpace(*issuer) == "" {
		*issuer = fmt.Sprintf("smoke:%d", time.Now().UnixNano())
	}

	root := context.Background()

	c := mustConnect(root, *wsURL, *origin, *issuer, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: session=%s issuer=%s\n", c.sessionID, *issuer)
	}

	hc := &http.Client{Timeout: *timeout}

	var iss issueReply
	status := mustPost(hc, *baseURL+"/qr/issue", map[string]any{
		"subject_ref": "smoke:listing",
		"issuer_ref":  *issuer,
		"amount":      1,
		"ttl_seconds": 300,
	}, &iss)
	if status != http.StatusCreated || iss.Token == "" {
		fatalf("issue: status=%d token=%q", status, iss.Token)
	}

	var first redeemReply
	status = mustPost(hc, *baseURL+"/qr/redeem", map[string]any{"token": iss.Token, "redeemer_ref": "smoke:redeemer"}, &first)
	if status != http.StatusOK || first.Outcome != "redeemed" {
		fatalf("redeem: status=%d outcome=%q", status, first.Outcome)
	}

	mustAssertRedemption(root, c, iss.JTI, *issuer, *timeout)

	var replay redeemReply
	status = mustPost(hc, *baseURL+"/qr/redeem", map[string]any{"token": iss.Token, "redeemer_ref": "smoke:other"}, &replay)
	if status != http.StatusConflict || replay.Outcome != "already_redeemed" {
		fatalf("replay: status=%d outcome=%q", status, replay.Outcome)
	}

	mustAssertNoType(root, c, v1.TypeRedemption, 1200*time.Millisecond)

	fmt.Printf("OK: session=%s issuer=%s jti=%s\n", c.sessionID, *issuer, iss.JTI)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin, issuer string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, _ := url.Parse(wsURL)
	q := u.Query()
	q.Set("issuer_ref", issuer)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}

	assertSubprotocol(resp, defaultSubprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id")
	}
	if p.IssuerRef != issuer {
		fatalf("hello_ack issuer mismatch: got=%q want=%q", p.IssuerRef, issuer)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustPost(hc *http.Client, endpoint string, body any, dst any) int {
	b, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal request: %v", err)
	}
	resp, err := hc.Post(endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		fatalf("POST %s: %v", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s: %v", endpoint, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		fatalf("decode %s (status %d): %v body=%q", endpoint, resp.StatusCode, err, raw)
	}
	return resp.StatusCode
}

func mustAssertRedemption(parent context.Context, c *smokeClient, jti, issuer string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeRedemption, stepTimeout)

	if env.Topic != issuer {
		fatalf("redemption topic mismatch: got=%q want=%q", env.Topic, issuer)
	}

	var p v1.RedemptionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal redemption payload: %v", err)
	}
	if p.JTI != jti {
		fatalf("redemption jti mismatch: got=%q want=%q", p.JTI, jti)
	}
	if p.IssuerRef != issuer {
		fatalf("redemption issuer mismatch: got=%q want=%q", p.IssuerRef, issuer)
	}
	if p.RedeemedAt.IsZero() {
		fatalf("redemption redeemed_at missing/zero")
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly: %v", err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly")
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received", forbiddenType)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
