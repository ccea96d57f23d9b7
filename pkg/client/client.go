// Package client is the single outbound call path every service uses to
// reach a peer's API registry (spec §4.9): it attaches the right token
// for an operation's declared auth requirement, refreshes proactively
// within a 15-minute expiry window, and reacts to refresh/signature
// failures by transitioning the target endpoint's stored status.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/serpent-os/federation/pkg/crypto"
	"github.com/serpent-os/federation/pkg/telemetry"
)

var tracer = telemetry.Tracer("federation/client")

// DefaultRate caps outbound calls to one peer at a steady rate with some
// burst allowance, so a flapping peer can't be hammered by retries.
var DefaultRate = rate.Limit(20)

const DefaultBurst = 40

// RefreshWindow is how far ahead of expiry a token is proactively
// refreshed (spec §4.9: "refresh if within the 15-minute window").
const RefreshWindow = 15 * time.Minute

// TokenKind selects which half of an endpoint's token pair a call needs.
type TokenKind int

const (
	BearerTokenKind TokenKind = iota
	AccessTokenKind
)

// AuthProvider supplies the bearer for an outbound call and reacts to the
// outcome of using it. Three shapes are named in spec §4.9: none, a
// static pair, and an endpoint-backed store with DB-persisted refresh.
type AuthProvider interface {
	Token(ctx context.Context, kind TokenKind) (string, error)
	OnRefreshFailure(ctx context.Context, err error)
	OnSignatureFailure(ctx context.Context, err error)
	OnRefreshSuccess(ctx context.Context)
}

// NoAuth issues unauthenticated requests, used for operations requiring
// no token (e.g. services/enrol).
type NoAuth struct{}

func (NoAuth) Token(ctx context.Context, kind TokenKind) (string, error) { return "", nil }
func (NoAuth) OnRefreshFailure(ctx context.Context, err error)           {}
func (NoAuth) OnSignatureFailure(ctx context.Context, err error)         {}
func (NoAuth) OnRefreshSuccess(ctx context.Context)                      {}

// StaticAuth presents a fixed token pair with no refresh capability,
// useful for tests and one-shot tooling.
type StaticAuth struct {
	Bearer string
	Access string
}

func (s StaticAuth) Token(ctx context.Context, kind TokenKind) (string, error) {
	if kind == BearerTokenKind {
		return s.Bearer, nil
	}
	return s.Access, nil
}
func (StaticAuth) OnRefreshFailure(ctx context.Context, err error)   {}
func (StaticAuth) OnSignatureFailure(ctx context.Context, err error) {}
func (StaticAuth) OnRefreshSuccess(ctx context.Context)              {}

// Client issues calls against one peer's operation registry.
type Client struct {
	BaseURL string
	Auth    AuthProvider
	HTTP    *http.Client
	limiter *rate.Limiter
}

func New(baseURL string, auth AuthProvider) *Client {
	return &Client{
		BaseURL: baseURL,
		Auth:    auth,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(DefaultRate, DefaultBurst),
	}
}

// Call issues method against path with auth required at kind (ignored
// when Auth is NoAuth), sending in as the JSON body (nil for a unit
// body) and decoding the response into out (nil to discard it).
func (c *Client) Call(ctx context.Context, method, path string, kind TokenKind, in, out any) error {
	ctx, span := tracer.Start(ctx, method+" "+path)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("client: rate limit wait: %w", err)
	}

	token, err := c.Auth.Token(ctx, kind)
	if err != nil {
		c.Auth.OnRefreshFailure(ctx, err)
		return fmt.Errorf("client: obtain token: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Auth.OnRefreshFailure(ctx, err)
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("client: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
		c.Auth.OnSignatureFailure(ctx, err)
		return err
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("client: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	c.Auth.OnRefreshSuccess(ctx)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// expiresWithin reports whether a JWT's exp claim falls within window of
// now, reading the claim without verifying the signature: the caller
// already trusts having issued or received this token honestly, and only
// needs the expiry to decide whether to refresh.
func expiresWithin(tokenStr string, window time.Duration) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := &crypto.Claims{}
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < window
}
