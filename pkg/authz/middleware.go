package authz

import (
	"context"
	"net/http"
	"strings"

	"github.com/serpent-os/federation/pkg/crypto"
)

// Denial describes why a request was rejected, carrying enough
// information for the caller (pkg/api) to render an error response
// without authz needing to know about that envelope.
type Denial struct {
	Status int
	Detail string
}

// Result is what a successful authorization check yields to a handler.
type Result struct {
	Flags   Flags
	Claims  *crypto.Claims
	Present bool // a bearer token was present on the request at all
}

type contextKey struct{}

// WithResult stashes the authorization Result on the request context.
func WithResult(ctx context.Context, res *Result) context.Context {
	return context.WithValue(ctx, contextKey{}, res)
}

// FromContext retrieves the Result stashed by the middleware.
func FromContext(ctx context.Context) (*Result, bool) {
	res, ok := ctx.Value(contextKey{}).(*Result)
	return res, ok
}

// Authorizer verifies inbound bearer tokens against a service's own
// signing key (spec §4.2: "verified against the service's configured
// public key") and renders the resulting Flags.
type Authorizer struct {
	pub *crypto.PublicKey
}

func NewAuthorizer(pub *crypto.PublicKey) *Authorizer {
	return &Authorizer{pub: pub}
}

// Authorize extracts and verifies the Authorization header, returning the
// established Result or a Denial. required is consulted only to decide
// whether a missing token is an error at all; flag sufficiency is checked
// separately by Check.
func (a *Authorizer) Authorize(r *http.Request, required Flags) (*Result, *Denial) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if required != 0 {
			return nil, &Denial{Status: http.StatusUnauthorized, Detail: "Missing Authorization header"}
		}
		return &Result{}, nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, &Denial{Status: http.StatusUnauthorized, Detail: "Authorization header must be 'Bearer <token>'"}
	}

	verified, err := crypto.Parse(a.pub, parts[1], crypto.Validation{})
	if err != nil {
		return nil, &Denial{Status: http.StatusUnauthorized, Detail: "Invalid or unverifiable token"}
	}

	flags := flagsFor(verified)
	return &Result{Flags: flags, Claims: verified.Claims, Present: true}, nil
}

// Check validates that result carries all of required, returning a
// Denial (403) if not. A request requiring flags with no token at all
// should already have been denied by Authorize (401); Check assumes a
// token was present when required != 0.
func Check(result *Result, required Flags) *Denial {
	if required == 0 {
		return nil
	}
	if result == nil || !result.Present {
		return &Denial{Status: http.StatusUnauthorized, Detail: "Authentication required"}
	}
	if !result.Flags.Has(required) {
		return &Denial{Status: http.StatusForbidden, Detail: "Token does not carry the required permissions"}
	}
	return nil
}

func flagsFor(v *crypto.Verified) Flags {
	var f Flags

	switch v.Claims.Purpose {
	case crypto.PurposeAuthorization:
		f |= BearerToken
	case crypto.PurposeAPI, crypto.PurposeAuthentication:
		f |= AccessToken
	}

	switch v.Claims.AccountType {
	case crypto.AccountService:
		f |= ServiceAccount
	case crypto.AccountBot:
		f |= BotAccount
	case crypto.AccountStandard:
		f |= UserAccount
	case crypto.AccountAdmin:
		f |= AdminAccount | UserAccount
	}

	if v.Expired {
		f |= Expired
	} else {
		f |= NotExpired
	}

	return f
}
