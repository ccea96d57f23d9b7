package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Purpose distinguishes refresh-capable bearer tokens from short-lived
// access tokens and from the two account-management purposes (spec §3,
// §6). The taxonomy is pinned to this four-value set; tokens carrying any
// other purpose string are rejected by Parse rather than silently
// accepted (spec §9 Open Questions).
type Purpose string

const (
	PurposeAuthorization Purpose = "authorization" // long-lived bearer token, refresh-capable
	PurposeAuthentication Purpose = "authentication"
	PurposeAccount        Purpose = "account"
	PurposeAPI            Purpose = "api" // short-lived access token, presented on every call
)

func (p Purpose) valid() bool {
	switch p {
	case PurposeAuthorization, PurposeAuthentication, PurposeAccount, PurposeAPI:
		return true
	default:
		return false
	}
}

// AccountKind mirrors store.AccountKind but is duplicated here (as the `act`
// claim) to keep the crypto package free of a dependency on the store
// package.
type AccountKind string

const (
	AccountAdmin    AccountKind = "admin"
	AccountStandard AccountKind = "standard"
	AccountBot      AccountKind = "bot"
	AccountService  AccountKind = "service"
)

// Claims is the JWT payload shape from spec §6: aud, exp, iat, iss, sub,
// pur, uid, act.
type Claims struct {
	jwt.RegisteredClaims
	Purpose     Purpose     `json:"pur"`
	AccountID   string      `json:"uid"`
	AccountType AccountKind `json:"act"`
}

// Validation declares which registered-claim checks Parse enforces.
// Expiry is deliberately absent: spec §4.1 assigns that to the
// authorization middleware, not the verifier.
type Validation struct {
	Audience string // empty = skip
	Issuer   string // empty = skip
	Subject  string // empty = skip
}

// Verified is the result of a successful signature check: the decoded
// claims plus whether they are currently expired, left for the caller to
// act on.
type Verified struct {
	Claims  *Claims
	Expired bool
}

// Default token lifetimes (spec §4.9: access tokens are refreshed
// automatically once within 15 minutes of expiry, so their TTL must
// comfortably exceed that window; bearer tokens are refresh-capable and
// long-lived).
const (
	AccessTokenTTL = time.Hour
	BearerTokenTTL = 30 * 24 * time.Hour
)

// Issue signs claims with kp and returns the compact JWT string. The
// caller supplies purpose/subject/account fields; Issue fills in
// IssuedAt if absent, and ExpiresAt (using the purpose's default TTL) if
// absent.
func Issue(kp *KeyPair, claims Claims) (string, error) {
	if !claims.Purpose.valid() {
		return "", fmt.Errorf("crypto: invalid token purpose %q", claims.Purpose)
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now().UTC())
	}
	if claims.ExpiresAt == nil {
		ttl := AccessTokenTTL
		if claims.Purpose == PurposeAuthorization {
			ttl = BearerTokenTTL
		}
		claims.ExpiresAt = jwt.NewNumericDate(claims.IssuedAt.Time.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(kp.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("crypto: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature of tokenStr against pub and enforces the
// declared Validation, WITHOUT rejecting on expiry. The caller (the
// authorization middleware) decides what to do with Verified.Expired.
func Parse(pub *PublicKey, tokenStr string, val Validation) (*Verified, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub.Bytes(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("crypto: invalid token signature")
	}
	if !claims.Purpose.valid() {
		return nil, fmt.Errorf("crypto: invalid token purpose %q", claims.Purpose)
	}

	if val.Audience != "" && !containsAud(claims.Audience, val.Audience) {
		return nil, fmt.Errorf("crypto: audience mismatch")
	}
	if val.Issuer != "" && claims.Issuer != val.Issuer {
		return nil, fmt.Errorf("crypto: issuer mismatch")
	}
	if val.Subject != "" && claims.Subject != val.Subject {
		return nil, fmt.Errorf("crypto: subject mismatch")
	}

	expired := claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now().UTC())
	return &Verified{Claims: claims, Expired: expired}, nil
}

func containsAud(auds jwt.ClaimStrings, want string) bool {
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}
