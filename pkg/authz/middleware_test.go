package authz_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/serpent-os/federation/pkg/authz"
	"github.com/serpent-os/federation/pkg/crypto"
)

func issue(t *testing.T, kp *crypto.KeyPair, purpose crypto.Purpose, kind crypto.AccountKind, expiry time.Time) string {
	t.Helper()
	token, err := crypto.Issue(kp, crypto.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "endpoint-1",
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Purpose:     purpose,
		AccountType: kind,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func TestAuthorize_NoTokenRequired_401(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	a := authz.NewAuthorizer(kp.Public())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/avalanche/build", nil)
	_, denial := a.Authorize(r, authz.AccessToken)
	if denial == nil || denial.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing required token, got %+v", denial)
	}
}

func TestAuthorize_NoTokenNotRequired_OK(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	a := authz.NewAuthorizer(kp.Public())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/services/enrol", nil)
	result, denial := a.Authorize(r, 0)
	if denial != nil {
		t.Fatalf("unexpected denial: %+v", denial)
	}
	if result.Present {
		t.Error("expected no token to be reported present")
	}
}

func TestCheck_ExpiredTokenRequiringNotExpired_403(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	a := authz.NewAuthorizer(kp.Public())

	token := issue(t, kp, crypto.PurposeAPI, crypto.AccountService, time.Now().Add(-time.Hour))
	r := httptest.NewRequest(http.MethodPost, "/api/v1/summit/buildSucceeded", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	required := authz.AccessToken | authz.ServiceAccount | authz.NotExpired
	result, denial := a.Authorize(r, required)
	if denial != nil {
		t.Fatalf("authorize should succeed on a valid-but-expired signature: %+v", denial)
	}
	if d := authz.Check(result, required); d == nil || d.Status != http.StatusForbidden {
		t.Fatalf("expected 403 for expired token against a not-expired requirement, got %+v", d)
	}
}

func TestCheck_ValidServiceAccessToken_OK(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	a := authz.NewAuthorizer(kp.Public())

	token := issue(t, kp, crypto.PurposeAPI, crypto.AccountService, time.Now().Add(time.Hour))
	r := httptest.NewRequest(http.MethodPost, "/api/v1/summit/buildSucceeded", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	required := authz.AccessToken | authz.ServiceAccount | authz.NotExpired
	result, denial := a.Authorize(r, required)
	if denial != nil {
		t.Fatalf("unexpected denial: %+v", denial)
	}
	if d := authz.Check(result, required); d != nil {
		t.Fatalf("unexpected check failure: %+v", d)
	}
}

func TestAuthorize_MalformedHeader_401(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	a := authz.NewAuthorizer(kp.Public())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/avalanche/build", nil)
	r.Header.Set("Authorization", "Basic notbearer")
	_, denial := a.Authorize(r, authz.AccessToken)
	if denial == nil || denial.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed header, got %+v", denial)
	}
}
