package crypto

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueParse_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "endpoint-123",
			Issuer:    "hub",
			Audience:  jwt.ClaimStrings{"builder"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Purpose:     PurposeAuthorization,
		AccountID:   "acct-1",
		AccountType: AccountService,
	}

	signed, err := Issue(kp, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verified, err := Parse(kp.Public(), signed, Validation{Issuer: "hub", Audience: "builder", Subject: "endpoint-123"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if verified.Expired {
		t.Error("token incorrectly marked expired")
	}
	if verified.Claims.AccountID != "acct-1" || verified.Claims.Purpose != PurposeAuthorization {
		t.Errorf("claims did not round-trip: %+v", verified.Claims)
	}
}

func TestParse_ExpiredStillVerifiesSignature(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "endpoint-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Purpose:     PurposeAPI,
		AccountType: AccountBot,
	}
	signed, err := Issue(kp, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verified, err := Parse(kp.Public(), signed, Validation{})
	if err != nil {
		t.Fatalf("parse should not reject on expiry: %v", err)
	}
	if !verified.Expired {
		t.Error("expected token to be reported expired")
	}
}

func TestParse_RejectsWrongKey(t *testing.T) {
	kp, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x"},
		Purpose:          PurposeAPI,
		AccountType:      AccountService,
	}
	signed, err := Issue(kp, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(other.Public(), signed, Validation{}); err == nil {
		t.Error("expected verification against the wrong key to fail")
	}
}

func TestIssue_RejectsUnknownPurpose(t *testing.T) {
	kp, _ := GenerateKeyPair()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x"},
		Purpose:          Purpose("bogus"),
	}
	if _, err := Issue(kp, claims); err == nil {
		t.Error("expected Issue to reject an invalid purpose")
	}
}

func TestVerify_StrictSignatureLength(t *testing.T) {
	kp, _ := GenerateKeyPair()
	if kp.Public().Verify([]byte("data"), []byte("too-short")) {
		t.Error("expected strict verification to reject a short signature")
	}
}
