package crypto

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSignVerify_RoundTripProperty exercises the "signing then verifying a
// token with the matching key yields the original payload" property from
// spec §8 across randomly generated subjects and account ids.
func TestSignVerify_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	properties.Property("sign-verify round trip preserves subject and account id", prop.ForAll(
		func(subject, accountID string) bool {
			claims := Claims{
				Purpose:     PurposeAPI,
				AccountID:   accountID,
				AccountType: AccountService,
			}
			claims.Subject = subject

			signed, err := Issue(kp, claims)
			if err != nil {
				return false
			}
			verified, err := Parse(kp.Public(), signed, Validation{})
			if err != nil {
				return false
			}
			return verified.Claims.Subject == subject && verified.Claims.AccountID == accountID
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
