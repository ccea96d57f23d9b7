package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/serpent-os/federation/pkg/crypto"
	"github.com/serpent-os/federation/pkg/store"
)

// PeerSide drives a non-Hub service's half of the handshake (Builder or
// Repository Manager). Upstream is the pinned Hub public key; a nil
// Upstream means the service has no upstream configured, which spec §4.4
// treats as a fatal 500 at enrol time.
type PeerSide struct {
	Self      Issuer
	Role      store.Role
	Keys      *crypto.KeyPair
	Upstream  *crypto.PublicKey
	Accounts  *store.AccountStore
	Endpoints *store.EndpointStore
	Tokens    *store.TokenStore
	Pending   *store.PendingEnrollments
}

// HandleEnrol verifies the incoming enrol message and records a pending
// enrollment (status observed: awaiting-enrollment). The caller is
// responsible for scheduling PrepareAccept after a short delay (spec
// §4.4 step 2: "schedules an accept after a short delay").
func (p *PeerSide) HandleEnrol(msg EnrolMessage) (endpointID string, err error) {
	if p.Upstream == nil {
		return "", ErrMissingUpstream
	}

	issuerPub, err := crypto.ParsePublicKey(msg.Issuer.PublicKey)
	if err != nil {
		return "", fmt.Errorf("enrollment: %w", err)
	}
	if !issuerPub.Equal(p.Upstream) {
		return "", ErrKeyPinMismatch
	}

	verified, err := crypto.Parse(p.Upstream, msg.IssueToken, crypto.Validation{})
	if err != nil {
		return "", fmt.Errorf("enrollment: issue token: %w", err)
	}
	if verified.Claims.Purpose != crypto.PurposeAuthorization {
		return "", ErrPurposeMismatch
	}
	if msg.Role != p.Role {
		return "", ErrRoleMismatch
	}

	endpointID = verified.Claims.Subject
	p.Pending.Put(store.PendingEnrollment{
		EndpointID:    endpointID,
		Role:          store.RoleHub,
		IssuedAt:      time.Now().UTC(),
		IssueToken:    msg.IssueToken,
		PeerHostURL:   msg.Issuer.URL,
		PeerPublicKey: msg.Issuer.PublicKey,
	})
	return endpointID, nil
}

// PrepareAccept builds the accept message to POST back to the Hub,
// together with the bearer token (H's issue_token) to present as
// Authorization. It does not remove the pending entry — CompleteAccept
// does, once the POST has actually succeeded.
func (p *PeerSide) PrepareAccept(endpointID string) (AcceptMessage, string, error) {
	pending, ok := p.Pending.Peek(endpointID)
	if !ok {
		return AcceptMessage{}, "", ErrNoPendingEnrollment
	}

	selfToken, err := crypto.Issue(p.Keys, crypto.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  endpointID,
			Issuer:   p.Self.URL,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		Purpose:     crypto.PurposeAuthorization,
		AccountType: crypto.AccountService,
	})
	if err != nil {
		return AcceptMessage{}, "", fmt.Errorf("enrollment: issue accept token: %w", err)
	}

	msg := AcceptMessage{
		Issuer:     p.Self,
		IssueToken: selfToken,
		Role:       store.RoleHub,
	}
	return msg, pending.IssueToken, nil
}

// CompleteAccept records the Hub as an operational Endpoint/Account once
// the accept POST has returned success, and removes the pending entry.
func (p *PeerSide) CompleteAccept(ctx context.Context, endpointID, selfIssuedToken string) error {
	pending, ok := p.Pending.Take(endpointID)
	if !ok {
		return ErrNoPendingEnrollment
	}

	peerPub, err := crypto.ParsePublicKey(pending.PeerPublicKey)
	if err != nil {
		return fmt.Errorf("enrollment: %w", err)
	}

	account, err := p.Accounts.Create(ctx, store.Account{
		Kind:      store.AccountService,
		Username:  fmt.Sprintf("hub-%s", endpointID[:8]),
		PublicKey: peerPub.Base64(),
	})
	if err != nil {
		return fmt.Errorf("enrollment: create account: %w", err)
	}

	if _, err := p.Endpoints.Create(ctx, store.Endpoint{
		ID:        endpointID,
		HostURL:   pending.PeerHostURL,
		Role:      store.RoleHub,
		Status:    store.StatusOperational,
		AccountID: account.ID,
	}); err != nil {
		return fmt.Errorf("enrollment: create endpoint: %w", err)
	}

	return p.Tokens.Put(ctx, store.EndpointTokens{
		EndpointID:  endpointID,
		BearerToken: pending.IssueToken, // H's bearer, used to refresh
		AccessToken: "",
	})
}

// HandleDecline drops a pending enrollment the Hub has declined.
func (p *PeerSide) HandleDecline(endpointID string) error {
	if _, ok := p.Pending.Take(endpointID); !ok {
		return ErrNoPendingEnrollment
	}
	return nil
}
