package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/serpent-os/federation/pkg/crypto"
	"github.com/serpent-os/federation/pkg/store"
)

// HubSide drives the Hub's half of the handshake: it issues the initial
// enrol message and, later, accepts the peer's accept message.
type HubSide struct {
	Self      Issuer
	Keys      *crypto.KeyPair
	Accounts  *store.AccountStore
	Endpoints *store.EndpointStore
	Tokens    *store.TokenStore
	Pending   *store.PendingEnrollments
}

// PrepareEnrol mints a new endpoint-id and a bearer issue_token for it,
// records a pending enrollment (status observed: awaiting-acceptance),
// and returns the message to POST to the peer's services/enrol.
func (h *HubSide) PrepareEnrol(peerRole store.Role, peerHostURL string) (EnrolMessage, string, error) {
	endpointID := uuid.NewString()

	issueToken, err := crypto.Issue(h.Keys, crypto.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  endpointID,
			Issuer:   h.Self.URL,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		Purpose:     crypto.PurposeAuthorization,
		AccountType: crypto.AccountService,
	})
	if err != nil {
		return EnrolMessage{}, "", fmt.Errorf("enrollment: issue token: %w", err)
	}

	h.Pending.Put(store.PendingEnrollment{
		EndpointID:  endpointID,
		Role:        peerRole,
		IssuedAt:    time.Now().UTC(),
		IssueToken:  issueToken,
		PeerHostURL: peerHostURL,
	})

	return EnrolMessage{
		Issuer:     h.Self,
		IssueToken: issueToken,
		Role:       peerRole,
	}, endpointID, nil
}

// HandleAccept processes the peer's services/accept call. endpointID is
// the subject of the bearer token the caller already verified in the
// authorization middleware (spec §4.4 step 3: "authenticated by the
// bearer token H issued in step 1").
func (h *HubSide) HandleAccept(ctx context.Context, endpointID string, msg AcceptMessage) error {
	pending, ok := h.Pending.Take(endpointID)
	if !ok {
		return ErrNoPendingEnrollment
	}
	if msg.Role != store.RoleHub {
		return ErrRoleMismatch
	}
	if msg.Issuer.Role != pending.Role {
		return ErrRoleMismatch
	}

	peerPub, err := crypto.ParsePublicKey(msg.Issuer.PublicKey)
	if err != nil {
		return fmt.Errorf("enrollment: %w", err)
	}

	account, err := h.Accounts.Create(ctx, store.Account{
		Kind:      store.AccountService,
		Username:  fmt.Sprintf("%s-%s", pending.Role, endpointID[:8]),
		Email:     msg.Issuer.AdminEmail,
		PublicKey: peerPub.Base64(),
	})
	if err != nil {
		return fmt.Errorf("enrollment: create account: %w", err)
	}

	endpoint := store.Endpoint{
		ID:          endpointID,
		HostURL:     msg.Issuer.URL,
		Role:        pending.Role,
		Status:      store.StatusOperational,
		AccountID:   account.ID,
		Description: msg.Issuer.Description,
	}
	if pending.Role == store.RoleBuilder {
		endpoint.WorkStatus.String = string(store.WorkIdle)
		endpoint.WorkStatus.Valid = true
	}
	if _, err := h.Endpoints.Create(ctx, endpoint); err != nil {
		return fmt.Errorf("enrollment: create endpoint: %w", err)
	}

	if err := h.Tokens.Put(ctx, store.EndpointTokens{
		EndpointID:  endpointID,
		BearerToken: msg.IssueToken,
		AccessToken: "",
	}); err != nil {
		return fmt.Errorf("enrollment: store tokens: %w", err)
	}

	return nil
}

// HandleDecline removes the pending enrollment without creating any
// durable state.
func (h *HubSide) HandleDecline(endpointID string) error {
	if _, ok := h.Pending.Take(endpointID); !ok {
		return ErrNoPendingEnrollment
	}
	return nil
}

// HandleLeave marks an already-operational endpoint as forbidden and
// clears its stored tokens, mirroring Decline for an established peer.
func (h *HubSide) HandleLeave(ctx context.Context, endpointID string) error {
	if err := h.Endpoints.SetStatus(ctx, endpointID, store.StatusForbidden, "peer requested departure"); err != nil {
		return fmt.Errorf("enrollment: leave: %w", err)
	}
	return h.Tokens.Clear(ctx, endpointID)
}
