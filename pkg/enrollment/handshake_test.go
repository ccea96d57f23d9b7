package enrollment_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/crypto"
	"github.com/serpent-os/federation/pkg/enrollment"
	"github.com/serpent-os/federation/pkg/store"
)

func newSide(t *testing.T) (*store.AccountStore, *store.EndpointStore, *store.TokenStore, *store.PendingEnrollments) {
	t.Helper()
	db, err := store.Open(store.DialectSQLite, filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewAccountStore(db), store.NewEndpointStore(db), store.NewTokenStore(db), store.NewPendingEnrollments()
}

// TestColdEnrollment walks through the full two-party handshake (spec §8
// scenario 1) and asserts both the Hub's and the Builder's final durable
// state.
func TestColdEnrollment(t *testing.T) {
	ctx := context.Background()

	hubKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	builderKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	hAccounts, hEndpoints, hTokens, hPending := newSide(t)
	hub := &enrollment.HubSide{
		Self: enrollment.Issuer{
			PublicKey: hubKeys.Public().Base64(),
			URL:       "https://hub.example.test",
			Role:      store.RoleHub,
		},
		Keys:      hubKeys,
		Accounts:  hAccounts,
		Endpoints: hEndpoints,
		Tokens:    hTokens,
		Pending:   hPending,
	}

	bAccounts, bEndpoints, bTokens, bPending := newSide(t)
	builder := &enrollment.PeerSide{
		Self: enrollment.Issuer{
			PublicKey: builderKeys.Public().Base64(),
			URL:       "https://builder.example.test",
			Role:      store.RoleBuilder,
		},
		Role:      store.RoleBuilder,
		Keys:      builderKeys,
		Upstream:  hubKeys.Public(),
		Accounts:  bAccounts,
		Endpoints: bEndpoints,
		Tokens:    bTokens,
		Pending:   bPending,
	}

	// 1. Hub issues enrol to the Builder.
	enrolMsg, endpointID, err := hub.PrepareEnrol(store.RoleBuilder, builder.Self.URL)
	require.NoError(t, err)

	// 2. Builder verifies and records a pending enrollment, then prepares accept.
	gotEndpointID, err := builder.HandleEnrol(enrolMsg)
	require.NoError(t, err)
	require.Equal(t, endpointID, gotEndpointID)

	acceptMsg, bearerToUse, err := builder.PrepareAccept(endpointID)
	require.NoError(t, err)
	require.Equal(t, enrolMsg.IssueToken, bearerToUse)

	// 3. Hub processes the accept (simulating authz middleware having
	// already verified bearerToUse and extracted its subject).
	require.NoError(t, hub.HandleAccept(ctx, endpointID, acceptMsg))

	// 4. Builder completes its own bookkeeping once the accept POST succeeds.
	require.NoError(t, builder.CompleteAccept(ctx, endpointID, acceptMsg.IssueToken))

	// Assert Hub's durable state.
	hubEndpoint, err := hEndpoints.Get(ctx, endpointID)
	require.NoError(t, err)
	require.Equal(t, store.StatusOperational, hubEndpoint.Status)
	require.Equal(t, store.RoleBuilder, hubEndpoint.Role)

	hubAccount, err := hAccounts.Get(ctx, hubEndpoint.AccountID)
	require.NoError(t, err)
	require.Equal(t, store.AccountService, hubAccount.Kind)
	require.Equal(t, builderKeys.Public().Base64(), hubAccount.PublicKey)

	hubTokens, err := hTokens.Get(ctx, endpointID)
	require.NoError(t, err)
	require.Equal(t, acceptMsg.IssueToken, hubTokens.BearerToken)

	// Assert Builder's durable state mirrors it.
	builderEndpoint, err := bEndpoints.Get(ctx, endpointID)
	require.NoError(t, err)
	require.Equal(t, store.RoleHub, builderEndpoint.Role)
	require.Equal(t, store.StatusOperational, builderEndpoint.Status)

	// Pending entries are consumed on both sides.
	_, stillPendingHub := hPending.Peek(endpointID)
	require.False(t, stillPendingHub)
	_, stillPendingBuilder := bPending.Peek(endpointID)
	require.False(t, stillPendingBuilder)
}

func TestHandleEnrol_KeyPinMismatch(t *testing.T) {
	hubKeys, _ := crypto.GenerateKeyPair()
	attackerKeys, _ := crypto.GenerateKeyPair()
	builderKeys, _ := crypto.GenerateKeyPair()

	_, _, _, bPending := newSide(t)
	builder := &enrollment.PeerSide{
		Self:     enrollment.Issuer{PublicKey: builderKeys.Public().Base64(), Role: store.RoleBuilder},
		Role:     store.RoleBuilder,
		Keys:     builderKeys,
		Upstream: hubKeys.Public(),
		Pending:  bPending,
	}

	hub := &enrollment.HubSide{
		Self:    enrollment.Issuer{PublicKey: attackerKeys.Public().Base64(), Role: store.RoleHub},
		Keys:    attackerKeys,
		Pending: store.NewPendingEnrollments(),
	}
	msg, _, err := hub.PrepareEnrol(store.RoleBuilder, "https://hub.example.test")
	require.NoError(t, err)

	_, err = builder.HandleEnrol(msg)
	require.ErrorIs(t, err, enrollment.ErrKeyPinMismatch)
}

func TestHandleEnrol_RoleMismatch(t *testing.T) {
	hubKeys, _ := crypto.GenerateKeyPair()
	builderKeys, _ := crypto.GenerateKeyPair()

	_, _, _, bPending := newSide(t)
	builder := &enrollment.PeerSide{
		Self:     enrollment.Issuer{PublicKey: builderKeys.Public().Base64(), Role: store.RoleBuilder},
		Role:     store.RoleBuilder,
		Keys:     builderKeys,
		Upstream: hubKeys.Public(),
		Pending:  bPending,
	}

	hub := &enrollment.HubSide{
		Self:    enrollment.Issuer{PublicKey: hubKeys.Public().Base64(), Role: store.RoleHub},
		Keys:    hubKeys,
		Pending: store.NewPendingEnrollments(),
	}
	// Hub mistakenly declares the recipient's role as repository-manager.
	msg, _, err := hub.PrepareEnrol(store.RoleRepositoryManager, "https://hub.example.test")
	require.NoError(t, err)

	_, err = builder.HandleEnrol(msg)
	require.ErrorIs(t, err, enrollment.ErrRoleMismatch)
}

func TestHandleAccept_MissingPending_Rejected(t *testing.T) {
	hubKeys, _ := crypto.GenerateKeyPair()
	_, hEndpoints, hTokens, hPending := newSide(t)
	hub := &enrollment.HubSide{
		Self:      enrollment.Issuer{PublicKey: hubKeys.Public().Base64(), Role: store.RoleHub},
		Keys:      hubKeys,
		Endpoints: hEndpoints,
		Tokens:    hTokens,
		Pending:   hPending,
	}

	err := hub.HandleAccept(context.Background(), "unknown-endpoint", enrollment.AcceptMessage{Role: store.RoleHub})
	require.ErrorIs(t, err, enrollment.ErrNoPendingEnrollment)
}
