// Package enrollment implements the two-party enrollment handshake that
// bootstraps mutual trust between the Hub and a non-Hub service (spec
// §4.4).
package enrollment

import (
	"errors"

	"github.com/serpent-os/federation/pkg/store"
)

// Issuer is the wire representation of a service's own identity, embedded
// in every enrollment message (spec §4.4, §6).
type Issuer struct {
	PublicKey   string     `json:"public_key"`
	URL         string     `json:"url"`
	Role        store.Role `json:"role"`
	AdminEmail  string     `json:"admin_email"`
	AdminName   string     `json:"admin_name"`
	Description string     `json:"description"`
}

// EnrolMessage is `services/enrol`'s request body (H → S).
type EnrolMessage struct {
	Issuer     Issuer     `json:"issuer"`
	IssueToken string     `json:"issue_token"`
	Role       store.Role `json:"role"` // the role S is expected to have
}

// AcceptMessage is `services/accept`'s request body (S → H).
type AcceptMessage struct {
	Issuer     Issuer     `json:"issuer"`
	IssueToken string     `json:"issue_token"`
	Role       store.Role `json:"role"` // always store.RoleHub
}

// DeclineMessage is `services/decline`'s request body.
type DeclineMessage struct{}

var (
	ErrNoPendingEnrollment = errors.New("enrollment: no pending enrollment for this endpoint")
	ErrRoleMismatch        = errors.New("enrollment: declared role does not match expected role")
	ErrKeyPinMismatch      = errors.New("enrollment: issuer public key does not match the pinned upstream key")
	ErrPurposeMismatch     = errors.New("enrollment: issue token does not carry the authorization purpose")
	ErrMissingUpstream     = errors.New("enrollment: no upstream key configured")
)
