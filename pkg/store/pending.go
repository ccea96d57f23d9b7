package store

import (
	"sync"
	"time"
)

// PendingEnrollment is the in-memory record that exists only between the
// two halves of the enrollment handshake (spec §3, §4.4). It is never
// persisted — a restart mid-handshake simply loses it; nothing retries
// the handshake.
type PendingEnrollment struct {
	EndpointID    string
	Role          Role
	IssuedAt      time.Time
	IssueToken    string // the enrol message's issue_token, signed by the Hub
	PeerHostURL   string
	PeerPublicKey string // base64 Ed25519 key of the peer, pinned at handshake time
}

// PendingEnrollments is a mutex-guarded map from endpoint-id to its
// in-flight enrollment record (spec §5 "Shared state").
type PendingEnrollments struct {
	mu      sync.Mutex
	entries map[string]PendingEnrollment
}

func NewPendingEnrollments() *PendingEnrollments {
	return &PendingEnrollments{entries: make(map[string]PendingEnrollment)}
}

func (p *PendingEnrollments) Put(e PendingEnrollment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[e.EndpointID] = e
}

func (p *PendingEnrollments) Take(endpointID string) (PendingEnrollment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[endpointID]
	if ok {
		delete(p.entries, endpointID)
	}
	return e, ok
}

func (p *PendingEnrollments) Peek(endpointID string) (PendingEnrollment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[endpointID]
	return e, ok
}
