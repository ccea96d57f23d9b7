package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/serpent-os/federation/pkg/api"
	"github.com/serpent-os/federation/pkg/authz"
	"github.com/serpent-os/federation/pkg/client"
)

// AcceptDelay is how long a non-Hub service waits after receiving
// services/enrol before sending its accept back (spec §4.4 step 2:
// "schedules an accept after a short delay").
const AcceptDelay = 2 * time.Second

// PeerHandlers wires a non-Hub service's half of the enrollment surface
// onto an api.Registry: it receives the Hub's enrol message and, after a
// short delay, calls back with its own accept.
type PeerHandlers struct {
	Peer   *PeerSide
	HubURL string
	Log    *slog.Logger
}

func (h *PeerHandlers) log() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}

// Register mounts services/enrol and services/decline.
func (h *PeerHandlers) Register(reg *api.Registry) {
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "services/enrol",
		RequiredFlags: 0,
		Handler:       h.handleEnrol,
	})
	reg.Register(api.Operation{
		Version: "v1", Method: http.MethodPost, Path: "services/decline",
		RequiredFlags: authz.BearerToken | authz.ServiceAccount | authz.NotExpired,
		Handler:       h.handleDecline,
	})
}

func (h *PeerHandlers) handleEnrol(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	var msg EnrolMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: "malformed enrol message"}
	}

	endpointID, err := h.Peer.HandleEnrol(msg)
	if err != nil {
		if errors.Is(err, ErrMissingUpstream) {
			return nil, &api.StatusError{Status: http.StatusInternalServerError, Message: err.Error()}
		}
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	issueToken := msg.IssueToken
	go h.sendAcceptAfterDelay(endpointID, issueToken)

	return struct{}{}, nil
}

func (h *PeerHandlers) sendAcceptAfterDelay(endpointID, issueToken string) {
	time.Sleep(AcceptDelay)

	ctx := context.Background()
	accept, selfIssuedToken, err := h.Peer.PrepareAccept(endpointID)
	if err != nil {
		h.log().Error("enrollment: prepare accept failed", "endpoint", endpointID, "error", err)
		return
	}

	c := client.New(h.HubURL, client.StaticAuth{Bearer: issueToken})
	if err := c.Call(ctx, http.MethodPost, "/api/v1/services/accept", client.BearerTokenKind, accept, nil); err != nil {
		h.log().Error("enrollment: send accept failed", "endpoint", endpointID, "error", err)
		return
	}

	if err := h.Peer.CompleteAccept(ctx, endpointID, selfIssuedToken); err != nil {
		h.log().Error("enrollment: complete accept failed", "endpoint", endpointID, "error", err)
	}
}

func (h *PeerHandlers) handleDecline(ctx context.Context, res *authz.Result, body json.RawMessage) (any, error) {
	endpointID := ""
	if res != nil && res.Claims != nil {
		endpointID = res.Claims.Subject
	}
	if err := h.Peer.HandleDecline(endpointID); err != nil {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	return struct{}{}, nil
}
