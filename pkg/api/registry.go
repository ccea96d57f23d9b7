package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/codes"

	"github.com/serpent-os/federation/pkg/authz"
	"github.com/serpent-os/federation/pkg/telemetry"
)

var tracer = telemetry.Tracer("federation/api")

// unit is the canonicalized empty request/response body (spec §4.3:
// "Empty bodies are canonicalized to a unit value").
type unit struct{}

// Handler is the typed operation body: it receives the already-validated
// request body and the request's authorization result, and returns a
// response body or an error.
type Handler func(ctx context.Context, authResult *authz.Result, body json.RawMessage) (any, error)

// Operation declares one (version, method, path) entry in the registry
// (spec §4.3). RequiredFlags is checked by the authorization middleware
// before Handler runs. Schemas are optional; when nil the body is passed
// through unvalidated (used for the unit type).
type Operation struct {
	Version       string
	Method        string
	Path          string
	RequiredFlags authz.Flags
	RequestSchema *jsonschema.Schema
	Handler       Handler
}

// CompileSchema compiles a JSON Schema document (draft 2020-12) under a
// synthetic resource URL, for use as an Operation's RequestSchema.
func CompileSchema(name, document string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("https://federation.serpentos.dev/schemas/%s.json", name)
	if err := c.AddResource(url, strings.NewReader(document)); err != nil {
		return nil, fmt.Errorf("api: load schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("api: compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// Limiter throttles inbound requests, keyed by caller identity. A nil
// Limiter on Registry disables throttling entirely.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Registry mounts Operations at /api/{version}/{path} and is the only
// surface through which a service accepts requests (spec §4.3).
type Registry struct {
	mux     *http.ServeMux
	auth    *authz.Authorizer
	limiter Limiter
}

func NewRegistry(auth *authz.Authorizer) *Registry {
	return &Registry{mux: http.NewServeMux(), auth: auth}
}

// WithLimiter attaches a throttle every mounted Operation is checked
// against before its Handler runs. Optional: a Registry with no Limiter
// never throttles.
func (reg *Registry) WithLimiter(l Limiter) *Registry {
	reg.limiter = l
	return reg
}

func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reg.mux.ServeHTTP(w, r)
}

// Register mounts op. Panics on duplicate (version, method, path): that
// is a programming error caught at service start, not a runtime one.
func (reg *Registry) Register(op Operation) {
	pattern := fmt.Sprintf("%s /api/%s/%s", op.Method, op.Version, op.Path)
	reg.mux.HandleFunc(pattern, reg.wrap(op))
}

func (reg *Registry) wrap(op Operation) http.HandlerFunc {
	spanName := fmt.Sprintf("%s %s/%s", op.Method, op.Version, op.Path)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), spanName)
		defer span.End()
		r = r.WithContext(ctx)

		result, denial := reg.auth.Authorize(r, op.RequiredFlags)
		if denial != nil {
			WriteError(w, denial.Status, denial.Detail)
			return
		}
		if d := authz.Check(result, op.RequiredFlags); d != nil {
			WriteError(w, d.Status, d.Detail)
			return
		}

		if reg.limiter != nil {
			key := r.RemoteAddr
			if result != nil && result.Claims != nil && result.Claims.Subject != "" {
				key = result.Claims.Subject
			}
			allowed, err := reg.limiter.Allow(ctx, key)
			if err != nil {
				// Fail open: a limiter outage must not take down the API.
				span.RecordError(err)
			} else if !allowed {
				WriteTooManyRequests(w, 1)
				return
			}
		}

		var raw json.RawMessage
		if r.ContentLength != 0 && r.Method != http.MethodGet {
			if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
				WriteBadRequest(w, "malformed request body")
				return
			}
		}
		if len(raw) == 0 {
			raw, _ = json.Marshal(unit{})
		}

		if op.RequestSchema != nil {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				WriteBadRequest(w, "malformed request body")
				return
			}
			if err := op.RequestSchema.Validate(v); err != nil {
				WriteBadRequest(w, fmt.Sprintf("request body failed validation: %v", err))
				return
			}
		}

		resp, err := op.Handler(r.Context(), result, raw)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeHandlerError(w, err)
			return
		}
		if resp == nil {
			resp = unit{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// writeHandlerError maps a Handler's returned error to a status code
// (spec §7's error taxonomy). A *StatusError carries its own status; any
// other error is treated as internal and its detail is not leaked.
func writeHandlerError(w http.ResponseWriter, err error) {
	var se *StatusError
	if errors.As(err, &se) {
		Write(w, se.Status, se.Message)
		return
	}
	WriteInternal(w, err)
}

// StatusError is an error with an explicit HTTP status, used by Handlers
// to report input/conflict/dependency failures (spec §7) without the
// registry needing to inspect domain-specific error types.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string { return e.Message }
