package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/teranos/cadence/errors"
)

// ValidationContext carries the request-time context available to an
// entrypoint's registration-phase transform. Execution deliberately does
// not get this context: everything the executor needs must end up inside
// the execution payload.
type ValidationContext struct {
	OrgID string
	// Prior is the existing job's execution payload on update, nil on create.
	Prior json.RawMessage
}

// ExecutionContext is the scoped handle an entrypoint receives at trigger
// time: the stored execution payload plus persistence access, nothing else.
type ExecutionContext struct {
	DB    *sql.DB
	JobID string
	RunID string
}

// Entrypoint defines the contract for a job kind.
//
// The two phases are deliberately separate:
//
//	RawPayload -> ValidatePayload (org context, prior state) -> ExecutionPayload
//	ExecutionPayload -> Execute (scoped handle only) -> result
//
// ValidatePayload runs once at create/update time and returns a fully
// resolved execution payload; replaying that payload is always semantically
// equivalent. Execute is invoked only by the scheduler at fire time.
type Entrypoint interface {
	// Kind returns the kind identifier this entrypoint handles.
	Kind() string

	// ValidatePayload validates and enriches a caller-supplied payload into
	// an execution payload, applying kind-specific business rules.
	ValidatePayload(ctx context.Context, vc ValidationContext, raw json.RawMessage) (json.RawMessage, error)

	// Execute runs the job with the stored execution payload and returns an
	// opaque result document, or an error to record the run as failed.
	Execute(ctx context.Context, ec ExecutionContext, payload json.RawMessage) (json.RawMessage, error)
}

// Registry maps job kinds to entrypoints. It is populated once at process
// start, before the scheduler runs; a kind missing from the registry is a
// permanent validation failure, not a runtime failure.
type Registry struct {
	entrypoints map[string]Entrypoint
	mu          sync.RWMutex
}

// NewRegistry creates an empty entrypoint registry.
func NewRegistry() *Registry {
	return &Registry{
		entrypoints: make(map[string]Entrypoint),
	}
}

// Register adds an entrypoint using its kind.
// Panics if an entrypoint is already registered for that kind.
func (r *Registry) Register(ep Entrypoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := ep.Kind()
	if _, exists := r.entrypoints[kind]; exists {
		panic(fmt.Sprintf("entrypoint already registered for kind: %s", kind))
	}
	r.entrypoints[kind] = ep
}

// Resolve retrieves the entrypoint for a kind.
func (r *Registry) Resolve(kind string) (Entrypoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.entrypoints[kind]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownKind, "%q", kind)
	}
	return ep, nil
}

// Has checks if an entrypoint is registered for a kind.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entrypoints[kind]
	return exists
}

// Kinds returns all registered kind identifiers.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.entrypoints))
	for kind := range r.entrypoints {
		kinds = append(kinds, kind)
	}
	return kinds
}

// NoopEntrypoint accepts any JSON object and echoes its payload back as the
// result. Useful for wiring checks and end-to-end tests.
type NoopEntrypoint struct{}

// KindNoop is the kind identifier of NoopEntrypoint.
const KindNoop = "noop"

func (NoopEntrypoint) Kind() string { return KindNoop }

func (NoopEntrypoint) ValidatePayload(_ context.Context, _ ValidationContext, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &ValidationError{
			Field:  "payload",
			Value:  string(raw),
			Reason: "payload must be a JSON object",
		}
	}
	return raw, nil
}

func (NoopEntrypoint) Execute(_ context.Context, _ ExecutionContext, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}
