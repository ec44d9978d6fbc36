// Package engine provides the core types and the orchestration driver for fabprov.
// A run walks a forest of remote resources (workspaces and the items nested in
// them), creating each one at most once and handing deferred creations to a poller.
package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind identifies the type of a remote resource.
type Kind string

const (
	// KindWorkspace is a top-level workspace. Every other kind lives inside one.
	KindWorkspace Kind = "workspace"

	// KindDataContainer is a lakehouse-style storage item.
	KindDataContainer Kind = "data_container"

	// KindComputeContainer is a warehouse-style compute item.
	KindComputeContainer Kind = "compute_container"

	// KindArtifact is a document item such as a notebook.
	KindArtifact Kind = "artifact"

	// KindAccessGrant is a role assignment on a workspace.
	KindAccessGrant Kind = "access_grant"
)

// AllKinds lists every supported kind in creation-friendly order.
var AllKinds = []Kind{
	KindWorkspace,
	KindDataContainer,
	KindComputeContainer,
	KindArtifact,
	KindAccessGrant,
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ResourceSpec describes one logical resource from the catalog. It is immutable
// once the catalog has been loaded.
type ResourceSpec struct {
	// ID is the catalog-local reference. Children point at it through ParentRef.
	ID string `json:"id" validate:"required"`

	// Kind is the resource kind.
	Kind Kind `json:"kind" validate:"required"`

	// DisplayName is unique within the parent scope for a given kind.
	DisplayName string `json:"displayName" validate:"required"`

	// ParentRef is the catalog ID of the owning resource, empty for roots.
	ParentRef string `json:"parentRef,omitempty"`

	// Payload holds kind-specific creation parameters as a JSON object.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Required marks a non-root resource whose failure fails the whole run.
	Required bool `json:"required,omitempty"`

	// IdempotencyKey is derived from kind, display name and the parent's key.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// PayloadMap decodes the payload into a generic map. An empty payload yields an empty map.
func (s *ResourceSpec) PayloadMap() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if len(s.Payload) == 0 || strings.TrimSpace(string(s.Payload)) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(s.Payload, &out); err != nil {
		return nil, NewClientError("resource payload is not a JSON object", err).
			WithCode(ErrCodeValidation).
			WithResource(s.ID)
	}
	return out, nil
}

// RecordState is the lifecycle state of a provisioning record.
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateSucceeded RecordState = "succeeded"
	StateFailed    RecordState = "failed"
	StateTimedOut  RecordState = "timed_out"
	StateCancelled RecordState = "cancelled"

	// StateSkipped only appears in run summaries. Skipped resources never get a record.
	StateSkipped RecordState = "skipped"
)

// IsTerminal returns true if the state is final for the current run.
func (s RecordState) IsTerminal() bool {
	return s != StatePending
}

// RecordError is the structured error stored alongside a failed record.
type RecordError struct {
	Class   ErrorClass `json:"class"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message"`
}

// ProvisioningRecord is the durable outcome of one resource, keyed by idempotency key.
type ProvisioningRecord struct {
	IdempotencyKey string       `json:"idempotencyKey"`
	Kind           Kind         `json:"kind"`
	DisplayName    string       `json:"displayName"`
	ParentKey      string       `json:"parentKey,omitempty"`
	ResolvedID     string       `json:"resolvedId,omitempty"`
	State          RecordState  `json:"state"`
	LastHTTPStatus int          `json:"lastHttpStatus,omitempty"`
	Attempts       int          `json:"attempts"`
	RunID          string       `json:"runId,omitempty"`
	CreatedAtUTC   time.Time    `json:"createdAtUtc"`
	CompletedAtUTC *time.Time   `json:"completedAtUtc,omitempty"`
	Error          *RecordError `json:"error,omitempty"`
}

// ListedItem is one entry of a collection listing, normalized across kinds.
type ListedItem struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Type        string `json:"type,omitempty"`
	PrincipalID string `json:"principalId,omitempty"`
}

// ListingQuery locates a resource by listing its parent collection.
type ListingQuery struct {
	// URL is the collection endpoint, relative to the API base or absolute.
	URL string `json:"url"`

	// DisplayName must match exactly when set.
	DisplayName string `json:"displayName,omitempty"`

	// ItemType narrows generic item listings (case-insensitive).
	ItemType string `json:"itemType,omitempty"`

	// PrincipalID matches access grants by principal instead of name.
	PrincipalID string `json:"principalId,omitempty"`
}

// Matches reports whether a listed item is the resource the query is looking for.
func (q *ListingQuery) Matches(item ListedItem) bool {
	if q == nil || item.ID == "" {
		return false
	}
	if q.PrincipalID != "" {
		return strings.EqualFold(q.PrincipalID, item.PrincipalID)
	}
	if item.DisplayName != q.DisplayName {
		return false
	}
	if q.ItemType != "" && !strings.EqualFold(q.ItemType, item.Type) {
		return false
	}
	return true
}

// OperationHandle tracks a deferred creation. OperationURL is polled for status
// when present; Listing resolves the created resource's identifier.
type OperationHandle struct {
	OperationURL string        `json:"operationUrl,omitempty"`
	Listing      *ListingQuery `json:"listing,omitempty"`
}

// CreationStatus is the outcome class of a single create call.
type CreationStatus string

const (
	CreationCreated       CreationStatus = "created"
	CreationAlreadyExists CreationStatus = "already_exists"
	CreationAccepted      CreationStatus = "accepted"
	CreationFailed        CreationStatus = "failed"
)

// CreationOutcome is returned by a Creator.
type CreationOutcome struct {
	Status     CreationStatus
	ResolvedID string
	Handle     *OperationHandle
	HTTPStatus int
	Attempts   int
	Err        error
}

// PollOutcome is returned by a Poller. State is one of succeeded, failed,
// timed_out or cancelled.
type PollOutcome struct {
	State      RecordState
	ResolvedID string
	Attempts   int
	Elapsed    time.Duration
	HTTPStatus int
	Reason     string
	Err        error
}

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ExitCode maps a run status to the process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunStatusSucceeded, RunStatusPartial:
		return 0
	default:
		return 1
	}
}

// ResourceOutcome is the per-resource line of a run summary.
type ResourceOutcome struct {
	ID             string       `json:"id"`
	Kind           Kind         `json:"kind"`
	DisplayName    string       `json:"displayName"`
	ParentRef      string       `json:"parentRef,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey"`
	State          RecordState  `json:"state"`
	ResolvedID     string       `json:"resolvedId,omitempty"`
	Attempts       int          `json:"attempts"`
	LastHTTPStatus int          `json:"lastHttpStatus,omitempty"`
	Required       bool         `json:"required,omitempty"`
	Reused         bool         `json:"reused,omitempty"`
	ElapsedMS      int64        `json:"elapsedMs"`
	Error          *RecordError `json:"error,omitempty"`
}

// ForestEdge is a parent to child edge of the resource forest.
type ForestEdge struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// Forest is the dependency structure recorded in a summary.
type Forest struct {
	Roots []string     `json:"roots"`
	Edges []ForestEdge `json:"edges"`
}

// RunSummary is the single document written at the end of every run.
type RunSummary struct {
	RunID        string              `json:"runId"`
	StartedAt    time.Time           `json:"startedAt"`
	CompletedAt  time.Time           `json:"completedAt"`
	DurationMS   int64               `json:"durationMs"`
	Status       RunStatus           `json:"status"`
	DryRun       bool                `json:"dryRun,omitempty"`
	Forced       bool                `json:"forced,omitempty"`
	Counts       map[RecordState]int `json:"counts"`
	Resources    []ResourceOutcome   `json:"resources"`
	Forest       Forest              `json:"forest"`
	Error        string              `json:"error,omitempty"`
	CatalogPath  string              `json:"catalogPath,omitempty"`
	ResourceRefs map[string]string   `json:"resolvedIds,omitempty"`
}

// EventType identifies the kind of run event.
type EventType string

const (
	EventTypeRunStarted        EventType = "run_started"
	EventTypeRunCompleted      EventType = "run_completed"
	EventTypeResourceStarted   EventType = "resource_started"
	EventTypeResourceReused    EventType = "resource_reused"
	EventTypeResourceAccepted  EventType = "resource_accepted"
	EventTypeResourceSucceeded EventType = "resource_succeeded"
	EventTypeResourceFailed    EventType = "resource_failed"
	EventTypeResourceSkipped   EventType = "resource_skipped"
	EventTypeResourceCancelled EventType = "resource_cancelled"
)

// Event is an entry on a run's timeline.
type Event struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	ResourceID string    `json:"resourceId,omitempty"`
	Type       EventType `json:"type"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}
