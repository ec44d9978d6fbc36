package engine

import (
	"context"
	"time"
)

// Authenticator supplies bearer tokens for the control plane.
type Authenticator interface {
	// GetToken returns a valid token and its expiry. Failures are AuthErrors.
	GetToken(ctx context.Context) (string, time.Time, error)
}

// Creator issues creation and lookup calls for a single resource.
type Creator interface {
	// Create attempts to create spec inside the parent identified by parentID
	// (empty for roots). It never returns an error; failures are reported in the outcome.
	Create(ctx context.Context, spec *ResourceSpec, parentID string) CreationOutcome

	// Lookup finds an existing resource by listing its parent collection.
	// A missing resource is reported as an error with code NOT_FOUND.
	Lookup(ctx context.Context, spec *ResourceSpec, parentID string) (string, error)
}

// Poller drives a deferred creation to a terminal state.
type Poller interface {
	Await(ctx context.Context, handle *OperationHandle) PollOutcome
}

// RecordStore persists provisioning records keyed by idempotency key.
type RecordStore interface {
	// Get returns the record for key, or nil and no error when none exists.
	Get(ctx context.Context, key string) (*ProvisioningRecord, error)

	// Put atomically replaces the record for record.IdempotencyKey.
	Put(ctx context.Context, record *ProvisioningRecord) error
}

// RecordLister is implemented by stores that can enumerate their records.
type RecordLister interface {
	List(ctx context.Context) ([]*ProvisioningRecord, error)
}

// SummaryWriter persists the run summary.
type SummaryWriter interface {
	Write(ctx context.Context, summary *RunSummary) error
}

// EventPublisher receives run timeline events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}
