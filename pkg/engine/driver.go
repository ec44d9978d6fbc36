package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/fabprov/pkg/telemetry"
)

const tracerName = "github.com/openfroyo/fabprov/pkg/engine"

// DriverOptions tunes a run.
type DriverOptions struct {
	// Concurrency bounds the number of resources in flight at once.
	Concurrency int

	// RunTimeout cancels the whole run after this long. Zero means no limit.
	RunTimeout time.Duration

	// Force re-attempts resources whose stored record is failed or timed out.
	Force bool

	// DryRun skips the token preflight and never writes records.
	// The Creator is expected to be a synthetic one.
	DryRun bool

	// CatalogPath is copied into the summary for reference.
	CatalogPath string
}

// DriverDeps are the collaborators of a Driver. Auth, Events, Logger and
// Metrics are optional.
type DriverDeps struct {
	Auth    Authenticator
	Creator Creator
	Poller  Poller
	Store   RecordStore
	Summary SummaryWriter
	Events  EventPublisher
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Driver provisions a catalog of resources in dependency order with bounded
// parallelism. A resource is attempted only after its parent's record is
// durably succeeded; children of a parent that did not succeed are skipped.
type Driver struct {
	deps   DriverDeps
	opts   DriverOptions
	logger *telemetry.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewDriver creates a new driver.
func NewDriver(deps DriverDeps, opts DriverOptions) (*Driver, error) {
	if deps.Creator == nil || deps.Poller == nil || deps.Store == nil || deps.Summary == nil {
		return nil, NewPermanentError("driver requires a creator, poller, store and summary writer", nil).
			WithCode(ErrCodeValidation)
	}
	if deps.Auth == nil && !opts.DryRun {
		return nil, NewPermanentError("driver requires an authenticator outside dry-run mode", nil).
			WithCode(ErrCodeValidation)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Driver{
		deps:   deps,
		opts:   opts,
		logger: logger.NewComponentLogger("driver"),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// task is the per-resource unit of work. done is closed once outcome is final.
type task struct {
	spec    *ResourceSpec
	parent  *task
	done    chan struct{}
	outcome ResourceOutcome

	// pending is the record written before the first creation call, nil until then.
	pending *ProvisioningRecord
}

// Run provisions every resource in the catalog and writes the run summary.
// Per-resource failures are reported in the summary, not as an error. Run
// returns an error only for an invalid catalog, a failed authentication
// preflight, or a summary that could not be written.
func (d *Driver) Run(ctx context.Context, resources []ResourceSpec) (*RunSummary, error) {
	graph, err := NewDAGBuilder().BuildGraph(resources)
	if err != nil {
		return nil, err
	}
	AssignIdempotencyKeys(resources, graph)

	runID := uuid.New().String()
	startedAt := d.now()
	logger := d.logger.WithRunID(runID)

	runCtx := ctx
	var cancel context.CancelFunc
	if d.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.opts.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	runCtx, span := d.tracer.Start(runCtx, "run.execute",
		trace.WithAttributes(telemetry.AttrRunID.String(runID)))
	defer span.End()

	d.deps.Metrics.RecordRunStarted()
	d.publishEvent(runCtx, runID, "", EventTypeRunStarted, "info",
		fmt.Sprintf("Run started with %d resources", len(resources)))
	logger.Infof("Starting run: %d resources, %d levels, concurrency %d",
		len(resources), graph.Depth, d.opts.Concurrency)

	tasks := d.buildTasks(resources)

	var fatal error
	if !d.opts.DryRun {
		if _, _, err := d.deps.Auth.GetToken(runCtx); err != nil {
			fatal = err
			logger.WithError(err).Error("Authentication preflight failed")
			for _, id := range graph.Order() {
				t := tasks[id]
				t.outcome.State = StateSkipped
				t.outcome.Error = ToRecordError(err)
			}
		}
	}

	if fatal == nil {
		d.execute(runCtx, runID, graph, tasks)
	}

	summary := d.buildSummary(runCtx, runID, startedAt, graph, tasks, fatal)
	span.SetAttributes(telemetry.AttrRunStatus.String(string(summary.Status)))
	if fatal != nil {
		telemetry.RecordError(span, fatal)
	} else {
		telemetry.RecordSuccess(span)
	}

	d.deps.Metrics.RecordRunCompleted(string(summary.Status), time.Duration(summary.DurationMS)*time.Millisecond)
	d.publishEvent(runCtx, runID, "", EventTypeRunCompleted, levelFor(summary.Status),
		fmt.Sprintf("Run completed with status: %s", summary.Status))

	if err := d.deps.Summary.Write(context.WithoutCancel(runCtx), summary); err != nil {
		logger.WithError(err).Error("Failed to write run summary")
		return summary, errors.Join(fatal, fmt.Errorf("failed to write run summary: %w", err))
	}

	logger.WithFields(map[string]interface{}{
		"status":    summary.Status,
		"succeeded": summary.Counts[StateSucceeded],
		"failed":    summary.Counts[StateFailed] + summary.Counts[StateTimedOut],
		"skipped":   summary.Counts[StateSkipped],
	}).Info("Run completed")

	return summary, fatal
}

// buildTasks creates one task per resource and links each to its parent.
func (d *Driver) buildTasks(resources []ResourceSpec) map[string]*task {
	tasks := make(map[string]*task, len(resources))
	for i := range resources {
		spec := &resources[i]
		tasks[spec.ID] = &task{
			spec: spec,
			done: make(chan struct{}),
			outcome: ResourceOutcome{
				ID:             spec.ID,
				Kind:           spec.Kind,
				DisplayName:    spec.DisplayName,
				ParentRef:      spec.ParentRef,
				IdempotencyKey: spec.IdempotencyKey,
				Required:       spec.Required || spec.ParentRef == "",
				State:          StatePending,
			},
		}
	}
	for _, t := range tasks {
		if t.spec.ParentRef != "" {
			t.parent = tasks[t.spec.ParentRef]
		}
	}
	return tasks
}

// execute starts one goroutine per resource. Each waits on its parent's done
// channel, then on a worker slot. Siblings and independent trees run concurrently.
func (d *Driver) execute(ctx context.Context, runID string, graph *ResourceGraph, tasks map[string]*task) {
	sem := semaphore.NewWeighted(int64(d.opts.Concurrency))
	order := graph.Order()

	for _, id := range order {
		go d.runTask(ctx, runID, sem, tasks[id])
	}
	for _, id := range order {
		<-tasks[id].done
	}
}

// runTask drives a single resource to its final state for this run.
func (d *Driver) runTask(ctx context.Context, runID string, sem *semaphore.Weighted, t *task) {
	defer close(t.done)

	logger := d.logger.WithRunID(runID).WithResource(t.spec.ID, string(t.spec.Kind), t.spec.DisplayName)
	start := d.now()
	defer func() {
		t.outcome.ElapsedMS = d.now().Sub(start).Milliseconds()
		d.deps.Metrics.RecordResource(string(t.spec.Kind), string(t.outcome.State), d.now().Sub(start))
		if t.outcome.Error != nil {
			d.deps.Metrics.RecordError(string(t.outcome.Error.Class))
		}
	}()

	parentID := ""
	if t.parent != nil {
		<-t.parent.done
		if !d.checkDependency(ctx, runID, t, logger) {
			return
		}
		parentID = t.parent.outcome.ResolvedID
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		d.markCancelled(ctx, runID, t, "Run cancelled before resource started", logger)
		return
	}
	defer sem.Release(1)

	d.deps.Metrics.AddInFlight(1)
	defer d.deps.Metrics.AddInFlight(-1)

	spanCtx, span := d.tracer.Start(ctx, "resource.provision",
		trace.WithAttributes(
			telemetry.AttrRunID.String(runID),
			telemetry.AttrResourceID.String(t.spec.ID),
			telemetry.AttrResourceKind.String(string(t.spec.Kind)),
			telemetry.AttrDisplayName.String(t.spec.DisplayName),
			telemetry.AttrIdempotencyKey.String(t.spec.IdempotencyKey),
		))
	defer span.End()

	d.provision(spanCtx, runID, t, parentID, logger)

	span.SetAttributes(telemetry.AttrResourceState.String(string(t.outcome.State)))
	if t.outcome.State == StateSucceeded {
		telemetry.RecordSuccess(span)
	} else if t.outcome.Error != nil {
		span.SetAttributes(telemetry.AttrErrorClass.String(string(t.outcome.Error.Class)))
		telemetry.RecordError(span, errors.New(t.outcome.Error.Message))
	}
}

// checkDependency verifies that the parent succeeded. Otherwise the task is
// marked skipped (parent failed) or cancelled (run ended) and false is returned.
func (d *Driver) checkDependency(ctx context.Context, runID string, t *task, logger *telemetry.Logger) bool {
	parent := t.parent.outcome
	if parent.State == StateSucceeded {
		return true
	}

	if parent.State == StateCancelled || ctx.Err() != nil {
		d.markCancelled(ctx, runID, t, "Run cancelled before resource started", logger)
		return false
	}

	d.markSkipped(ctx, runID, t, fmt.Sprintf("Parent %s did not succeed (state %s)", parent.ID, parent.State), logger)
	return false
}

// provision consults the record store and, if needed, creates the resource.
func (d *Driver) provision(ctx context.Context, runID string, t *task, parentID string, logger *telemetry.Logger) {
	spec := t.spec

	existing, err := d.deps.Store.Get(ctx, spec.IdempotencyKey)
	if err != nil {
		d.fail(ctx, runID, t, StateFailed, 0, storeError("failed to read provisioning record", spec, err), logger)
		return
	}

	if existing != nil {
		switch existing.State {
		case StateSucceeded:
			t.outcome.State = StateSucceeded
			t.outcome.ResolvedID = existing.ResolvedID
			t.outcome.Attempts = existing.Attempts
			t.outcome.LastHTTPStatus = existing.LastHTTPStatus
			t.outcome.Reused = true
			logger.WithField("resolved_id", existing.ResolvedID).Info("Reusing existing record")
			d.publishEvent(ctx, runID, spec.ID, EventTypeResourceReused, "info",
				fmt.Sprintf("Reused %s %q (%s)", spec.Kind, spec.DisplayName, existing.ResolvedID))
			return
		case StateFailed, StateTimedOut:
			if !d.opts.Force {
				t.outcome.State = existing.State
				t.outcome.Attempts = existing.Attempts
				t.outcome.LastHTTPStatus = existing.LastHTTPStatus
				t.outcome.Error = existing.Error
				t.outcome.Reused = true
				logger.Warnf("Previous attempt ended %s; rerun with force to retry", existing.State)
				d.publishEvent(ctx, runID, spec.ID, EventTypeResourceFailed, "warning",
					fmt.Sprintf("Carried forward %s record for %q", existing.State, spec.DisplayName))
				return
			}
		}
	}

	record := &ProvisioningRecord{
		IdempotencyKey: spec.IdempotencyKey,
		Kind:           spec.Kind,
		DisplayName:    spec.DisplayName,
		ParentKey:      d.parentKey(t),
		State:          StatePending,
		Attempts:       1,
		RunID:          runID,
		CreatedAtUTC:   d.now(),
	}
	if existing != nil {
		record.Attempts = existing.Attempts + 1
		record.CreatedAtUTC = existing.CreatedAtUTC
	}
	t.outcome.Attempts = record.Attempts

	if !d.opts.DryRun {
		if err := d.deps.Store.Put(ctx, record); err != nil {
			d.fail(ctx, runID, t, StateFailed, 0, storeError("failed to write pending record", spec, err), logger)
			return
		}
		t.pending = record
	}

	logger.Info("Creating resource")
	d.publishEvent(ctx, runID, spec.ID, EventTypeResourceStarted, "info",
		fmt.Sprintf("Creating %s %q", spec.Kind, spec.DisplayName))

	created := d.deps.Creator.Create(ctx, spec, parentID)
	t.outcome.LastHTTPStatus = created.HTTPStatus

	switch created.Status {
	case CreationCreated:
		d.succeed(ctx, runID, t, record, created.ResolvedID, logger)

	case CreationAlreadyExists:
		logger.Info("Resource already exists, resolving identifier")
		id, err := d.deps.Creator.Lookup(ctx, spec, parentID)
		if err != nil {
			d.fail(ctx, runID, t, d.failureState(ctx), created.HTTPStatus,
				NewConflictError("resource exists but could not be resolved", err).WithResource(spec.ID), logger)
			return
		}
		d.succeed(ctx, runID, t, record, id, logger)

	case CreationAccepted:
		logger.Info("Creation accepted, polling for completion")
		d.publishEvent(ctx, runID, spec.ID, EventTypeResourceAccepted, "info",
			fmt.Sprintf("Creation of %q accepted", spec.DisplayName))
		polled := d.deps.Poller.Await(ctx, created.Handle)
		if polled.HTTPStatus != 0 {
			t.outcome.LastHTTPStatus = polled.HTTPStatus
		}
		switch polled.State {
		case StateSucceeded:
			d.succeed(ctx, runID, t, record, polled.ResolvedID, logger)
		case StateTimedOut:
			d.fail(ctx, runID, t, StateTimedOut, t.outcome.LastHTTPStatus, pollError(polled, spec), logger)
		case StateCancelled:
			d.fail(ctx, runID, t, StateCancelled, t.outcome.LastHTTPStatus, pollError(polled, spec), logger)
		default:
			d.fail(ctx, runID, t, StateFailed, t.outcome.LastHTTPStatus, pollError(polled, spec), logger)
		}

	default:
		err := created.Err
		if err == nil {
			err = NewPermanentError("creation failed", nil)
		}
		d.fail(ctx, runID, t, d.failureState(ctx), created.HTTPStatus, err, logger)
	}
}

// failureState returns cancelled when the run context has ended, failed otherwise.
func (d *Driver) failureState(ctx context.Context) RecordState {
	if ctx.Err() != nil {
		return StateCancelled
	}
	return StateFailed
}

// succeed writes the terminal success record and updates the outcome.
func (d *Driver) succeed(ctx context.Context, runID string, t *task, record *ProvisioningRecord, resolvedID string, logger *telemetry.Logger) {
	if resolvedID == "" {
		d.fail(ctx, runID, t, StateFailed, t.outcome.LastHTTPStatus,
			NewPermanentError("creation reported success without an identifier", nil).
				WithCode(ErrCodeNotFound).WithResource(t.spec.ID), logger)
		return
	}

	completed := d.now()
	record.State = StateSucceeded
	record.ResolvedID = resolvedID
	record.LastHTTPStatus = t.outcome.LastHTTPStatus
	record.CompletedAtUTC = &completed
	record.Error = nil

	if !d.opts.DryRun {
		// Terminal records survive cancellation of the run.
		if err := d.deps.Store.Put(context.WithoutCancel(ctx), record); err != nil {
			d.fail(ctx, runID, t, StateFailed, t.outcome.LastHTTPStatus,
				storeError("failed to write success record", t.spec, err), logger)
			return
		}
	}

	t.outcome.State = StateSucceeded
	t.outcome.ResolvedID = resolvedID
	logger.WithField("resolved_id", resolvedID).Info("Resource provisioned")
	d.publishEvent(ctx, runID, t.spec.ID, EventTypeResourceSucceeded, "info",
		fmt.Sprintf("Provisioned %s %q (%s)", t.spec.Kind, t.spec.DisplayName, resolvedID))
}

// fail records a terminal non-success state for the resource.
func (d *Driver) fail(ctx context.Context, runID string, t *task, state RecordState, httpStatus int, err error, logger *telemetry.Logger) {
	t.outcome.State = state
	t.outcome.Error = ToRecordError(err)
	if httpStatus != 0 {
		t.outcome.LastHTTPStatus = httpStatus
	}

	if t.pending != nil {
		completed := d.now()
		record := *t.pending
		record.State = state
		record.ResolvedID = ""
		record.LastHTTPStatus = t.outcome.LastHTTPStatus
		record.CompletedAtUTC = &completed
		record.Error = t.outcome.Error
		if putErr := d.deps.Store.Put(context.WithoutCancel(ctx), &record); putErr != nil {
			logger.WithError(putErr).Error("Failed to write terminal record")
		}
	}

	eventType := EventTypeResourceFailed
	if state == StateCancelled {
		eventType = EventTypeResourceCancelled
	}
	logger.WithError(err).Warnf("Resource ended %s", state)
	d.publishEvent(ctx, runID, t.spec.ID, eventType, "error",
		fmt.Sprintf("%s %q ended %s: %v", t.spec.Kind, t.spec.DisplayName, state, err))
}

// markSkipped marks a task whose parent did not succeed. No record is written.
func (d *Driver) markSkipped(ctx context.Context, runID string, t *task, reason string, logger *telemetry.Logger) {
	t.outcome.State = StateSkipped
	t.outcome.Error = ToRecordError(NewDependencyError(reason, nil).WithResource(t.spec.ID))
	logger.Warn(reason)
	d.publishEvent(ctx, runID, t.spec.ID, EventTypeResourceSkipped, "warning", reason)
}

// markCancelled marks a task that never started because the run ended.
func (d *Driver) markCancelled(ctx context.Context, runID string, t *task, reason string, logger *telemetry.Logger) {
	t.outcome.State = StateCancelled
	t.outcome.Error = ToRecordError(NewCancelledError(reason, ctx.Err()).WithResource(t.spec.ID))
	logger.Debug(reason)
	d.publishEvent(ctx, runID, t.spec.ID, EventTypeResourceCancelled, "warning", reason)
}

func (d *Driver) parentKey(t *task) string {
	if t.parent == nil {
		return ""
	}
	return t.parent.spec.IdempotencyKey
}

// buildSummary aggregates task outcomes into the run summary.
func (d *Driver) buildSummary(
	ctx context.Context,
	runID string,
	startedAt time.Time,
	graph *ResourceGraph,
	tasks map[string]*task,
	fatal error,
) *RunSummary {
	completedAt := d.now()
	summary := &RunSummary{
		RunID:        runID,
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
		DurationMS:   completedAt.Sub(startedAt).Milliseconds(),
		DryRun:       d.opts.DryRun,
		Forced:       d.opts.Force,
		Counts:       make(map[RecordState]int),
		Resources:    make([]ResourceOutcome, 0, len(tasks)),
		Forest:       graph.Forest(),
		CatalogPath:  d.opts.CatalogPath,
		ResourceRefs: make(map[string]string),
	}

	requiredFailed := false
	anyFailed := false
	anyCancelled := false
	for _, id := range graph.Order() {
		outcome := tasks[id].outcome
		summary.Resources = append(summary.Resources, outcome)
		summary.Counts[outcome.State]++
		if outcome.ResolvedID != "" {
			summary.ResourceRefs[id] = outcome.ResolvedID
		}
		if outcome.State == StateSucceeded {
			continue
		}
		anyFailed = true
		if outcome.State == StateCancelled {
			anyCancelled = true
		}
		if outcome.Required {
			requiredFailed = true
		}
	}

	switch {
	case fatal != nil:
		summary.Status = RunStatusFailed
		summary.Error = fatal.Error()
	case anyCancelled && ctx.Err() != nil:
		summary.Status = RunStatusCancelled
		summary.Error = ctx.Err().Error()
	case requiredFailed:
		summary.Status = RunStatusFailed
	case anyFailed:
		summary.Status = RunStatusPartial
	default:
		summary.Status = RunStatusSucceeded
	}

	return summary
}

// publishEvent publishes a run event. Publishing failures never affect the run.
func (d *Driver) publishEvent(ctx context.Context, runID, resourceID string, eventType EventType, level, message string) {
	if d.deps.Events == nil {
		return
	}

	event := &Event{
		ID:         uuid.New().String(),
		RunID:      runID,
		ResourceID: resourceID,
		Type:       eventType,
		Level:      level,
		Message:    message,
		Timestamp:  d.now(),
	}

	if err := d.deps.Events.Publish(context.WithoutCancel(ctx), event); err != nil {
		d.logger.WithError(err).Debug("Failed to publish event")
	}
}

func storeError(message string, spec *ResourceSpec, err error) error {
	return NewPermanentError(message, err).WithCode(ErrCodeStore).WithResource(spec.ID)
}

func pollError(polled PollOutcome, spec *ResourceSpec) error {
	if polled.Err != nil {
		return polled.Err
	}
	reason := polled.Reason
	if reason == "" {
		reason = fmt.Sprintf("operation ended %s", polled.State)
	}
	switch polled.State {
	case StateTimedOut:
		return NewTimeoutError(reason, nil).WithResource(spec.ID)
	case StateCancelled:
		return NewCancelledError(reason, nil).WithResource(spec.ID)
	default:
		return NewServerError(reason, nil).WithCode(ErrCodeOperationFailed).WithResource(spec.ID)
	}
}

func levelFor(status RunStatus) string {
	switch status {
	case RunStatusSucceeded:
		return "info"
	case RunStatusPartial:
		return "warning"
	default:
		return "error"
	}
}
