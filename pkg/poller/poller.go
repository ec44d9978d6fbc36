// Package poller drives deferred creations to a terminal state. A handle is
// checked on a fixed interval until the operation reports completion and the
// created resource appears in its listing, or until the attempt and time
// budgets are spent.
package poller

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/telemetry"
	"github.com/openfroyo/fabprov/pkg/transport"
)

// Config bounds polling.
type Config struct {
	Interval    time.Duration
	MaxAttempts int

	// MaxWait caps the whole wait, status checks included. Zero means
	// MaxAttempts * Interval.
	MaxWait time.Duration
}

// DefaultConfig returns 60 attempts every 5 seconds. The wait is capped at
// their product.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		MaxAttempts: 60,
	}
}

// Sender issues single-shot status requests.
type Sender interface {
	Send(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Resolver finds a resource through a listing query.
type Resolver interface {
	ProbeListed(ctx context.Context, q *engine.ListingQuery) (string, bool, error)
}

// Poller implements engine.Poller.
type Poller struct {
	sender   Sender
	resolver Resolver
	cfg      Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewPoller creates a poller. Zero config fields take their defaults.
func NewPoller(sender Sender, resolver Resolver, cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) *Poller {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Duration(cfg.MaxAttempts) * cfg.Interval
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Poller{
		sender:   sender,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.NewComponentLogger("poller"),
		metrics:  metrics,
	}
}

type phase int

const (
	phaseOperation phase = iota
	phaseListing
)

// tickResult is what one check decided.
type tickResult struct {
	done      bool
	completed bool
	state     engine.RecordState
	id        string
	status    int
	reason    string
	err       error
}

// Await polls handle until it reaches a terminal state.
func (p *Poller) Await(ctx context.Context, handle *engine.OperationHandle) engine.PollOutcome {
	start := time.Now()
	out := p.await(ctx, handle)
	out.Elapsed = time.Since(start)
	p.metrics.RecordPollOutcome(string(out.State))
	return out
}

func (p *Poller) await(ctx context.Context, handle *engine.OperationHandle) engine.PollOutcome {
	if handle == nil || (handle.OperationURL == "" && handle.Listing == nil) {
		return engine.PollOutcome{
			State:  engine.StateFailed,
			Reason: "accepted response carried no operation handle",
			Err:    engine.NewPermanentError("accepted response carried no operation handle", nil).WithCode(engine.ErrCodeOperationFailed),
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxWait)
	defer cancel()

	ph := phaseListing
	if handle.OperationURL != "" {
		ph = phaseOperation
	}

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	var lastStatus int
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		select {
		case <-waitCtx.Done():
			return p.expired(ctx, attempt-1, lastStatus)
		case <-timer.C:
		}

		var res tickResult
		res, ph = p.boundedTick(waitCtx, handle, ph)
		if res.status != 0 {
			lastStatus = res.status
		}
		if res.done {
			return engine.PollOutcome{
				State:      res.state,
				ResolvedID: res.id,
				Attempts:   attempt,
				HTTPStatus: lastStatus,
				Reason:     res.reason,
				Err:        res.err,
			}
		}
		if waitCtx.Err() != nil {
			return p.expired(ctx, attempt, lastStatus)
		}

		p.logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"phase":   phaseName(ph),
			"reason":  res.reason,
		}).Debug("Operation still pending")
		timer.Reset(p.cfg.Interval)
	}

	return engine.PollOutcome{
		State:      engine.StateTimedOut,
		Attempts:   p.cfg.MaxAttempts,
		HTTPStatus: lastStatus,
		Reason:     fmt.Sprintf("not complete after %d attempts", p.cfg.MaxAttempts),
		Err:        engine.NewTimeoutError(fmt.Sprintf("operation not complete after %d attempts", p.cfg.MaxAttempts), nil),
	}
}

// expired reports cancellation when the caller's context ended and timeout
// when only the wait budget did.
func (p *Poller) expired(ctx context.Context, attempts, status int) engine.PollOutcome {
	if ctx.Err() != nil {
		return engine.PollOutcome{
			State:      engine.StateCancelled,
			Attempts:   attempts,
			HTTPStatus: status,
			Reason:     "run cancelled while polling",
			Err:        engine.NewCancelledError("run cancelled while polling", ctx.Err()),
		}
	}
	return engine.PollOutcome{
		State:      engine.StateTimedOut,
		Attempts:   attempts,
		HTTPStatus: status,
		Reason:     fmt.Sprintf("not complete within %s", p.cfg.MaxWait),
		Err:        engine.NewTimeoutError(fmt.Sprintf("operation not complete within %s", p.cfg.MaxWait), nil),
	}
}

// boundedTick runs one check but stops waiting for it once ctx ends, so a
// sender that ignores its context cannot stretch the wait budget.
func (p *Poller) boundedTick(ctx context.Context, handle *engine.OperationHandle, ph phase) (tickResult, phase) {
	type checked struct {
		res tickResult
		ph  phase
	}
	ch := make(chan checked, 1)
	go func() {
		res, next := p.tick(ctx, handle, ph)
		ch <- checked{res: res, ph: next}
	}()

	select {
	case c := <-ch:
		return c.res, c.ph
	case <-ctx.Done():
		return tickResult{reason: "context ended"}, ph
	}
}

// tick performs one check and returns the phase for the next one. A completed
// operation moves to the listing phase within the same tick.
func (p *Poller) tick(ctx context.Context, handle *engine.OperationHandle, ph phase) (tickResult, phase) {
	if ph == phaseOperation {
		res := p.checkOperation(ctx, handle)
		if res.done || !res.completed {
			p.metrics.RecordPollTick(tickLabel(res))
			return res, ph
		}
		if handle.Listing == nil {
			res = tickResult{
				done:   true,
				state:  engine.StateSucceeded,
				id:     res.id,
				status: res.status,
			}
			if res.id == "" {
				res.state = engine.StateFailed
				res.reason = "operation succeeded but the resource id could not be resolved"
				res.err = engine.NewPermanentError(res.reason, nil).WithCode(engine.ErrCodeOperationFailed)
			}
			p.metrics.RecordPollTick(tickLabel(res))
			return res, ph
		}
		ph = phaseListing
	}

	res := p.checkListing(ctx, handle.Listing)
	p.metrics.RecordPollTick(tickLabel(res))
	return res, ph
}

func (p *Poller) checkOperation(ctx context.Context, handle *engine.OperationHandle) tickResult {
	resp, err := p.sender.Send(ctx, &transport.Request{
		Method:  http.MethodGet,
		Path:    handle.OperationURL,
		NoRetry: true,
	})
	if err != nil {
		return p.sendError(ctx, err)
	}

	switch resp.Class {
	case transport.ClassSuccess:
		switch resp.OperationStatus {
		case "succeeded", "completed", "completedwithwarnings":
			return tickResult{completed: true, status: resp.StatusCode, id: resp.ResourceID}
		case "failed", "cancelled", "canceled":
			reason := resp.FailureReason
			if reason == "" {
				reason = "operation reported " + resp.OperationStatus
			}
			return tickResult{
				done:   true,
				state:  engine.StateFailed,
				status: resp.StatusCode,
				reason: reason,
				err:    engine.NewPermanentError(reason, nil).WithCode(engine.ErrCodeOperationFailed).WithStatus(resp.StatusCode),
			}
		default:
			return tickResult{status: resp.StatusCode, reason: "status " + orUnknown(resp.OperationStatus)}
		}
	case transport.ClassAccepted:
		return tickResult{status: resp.StatusCode, reason: "status accepted"}
	case transport.ClassServerError, transport.ClassNotFound:
		p.logger.WithField("status", resp.StatusCode).Debug("Transient error while polling operation")
		return tickResult{status: resp.StatusCode, reason: "transient " + string(resp.Class)}
	default:
		err := resp.Err("poll operation")
		return tickResult{done: true, state: engine.StateFailed, status: resp.StatusCode, reason: err.Error(), err: err}
	}
}

func (p *Poller) checkListing(ctx context.Context, q *engine.ListingQuery) tickResult {
	id, found, err := p.resolver.ProbeListed(ctx, q)
	if err != nil {
		if engine.IsServer(err) || engine.IsNotFound(err) {
			p.logger.WithError(err).Debug("Transient error while polling listing")
			return tickResult{reason: "transient listing error"}
		}
		return p.sendError(ctx, err)
	}
	if found {
		return tickResult{done: true, state: engine.StateSucceeded, id: id}
	}
	return tickResult{reason: "not yet listed"}
}

// sendError classifies an error returned instead of a response.
func (p *Poller) sendError(ctx context.Context, err error) tickResult {
	if ctx.Err() != nil {
		// The caller turns an ended context into cancelled or timed_out.
		return tickResult{reason: "context ended"}
	}
	return tickResult{done: true, state: engine.StateFailed, reason: err.Error(), err: err}
}

func tickLabel(res tickResult) string {
	if res.done {
		return string(res.state)
	}
	return "pending"
}

func phaseName(ph phase) string {
	if ph == phaseOperation {
		return "operation"
	}
	return "listing"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
