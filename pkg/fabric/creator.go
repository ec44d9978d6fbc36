// Package fabric maps catalog resources onto control plane calls: one
// creation endpoint and one listing endpoint per kind.
package fabric

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/telemetry"
	"github.com/openfroyo/fabprov/pkg/transport"
)

// maxListPages bounds pagination of a single listing.
const maxListPages = 100

// Sender performs classified requests. transport.Client implements it.
type Sender interface {
	Send(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Creator creates and looks up resources.
type Creator struct {
	sender Sender
	logger *telemetry.Logger
}

// NewCreator returns a Creator that issues calls through sender.
func NewCreator(sender Sender, logger *telemetry.Logger) *Creator {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Creator{sender: sender, logger: logger.NewComponentLogger("fabric")}
}

// Create issues the creation call for spec.
func (c *Creator) Create(ctx context.Context, spec *engine.ResourceSpec, parentID string) engine.CreationOutcome {
	payload, err := spec.PayloadMap()
	if err != nil {
		return failed(err)
	}
	ep, err := endpointFor(spec, parentID, payload)
	if err != nil {
		return failed(err)
	}

	log := c.logger.WithResource(spec.ID, string(spec.Kind), spec.DisplayName)
	log.WithField("path", ep.createPath).Debug("Creating resource")

	resp, err := c.sender.Send(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   ep.createPath,
		Body:   requestBody(spec, payload),
	})
	if err != nil {
		return failed(err)
	}

	out := engine.CreationOutcome{HTTPStatus: resp.StatusCode, Attempts: resp.Attempts}
	switch {
	case resp.Class == transport.ClassSuccess:
		if resp.ResourceID != "" {
			out.Status = engine.CreationCreated
			out.ResolvedID = resp.ResourceID
			return out
		}
		log.Debug("Create response carried no id, resolving by listing")
		id, found, err := c.FindListed(ctx, ep.listing)
		switch {
		case err != nil:
			out.Status = engine.CreationFailed
			out.Err = err
		case !found:
			out.Status = engine.CreationFailed
			out.Err = engine.NewPermanentError("created resource not found in listing", nil).
				WithCode(engine.ErrCodeNotFound).
				WithResource(spec.ID)
		default:
			out.Status = engine.CreationCreated
			out.ResolvedID = id
		}
		return out

	case resp.Class == transport.ClassAccepted:
		out.Status = engine.CreationAccepted
		out.Handle = &engine.OperationHandle{
			OperationURL: resp.OperationURL,
			Listing:      ep.listing,
		}
		return out

	case resp.IsDuplicate():
		log.WithField("status", resp.StatusCode).Info("Resource already exists")
		out.Status = engine.CreationAlreadyExists
		return out

	default:
		out.Status = engine.CreationFailed
		out.Err = withResource(resp.Err(fmt.Sprintf("create %s", spec.Kind)), spec.ID)
		return out
	}
}

// Lookup finds an existing resource by listing its parent collection.
func (c *Creator) Lookup(ctx context.Context, spec *engine.ResourceSpec, parentID string) (string, error) {
	payload, err := spec.PayloadMap()
	if err != nil {
		return "", err
	}
	ep, err := endpointFor(spec, parentID, payload)
	if err != nil {
		return "", err
	}
	id, found, err := c.FindListed(ctx, ep.listing)
	if err != nil {
		return "", err
	}
	if !found {
		return "", engine.NewClientError(fmt.Sprintf("%s %q not found", spec.Kind, spec.DisplayName), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(spec.ID)
	}
	return id, nil
}

// FindListed walks the listing pages of q until a matching item is found.
func (c *Creator) FindListed(ctx context.Context, q *engine.ListingQuery) (string, bool, error) {
	return c.find(ctx, q, false)
}

// ProbeListed is FindListed with single-shot requests, for callers that
// drive their own retry loop.
func (c *Creator) ProbeListed(ctx context.Context, q *engine.ListingQuery) (string, bool, error) {
	return c.find(ctx, q, true)
}

func (c *Creator) find(ctx context.Context, q *engine.ListingQuery, noRetry bool) (string, bool, error) {
	if q == nil || q.URL == "" {
		return "", false, engine.NewPermanentError("listing query has no url", nil).WithCode(engine.ErrCodeValidation)
	}

	next := q.URL
	for page := 0; page < maxListPages && next != ""; page++ {
		resp, err := c.sender.Send(ctx, &transport.Request{
			Method:  http.MethodGet,
			Path:    next,
			NoRetry: noRetry,
		})
		if err != nil {
			return "", false, err
		}
		if resp.Class != transport.ClassSuccess {
			return "", false, resp.Err("list " + q.URL)
		}
		for _, item := range resp.Items {
			if q.Matches(item) {
				return item.ID, true, nil
			}
		}
		next = resp.ContinuationURI
	}
	return "", false, nil
}

func failed(err error) engine.CreationOutcome {
	return engine.CreationOutcome{Status: engine.CreationFailed, Err: err}
}

func withResource(err error, id string) error {
	if ee, ok := err.(*engine.EngineError); ok {
		return ee.WithResource(id)
	}
	return err
}
