// Package aggregation runs the fetch, map and reconcile pipeline for one job.
package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"idmirror/internal/domain"
	"idmirror/internal/mapper"
	"idmirror/internal/observability"
	"idmirror/internal/reconcile"
)

// IdentitySource fetches raw identity-provider records.
type IdentitySource interface {
	SAMLConnections(ctx context.Context) ([]json.RawMessage, error)
	OIDCClients(ctx context.Context) ([]json.RawMessage, error)
	OIDCPolicies(ctx context.Context) ([]json.RawMessage, error)
	DefaultPolicyID() string
}

// ITSMSource fetches raw service-management records.
type ITSMSource interface {
	Applications(ctx context.Context) ([]json.RawMessage, error)
	Users(ctx context.Context) ([]json.RawMessage, error)
}

// ErrSourceNotConfigured is returned when a job needs an upstream that was
// not wired.
var ErrSourceNotConfigured = errors.New("upstream source not configured")

// Config wires a Service.
type Config struct {
	Identity IdentitySource
	ITSM     ITSMSource
	Engine   *reconcile.Engine
	Metrics  *observability.Metrics
	Logger   observability.Logger

	// DefaultIssuanceCriteria fills legacy records whose SAML side carries
	// no criteria.
	DefaultIssuanceCriteria string
}

// Service executes aggregate and purge jobs.
type Service struct {
	identity        IdentitySource
	itsm            ITSMSource
	engine          *reconcile.Engine
	metrics         *observability.Metrics
	logger          observability.Logger
	defaultCriteria string
}

// NewService returns a Service for cfg.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	return &Service{
		identity:        cfg.Identity,
		itsm:            cfg.ITSM,
		engine:          cfg.Engine,
		metrics:         cfg.Metrics,
		logger:          logger.WithComponent("aggregation"),
		defaultCriteria: cfg.DefaultIssuanceCriteria,
	}
}

// Run executes job. A fetch failure aborts before anything is written.
func (s *Service) Run(ctx context.Context, job domain.Job) (domain.ReconcileResult, error) {
	switch job.Operation {
	case domain.OperationPurge:
		n, err := s.engine.Purge(ctx, job.Category)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		res := domain.ReconcileResult{Category: job.Category, Deleted: n}
		s.metrics.RecordReconcile(string(job.Category), 0, 0, n, 0)
		return res, nil
	case domain.OperationAggregate:
	default:
		return domain.ReconcileResult{}, fmt.Errorf("unsupported operation %q", job.Operation)
	}

	res, err := s.aggregate(ctx, job.Category)
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	s.metrics.RecordReconcile(string(job.Category), res.Inserted, res.Updated, res.Deleted, res.Skipped)
	return res, nil
}

func (s *Service) aggregate(ctx context.Context, category domain.Category) (domain.ReconcileResult, error) {
	switch category {
	case domain.CategorySAML:
		conns, skipped, err := s.saml(ctx)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		res, err := s.engine.ReconcileConnections(ctx, domain.ConnectionKindSAML, conns)
		return finish(res, err, skipped)

	case domain.CategoryOIDC:
		conns, skipped, err := s.oidc(ctx)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		res, err := s.engine.ReconcileConnections(ctx, domain.ConnectionKindOIDC, conns)
		return finish(res, err, skipped)

	case domain.CategoryLegacy:
		conns, skipped, err := s.legacy(ctx)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		res, err := s.engine.ReconcileConnections(ctx, domain.ConnectionKindLegacy, conns)
		return finish(res, err, skipped)

	case domain.CategoryApplications:
		if s.itsm == nil {
			return domain.ReconcileResult{}, fmt.Errorf("applications: %w", ErrSourceNotConfigured)
		}
		raws, err := s.itsm.Applications(ctx)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		apps, skipped := mapAll(ctx, s.logger, raws, mapper.MapApplication)
		res, err := s.engine.ReconcileApplications(ctx, apps)
		return finish(res, err, skipped)

	case domain.CategoryUsers:
		if s.itsm == nil {
			return domain.ReconcileResult{}, fmt.Errorf("users: %w", ErrSourceNotConfigured)
		}
		raws, err := s.itsm.Users(ctx)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		users, skipped := mapAll(ctx, s.logger, raws, mapper.MapUser)
		res, err := s.engine.ReconcileUsers(ctx, users)
		return finish(res, err, skipped)
	}
	return domain.ReconcileResult{}, &domain.ValidationError{Field: "category", Reason: "unknown category \"" + string(category) + "\"", ErrCode: domain.CodeUnknownCategory}
}

func (s *Service) saml(ctx context.Context) ([]domain.Connection, int, error) {
	if s.identity == nil {
		return nil, 0, fmt.Errorf("saml: %w", ErrSourceNotConfigured)
	}
	raws, err := s.identity.SAMLConnections(ctx)
	if err != nil {
		return nil, 0, err
	}
	conns, skipped := mapAll(ctx, s.logger, raws, mapper.MapSAML)
	return conns, skipped, nil
}

func (s *Service) oidc(ctx context.Context) ([]domain.Connection, int, error) {
	if s.identity == nil {
		return nil, 0, fmt.Errorf("oidc: %w", ErrSourceNotConfigured)
	}
	var policies, clients []json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		policies, err = s.identity.OIDCPolicies(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		clients, err = s.identity.OIDCClients(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return s.mapOIDC(ctx, policies, clients)
}

func (s *Service) mapOIDC(ctx context.Context, policies, clients []json.RawMessage) ([]domain.Connection, int, error) {
	index, errs := mapper.IndexPolicies(policies)
	for _, err := range errs {
		s.logger.WarnContext(ctx, "skipping oidc policy", "error", err)
	}
	defaultPolicy := s.identity.DefaultPolicyID()
	conns, skipped := mapAll(ctx, s.logger, clients, func(raw json.RawMessage) (domain.Connection, error) {
		return mapper.MapOIDC(raw, index, defaultPolicy)
	})
	return conns, skipped, nil
}

// legacy fetches both identity sides concurrently, then merges them.
func (s *Service) legacy(ctx context.Context) ([]domain.Connection, int, error) {
	if s.identity == nil {
		return nil, 0, fmt.Errorf("legacy: %w", ErrSourceNotConfigured)
	}
	var samlRaw, policies, clients []json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		samlRaw, err = s.identity.SAMLConnections(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		policies, err = s.identity.OIDCPolicies(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		clients, err = s.identity.OIDCClients(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	saml, samlSkipped := mapAll(ctx, s.logger, samlRaw, mapper.MapSAML)
	oidc, oidcSkipped, err := s.mapOIDC(ctx, policies, clients)
	if err != nil {
		return nil, 0, err
	}
	merged, errs := mapper.MergeLegacy(saml, oidc, s.defaultCriteria)
	for _, err := range errs {
		s.logger.WarnContext(ctx, "skipping legacy record", "error", err)
	}
	return merged, samlSkipped + oidcSkipped + len(errs), nil
}

// mapAll maps every raw record, logging and counting the ones that fail.
func mapAll[T any](ctx context.Context, logger observability.Logger, raws []json.RawMessage, fn func(json.RawMessage) (T, error)) ([]T, int) {
	out := make([]T, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		v, err := fn(raw)
		if err != nil {
			logger.WarnContext(ctx, "skipping record", "error", err, "code", domain.CodeOf(err))
			skipped++
			continue
		}
		out = append(out, v)
	}
	return out, skipped
}

// finish folds records dropped during mapping into the pass counters.
func finish(res domain.ReconcileResult, err error, skipped int) (domain.ReconcileResult, error) {
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	res.Skipped += skipped
	res.Fetched += skipped
	return res, nil
}
