// Package query serves paged list and search reads over the mirror.
package query

import (
	"context"

	"idmirror/internal/domain"
	"idmirror/internal/storage"
	"idmirror/internal/validation"
)

// ReadGate rejects reads of a category that is being rewritten.
type ReadGate interface {
	CheckRead(category domain.Category) error
}

// Service answers list and search requests.
type Service struct {
	gate   ReadGate
	store  storage.Store
	limits validation.Limits
}

// NewService returns a Service reading from store.
func NewService(gate ReadGate, store storage.Store, limits validation.Limits) *Service {
	return &Service{gate: gate, store: store, limits: limits}
}

// List returns one page of category ordered by stable key. A zero page
// number or size takes the default.
func (s *Service) List(ctx context.Context, category domain.Category, pageNumber, pageSize int) (domain.PageResult, error) {
	if err := s.gate.CheckRead(category); err != nil {
		return domain.PageResult{}, err
	}
	page, err := validation.Page(pageNumber, pageSize, s.limits)
	if err != nil {
		return domain.PageResult{}, err
	}
	return s.fetch(ctx, category, "", page)
}

// Search returns one page of records of category whose searchable fields
// contain criteria, ignoring case.
func (s *Service) Search(ctx context.Context, category domain.Category, criteria string, pageNumber, pageSize int) (domain.PageResult, error) {
	if err := s.gate.CheckRead(category); err != nil {
		return domain.PageResult{}, err
	}
	c, err := validation.Criteria(criteria)
	if err != nil {
		return domain.PageResult{}, err
	}
	page, err := validation.Page(pageNumber, pageSize, s.limits)
	if err != nil {
		return domain.PageResult{}, err
	}
	return s.fetch(ctx, category, c, page)
}

func (s *Service) fetch(ctx context.Context, category domain.Category, criteria string, page domain.PageRequest) (domain.PageResult, error) {
	q := storage.Query{Criteria: criteria, Offset: page.Offset(), Limit: page.PageSize}
	res := domain.PageResult{Category: category, PageNumber: page.PageNumber, PageSize: page.PageSize}

	var err error
	switch category {
	case domain.CategoryApplications:
		var items []domain.Application
		items, res.Total, err = s.store.QueryApplications(ctx, q)
		res.Items = nonNil(items)
	case domain.CategoryUsers:
		var items []domain.User
		items, res.Total, err = s.store.QueryUsers(ctx, q)
		res.Items = nonNil(items)
	default:
		kind, ok := category.ConnectionKind()
		if !ok {
			return domain.PageResult{}, &domain.ValidationError{Field: "category", Reason: "unknown category \"" + string(category) + "\"", ErrCode: domain.CodeUnknownCategory}
		}
		var items []domain.Connection
		items, res.Total, err = s.store.QueryConnections(ctx, kind, q)
		for i := range items {
			items[i].Claims = nonNil(items[i].Claims)
		}
		res.Items = nonNil(items)
	}
	if err != nil {
		return domain.PageResult{}, &domain.PersistenceError{Op: "query " + string(category), Err: err}
	}
	return res, nil
}

// nonNil keeps empty pages encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
