package project

import "context"

// Service exposes read-only project operations.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the full project row. Callers that render output must go
// through ViewFor so description fields stay tier-gated.
func (s *Service) GetByID(ctx context.Context, id string) (Project, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit projects.
func (s *Service) List(ctx context.Context, limit int) ([]Project, error) {
	return s.repo.List(ctx, limit)
}
