package repository

import (
	"context"

	"mfa-auth-engine/internal/policy/domain"
)

// Repository is a source of policy definitions. The engine file is one source; the policies
// table is another.
type Repository interface {
	ListEnabled(ctx context.Context) ([]domain.Definition, error)
}

// Static serves a fixed definition list, typically parsed from the engine file.
type Static []domain.Definition

// ListEnabled returns the enabled definitions.
func (s Static) ListEnabled(ctx context.Context) ([]domain.Definition, error) {
	out := make([]domain.Definition, 0, len(s))
	for _, d := range s {
		if d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out, nil
}

// Multi concatenates the definitions of several sources, in order. Any source error fails the
// whole listing so a partial policy set is never loaded.
type Multi []Repository

// ListEnabled returns the enabled definitions of every source.
func (m Multi) ListEnabled(ctx context.Context) ([]domain.Definition, error) {
	var out []domain.Definition
	for _, src := range m {
		defs, err := src.ListEnabled(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}
