package party

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Reader abstracts repository operations for the directory.
type Reader interface {
	GetByID(ctx context.Context, id string) (Party, error)
}

// Directory answers identity questions about providers and participants.
type Directory struct {
	repo Reader
}

// NewDirectory builds a Directory using the provided repository.
func NewDirectory(repo Reader) *Directory {
	return &Directory{repo: repo}
}

// Lookup returns the party for the given identifier.
func (d *Directory) Lookup(ctx context.Context, id string) (Party, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Party{}, ErrNotFound
	}
	return d.repo.GetByID(ctx, id)
}

// Require returns the party for id and checks it holds role.
func (d *Directory) Require(ctx context.Context, id string, role Role) (Party, error) {
	p, err := d.Lookup(ctx, id)
	if err != nil {
		return Party{}, err
	}
	if p.Role != role {
		return Party{}, fmt.Errorf("party: %s is a %s, not a %s: %w", id, p.Role, role, ErrRoleMismatch)
	}
	return p, nil
}
