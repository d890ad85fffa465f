package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested party does not exist.
	ErrNotFound = errors.New("party: not found")
	// ErrRoleMismatch signals the party exists but holds the other role.
	ErrRoleMismatch = errors.New("party: role mismatch")
)

// Repository provides read access to party profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a party by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Party, error) {
	const query = `
		SELECT id::text, role, display_name, email, created_at
		FROM parties
		WHERE id = $1
	`

	var p Party
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Role,
		&p.DisplayName,
		&p.Email,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("party: query by id: %w", err)
	}

	return p, nil
}
