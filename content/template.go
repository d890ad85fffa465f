package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTemplateNotFound signals no template exists for the identifier.
var ErrTemplateNotFound = errors.New("content: template not found")

// LibraryTemplate is a provider-authored reusable agreement document.
type LibraryTemplate struct {
	ID         string
	ProviderID string
	Name       string
	FileURL    string
	FileName   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TemplateRepository reads the provider template library.
type TemplateRepository struct {
	pool *pgxpool.Pool
}

// NewTemplateRepository wires a pgxpool-backed template library.
func NewTemplateRepository(pool *pgxpool.Pool) *TemplateRepository {
	return &TemplateRepository{pool: pool}
}

const templateColumns = `id::text, provider_id::text, name, file_url, file_name, created_at, updated_at`

// GetTemplate fetches a template by id.
func (r *TemplateRepository) GetTemplate(ctx context.Context, id string) (LibraryTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM agreement_templates WHERE id = $1`

	tpl, err := scanTemplate(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LibraryTemplate{}, ErrTemplateNotFound
		}
		return LibraryTemplate{}, fmt.Errorf("content: get template: %w", err)
	}
	return tpl, nil
}

// ListByProvider returns the templates owned by providerID, newest first.
func (r *TemplateRepository) ListByProvider(ctx context.Context, providerID string) ([]LibraryTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM agreement_templates WHERE provider_id = $1 ORDER BY updated_at DESC`

	rows, err := r.pool.Query(ctx, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("content: list templates: %w", err)
	}
	defer rows.Close()

	out := make([]LibraryTemplate, 0, 8)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("content: scan template: %w", err)
		}
		out = append(out, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("content: iterate templates: %w", err)
	}
	return out, nil
}

func scanTemplate(row pgx.Row) (LibraryTemplate, error) {
	var tpl LibraryTemplate
	err := row.Scan(
		&tpl.ID,
		&tpl.ProviderID,
		&tpl.Name,
		&tpl.FileURL,
		&tpl.FileName,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	return tpl, err
}
