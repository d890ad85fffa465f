package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/content"
	"agreementflow/signature"
)

// Repository is the persistence boundary of the service. Methods taking a
// pgx.Tx run inside the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `id::text, agreement_number, provider_id::text, participant_id::text, service_id,
    content_kind, content, start_date, end_date, status,
    provider_signed, participant_signed, provider_signature, participant_signature,
    version, created_at, updated_at`

// Insert stores a new agreement. rec.Version is ignored; new rows start at 1.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	kind, body, err := content.Encode(rec.Content)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: insert: %w", err)
	}

	query := `
        INSERT INTO agreements (id, agreement_number, provider_id, participant_id, service_id,
            content_kind, content, start_date, end_date, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
        RETURNING ` + recordColumns

	row := tx.QueryRow(ctx, query,
		rec.ID,
		rec.Number,
		rec.ProviderID,
		rec.ParticipantID,
		rec.ServiceID,
		string(kind),
		body,
		rec.Dates.Start,
		rec.Dates.End,
		StatusPending.String(),
		rec.CreatedAt,
	)
	inserted, err := scanRecord(row)
	if err != nil {
		return Record{}, mapPgError("insert", err)
	}
	return inserted, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM agreements WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("agreement: get for update: %w", err)
	}
	return rec, nil
}

// Update writes the mutable columns of rec if the stored version still equals
// rec.Version, and returns the row with its version advanced by one.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	providerSig, err := encodeSignature(rec.ProviderSignature)
	if err != nil {
		return Record{}, err
	}
	participantSig, err := encodeSignature(rec.ParticipantSignature)
	if err != nil {
		return Record{}, err
	}

	query := `
        UPDATE agreements
        SET status = $3,
            start_date = $4,
            end_date = $5,
            provider_signed = $6,
            participant_signed = $7,
            provider_signature = $8,
            participant_signature = $9,
            version = version + 1,
            updated_at = $10
        WHERE id = $1 AND version = $2
        RETURNING ` + recordColumns

	row := tx.QueryRow(ctx, query,
		rec.ID,
		rec.Version,
		rec.Status.String(),
		rec.Dates.Start,
		rec.Dates.End,
		rec.ProviderSigned,
		rec.ParticipantSigned,
		providerSig,
		participantSig,
		rec.UpdatedAt,
	)
	updated, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrConcurrentUpdate
		}
		return Record{}, mapPgError("update", err)
	}
	return updated, nil
}

func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM agreements WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "P0001" {
			return fmt.Errorf("agreement: delete: %w: %s", ErrNotDeletable, pgErr.Message)
		}
		return fmt.Errorf("agreement: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}

	const q = `
INSERT INTO timeline_events (agreement_id, seq, type, actor_id, payload)
VALUES ($1, $2, $3, $4, $5::jsonb)
`
	if _, err := tx.Exec(ctx, q, ev.AgreementID, ev.Seq, ev.Type, ev.ActorID, body); err != nil {
		return mapPgError("insert timeline event", err)
	}
	return nil
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("agreement: enqueue outbox: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM agreements WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("agreement: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	filter = normalizeFilter(filter)

	where := []string{"1=1"}
	args := []any{}

	if filter.ProviderID != "" {
		where = append(where, fmt.Sprintf("provider_id=$%d", len(args)+1))
		args = append(args, filter.ProviderID)
	}
	if filter.ParticipantID != "" {
		where = append(where, fmt.Sprintf("participant_id=$%d", len(args)+1))
		args = append(args, filter.ParticipantID)
	}
	if filter.Status.Valid() {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filter.Status.String())
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	offset := (filter.Page - 1) * filter.PageSize

	query := fmt.Sprintf(`SELECT %s FROM agreements%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		recordColumns, whereClause, filter.PageSize, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("agreement: scan list: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: list rows: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM agreements"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count list: %w", err)
	}

	return records, total, nil
}

// NumberInUse reports whether any agreement already carries number.
func (r *PGRepository) NumberInUse(ctx context.Context, number string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agreements WHERE agreement_number = $1)`, number).Scan(&exists); err != nil {
		return false, fmt.Errorf("agreement: number lookup: %w", err)
	}
	return exists, nil
}

func normalizeFilter(f ListFilter) ListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec            Record
		kind           string
		body           []byte
		status         string
		providerSig    []byte
		participantSig []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Number,
		&rec.ProviderID,
		&rec.ParticipantID,
		&rec.ServiceID,
		&kind,
		&body,
		&rec.Dates.Start,
		&rec.Dates.End,
		&status,
		&rec.ProviderSigned,
		&rec.ParticipantSigned,
		&providerSig,
		&participantSig,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}

	var err error
	if rec.Status, err = ParseStatus(status); err != nil {
		return Record{}, err
	}
	if rec.Content, err = content.Decode(content.Kind(kind), body); err != nil {
		return Record{}, err
	}
	if rec.ProviderSignature, err = decodeSignature(providerSig); err != nil {
		return Record{}, err
	}
	if rec.ParticipantSignature, err = decodeSignature(participantSig); err != nil {
		return Record{}, err
	}
	rec.Dates.Start = rec.Dates.Start.UTC()
	rec.Dates.End = rec.Dates.End.UTC()
	return rec, nil
}

func encodeSignature(sig *signature.Record) (any, error) {
	if sig == nil {
		return nil, nil
	}
	body, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("agreement: marshal signature: %w", err)
	}
	return body, nil
}

func decodeSignature(body []byte) (*signature.Record, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var sig signature.Record
	if err := json.Unmarshal(body, &sig); err != nil {
		return nil, fmt.Errorf("agreement: decode signature: %w", err)
	}
	return &sig, nil
}

func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514", "P0001":
			return fmt.Errorf("agreement: %s: %w: %w", op, ErrConstraint, err)
		}
	}
	return fmt.Errorf("agreement: %s: %w", op, err)
}
