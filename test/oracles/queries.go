package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must yield no rows at any point in time.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_signature_iff_flag",
			SQL: `SELECT id FROM agreements
                  WHERE provider_signed <> (provider_signature IS NOT NULL)
                     OR participant_signed <> (participant_signature IS NOT NULL)`,
		},
		{
			Name: "O2_active_requires_both_signed",
			SQL: `SELECT id, status FROM agreements
                  WHERE status IN ('active','completed')
                    AND NOT (provider_signed AND participant_signed)`,
		},
		{
			Name: "O3_timeline_seq_follows_version",
			SQL: `SELECT a.id, a.version, COUNT(e.id), MAX(e.seq) FROM agreements a
                  LEFT JOIN timeline_events e ON e.agreement_id = a.id
                  GROUP BY a.id, a.version
                  HAVING COUNT(e.id) <> a.version OR MAX(e.seq) <> a.version OR MIN(e.seq) <> 1`,
		},
		{
			Name: "O4_activation_after_both_signatures",
			SQL: `SELECT e.agreement_id, e.seq FROM timeline_events e
                  WHERE e.type = 'AGREEMENT_STATUS_CHANGED'
                    AND e.payload->>'next_status' = 'active'
                    AND (SELECT COUNT(*) FROM timeline_events s
                         WHERE s.agreement_id = e.agreement_id
                           AND s.type = 'AGREEMENT_SIGNED'
                           AND s.seq < e.seq) <> 2`,
		},
		{
			Name: "O5_outbox_per_timeline_event",
			SQL: `SELECT e.agreement_id FROM timeline_events e
                  GROUP BY e.agreement_id
                  HAVING COUNT(*) > (SELECT COUNT(*) FROM outbox o
                                     WHERE o.payload->>'agreement_id' = e.agreement_id::text)`,
		},
		{
			Name: "O6_guard_triggers_present",
			SQL: `SELECT t.name AS missing FROM (VALUES ('no_delete_signed_agreements'), ('guard_agreement_update'),
                      ('timeline_events_no_update')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
