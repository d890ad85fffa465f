package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer wraps a throwaway Postgres. A zero value stands for an externally
// managed database and terminates as a no-op.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres starts a Postgres 16 container and returns its DSN. When
// overrideDSN or STRESS_TEST_PG_DSN is set no container is started.
func StartPostgres(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("agreementflow"),
		postgres.WithUsername("agreementflow"),
		postgres.WithPassword("agreementflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
