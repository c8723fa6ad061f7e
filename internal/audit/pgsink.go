package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mvm-project/mvm/internal/domain"
)

// PostgresSink durably replicates audit events to a Postgres table, for
// deployments that want audit history to outlive the per-tenant log file
// (e.g. fleet-wide querying across tenants). Optional: cmd/agent only
// constructs it when its config sets audit.postgres_dsn.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and ensures the audit_events table
// exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "connect audit postgres sink")
	}
	const ddl = `CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		pool_id TEXT,
		instance_id TEXT,
		fields JSONB
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, domain.WrapError(domain.KindInternal, err, "create audit_events table")
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Write(ev Event) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (id, ts, kind, tenant_id, pool_id, instance_id, fields) VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Timestamp, ev.Kind, ev.TenantID, ev.PoolID, ev.InstanceID, fields)
	return err
}

func (s *PostgresSink) Close() { s.pool.Close() }
