package failover

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PGReplicaManager implements ReplicaManager against a postgres streaming
// replica. The connection must point at the replica itself.
type PGReplicaManager struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPGReplicaManager wraps an open replica connection.
func NewPGReplicaManager(db *sql.DB, logger *zap.Logger) *PGReplicaManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGReplicaManager{db: db, logger: logger}
}

// ReplicationLag reads how far the replica trails the primary. A replica
// with no replayed transactions yet reports an error rather than zero lag.
func (m *PGReplicaManager) ReplicationLag(ctx context.Context) (time.Duration, error) {
	var seconds sql.NullFloat64
	row := m.db.QueryRowContext(ctx,
		`SELECT EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp()))`)
	if err := row.Scan(&seconds); err != nil {
		return 0, fmt.Errorf("read replication lag: %w", err)
	}
	if !seconds.Valid {
		return 0, fmt.Errorf("replica has not replayed any transactions")
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}

// Promote ends recovery on the replica, making it the new primary.
func (m *PGReplicaManager) Promote(ctx context.Context) error {
	var promoted bool
	row := m.db.QueryRowContext(ctx, `SELECT pg_promote(wait => true)`)
	if err := row.Scan(&promoted); err != nil {
		return fmt.Errorf("promote replica: %w", err)
	}
	if !promoted {
		return fmt.Errorf("pg_promote returned false")
	}
	m.logger.Info("postgres replica promoted to primary")
	return nil
}
