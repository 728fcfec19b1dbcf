package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// LedgerRepository is the append-only audit event store. Each row holds the
// complete hashed event as JSONB, so replaying the chain re-verifies against
// exactly what was hashed at append time. There is no update or delete path.
type LedgerRepository struct {
	db *sql.DB
}

// Append inserts the event only if its seq extends the instance's chain by
// exactly one; anything else is a sequence conflict.
func (r *LedgerRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	document, err := json.Marshal(event)
	if err != nil {
		return persistence.NewStoreError("Append", "ledger", event.InstanceID, err)
	}

	query := `
		INSERT INTO audit_events (instance_id, seq, event)
		SELECT $1, $2, $3
		WHERE $2 = (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events WHERE instance_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM ledger_freezes WHERE instance_id = $1)
	`

	result, err := r.db.ExecContext(ctx, query, event.InstanceID, event.Seq, document)
	if err != nil {
		return persistence.NewStoreError("Append", "ledger", event.InstanceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Append", "ledger", event.InstanceID, err)
	}

	if affected == 0 {
		frozen, err := r.Frozen(ctx, event.InstanceID)
		if err != nil {
			return err
		}

		if frozen {
			return persistence.ErrLedgerFrozen
		}

		return persistence.NewStoreError("Append", "ledger", event.InstanceID, persistence.ErrSequenceConflict)
	}

	return nil
}

func (r *LedgerRepository) Events(ctx context.Context, instanceID string, fromSeq int64) ([]*models.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT event FROM audit_events WHERE instance_id = $1 AND seq >= $2 ORDER BY seq",
		instanceID, fromSeq)
	if err != nil {
		return nil, persistence.NewStoreError("Events", "ledger", instanceID, err)
	}
	defer rows.Close()

	var events []*models.AuditEvent

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, persistence.NewStoreError("Events", "ledger", instanceID, err)
		}

		var event models.AuditEvent
		if err := json.Unmarshal(document, &event); err != nil {
			return nil, persistence.NewStoreError("Events", "ledger", instanceID, err)
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("Events", "ledger", instanceID, err)
	}

	return events, nil
}

func (r *LedgerRepository) Last(ctx context.Context, instanceID string) (*models.AuditEvent, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx,
		"SELECT event FROM audit_events WHERE instance_id = $1 ORDER BY seq DESC LIMIT 1",
		instanceID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, persistence.NewStoreError("Last", "ledger", instanceID, err)
	}

	var event models.AuditEvent
	if err := json.Unmarshal(document, &event); err != nil {
		return nil, persistence.NewStoreError("Last", "ledger", instanceID, err)
	}

	return &event, nil
}

func (r *LedgerRepository) Freeze(ctx context.Context, instanceID string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO ledger_freezes (instance_id) VALUES ($1) ON CONFLICT (instance_id) DO NOTHING",
		instanceID)
	if err != nil {
		return persistence.NewStoreError("Freeze", "ledger", instanceID, err)
	}

	return nil
}

func (r *LedgerRepository) Unfreeze(ctx context.Context, instanceID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM ledger_freezes WHERE instance_id = $1", instanceID)
	if err != nil {
		return persistence.NewStoreError("Unfreeze", "ledger", instanceID, err)
	}

	return nil
}

func (r *LedgerRepository) Frozen(ctx context.Context, instanceID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_freezes WHERE instance_id = $1)",
		instanceID).Scan(&exists)
	if err != nil {
		return false, persistence.NewStoreError("Frozen", "ledger", instanceID, err)
	}

	return exists, nil
}
