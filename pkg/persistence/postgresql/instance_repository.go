package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// InstanceRepository stores workflow instances as JSONB documents with the
// status lifted into a column for the reconciler's listing path.
type InstanceRepository struct {
	db *sql.DB
}

func (r *InstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	document, err := json.Marshal(instance)
	if err != nil {
		return persistence.NewStoreError("Save", "instance", instance.ID, err)
	}

	query := `
		INSERT INTO workflow_instances (id, definition_id, status, document, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = $3, document = $4, updated_at = $5
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID, instance.DefinitionID, string(instance.Status), document, instance.UpdatedAt)
	if err != nil {
		return persistence.NewStoreError("Save", "instance", instance.ID, err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx,
		"SELECT document FROM workflow_instances WHERE id = $1", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("GetByID", "instance", id, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "instance", id, err)
	}

	var instance models.WorkflowInstance
	if err := json.Unmarshal(document, &instance); err != nil {
		return nil, persistence.NewStoreError("GetByID", "instance", id, err)
	}

	return &instance, nil
}

func (r *InstanceRepository) ListByStatus(ctx context.Context, status models.InstanceStatus) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT document FROM workflow_instances WHERE status = $1 ORDER BY updated_at", string(status))
	if err != nil {
		return nil, persistence.NewStoreError("ListByStatus", "instance", "", err)
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, persistence.NewStoreError("ListByStatus", "instance", "", err)
		}

		var instance models.WorkflowInstance
		if err := json.Unmarshal(document, &instance); err != nil {
			return nil, persistence.NewStoreError("ListByStatus", "instance", "", err)
		}

		instances = append(instances, &instance)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ListByStatus", "instance", "", err)
	}

	return instances, nil
}
