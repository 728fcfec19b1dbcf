package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// DefinitionRepository stores workflow definitions as JSONB documents.
type DefinitionRepository struct {
	db *sql.DB
}

func (r *DefinitionRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	document, err := json.Marshal(def)
	if err != nil {
		return persistence.NewStoreError("Save", "definition", def.ID, err)
	}

	query := `
		INSERT INTO workflow_definitions (id, version, document, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET version = $2, document = $3
	`

	_, err = r.db.ExecContext(ctx, query, def.ID, def.Version, document, def.CreatedAt)
	if err != nil {
		return persistence.NewStoreError("Save", "definition", def.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx,
		"SELECT document FROM workflow_definitions WHERE id = $1", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("GetByID", "definition", id, persistence.ErrDefinitionNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "definition", id, err)
	}

	var def models.WorkflowDefinition
	if err := json.Unmarshal(document, &def); err != nil {
		return nil, persistence.NewStoreError("GetByID", "definition", id, err)
	}

	return &def, nil
}

func (r *DefinitionRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT document FROM workflow_definitions ORDER BY created_at")
	if err != nil {
		return nil, persistence.NewStoreError("List", "definition", "", err)
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, persistence.NewStoreError("List", "definition", "", err)
		}

		var def models.WorkflowDefinition
		if err := json.Unmarshal(document, &def); err != nil {
			return nil, persistence.NewStoreError("List", "definition", "", err)
		}

		defs = append(defs, &def)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("List", "definition", "", err)
	}

	return defs, nil
}
