package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// EscalationRepository stores escalation tickets. The unique constraint on
// dedupe_key is what makes CreateIfAbsent exactly-once across processes.
type EscalationRepository struct {
	db *sql.DB
}

func (r *EscalationRepository) CreateIfAbsent(ctx context.Context, ticket *models.EscalationTicket) (bool, error) {
	document, err := json.Marshal(ticket)
	if err != nil {
		return false, persistence.NewStoreError("CreateIfAbsent", "escalation", ticket.ID, err)
	}

	query := `
		INSERT INTO escalation_tickets (id, dedupe_key, status, cooldown_until, document)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedupe_key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		ticket.ID, ticket.DedupeKey, string(ticket.Status), ticket.CooldownUntil, document)
	if err != nil {
		return false, persistence.NewStoreError("CreateIfAbsent", "escalation", ticket.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewStoreError("CreateIfAbsent", "escalation", ticket.ID, err)
	}

	return affected == 1, nil
}

func (r *EscalationRepository) GetByID(ctx context.Context, id string) (*models.EscalationTicket, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx,
		"SELECT document FROM escalation_tickets WHERE id = $1", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("GetByID", "escalation", id, persistence.ErrEscalationNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "escalation", id, err)
	}

	return decodeEscalation(document, id)
}

func (r *EscalationRepository) ListOpen(ctx context.Context) ([]*models.EscalationTicket, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT document FROM escalation_tickets WHERE status = $1",
		string(models.EscalationStatusOpen))
	if err != nil {
		return nil, persistence.NewStoreError("ListOpen", "escalation", "", err)
	}
	defer rows.Close()

	var tickets []*models.EscalationTicket

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, persistence.NewStoreError("ListOpen", "escalation", "", err)
		}

		ticket, err := decodeEscalation(document, "")
		if err != nil {
			return nil, err
		}

		tickets = append(tickets, ticket)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ListOpen", "escalation", "", err)
	}

	return tickets, nil
}

func (r *EscalationRepository) Close(ctx context.Context, id string, closedAt time.Time) error {
	query := `
		UPDATE escalation_tickets
		SET status = $2,
		    document = document || jsonb_build_object(
		        'status', $2::text,
		        'closed_at', $3::text
		    )
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		id, string(models.EscalationStatusClosed), closedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return persistence.NewStoreError("Close", "escalation", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Close", "escalation", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Close", "escalation", id, persistence.ErrEscalationNotFound)
	}

	return nil
}

func decodeEscalation(document []byte, id string) (*models.EscalationTicket, error) {
	var ticket models.EscalationTicket
	if err := json.Unmarshal(document, &ticket); err != nil {
		return nil, persistence.NewStoreError("Decode", "escalation", id, err)
	}

	return &ticket, nil
}
