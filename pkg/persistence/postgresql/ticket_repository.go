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

// TicketRepository stores review tickets. Resolve is a compare-and-swap on
// the status column, so concurrent resolvers (quorum vs timeout sweep) get
// exactly one winner.
type TicketRepository struct {
	db *sql.DB
}

func (r *TicketRepository) Save(ctx context.Context, ticket *models.ReviewTicket) error {
	document, err := json.Marshal(ticket)
	if err != nil {
		return persistence.NewStoreError("Save", "ticket", ticket.ID, err)
	}

	query := `
		INSERT INTO review_tickets (id, instance_id, status, deadline, document)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = $3, deadline = $4, document = $5
	`

	_, err = r.db.ExecContext(ctx, query,
		ticket.ID, ticket.InstanceID, string(ticket.Status), ticket.Deadline, document)
	if err != nil {
		return persistence.NewStoreError("Save", "ticket", ticket.ID, err)
	}

	return nil
}

func (r *TicketRepository) GetByID(ctx context.Context, id string) (*models.ReviewTicket, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx,
		"SELECT document FROM review_tickets WHERE id = $1", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("GetByID", "ticket", id, persistence.ErrTicketNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("GetByID", "ticket", id, err)
	}

	return decodeTicket(document, id)
}

func (r *TicketRepository) ListWaiting(ctx context.Context) ([]*models.ReviewTicket, error) {
	return r.list(ctx, "SELECT document FROM review_tickets WHERE status = $1 ORDER BY deadline",
		string(models.TicketStatusWaiting))
}

func (r *TicketRepository) ListExpired(ctx context.Context, now time.Time) ([]*models.ReviewTicket, error) {
	return r.list(ctx,
		"SELECT document FROM review_tickets WHERE status = $1 AND deadline < $2 ORDER BY deadline",
		string(models.TicketStatusWaiting), now)
}

// Resolve applies a terminal status only while the ticket is still waiting.
// Returns whether this call won the transition.
func (r *TicketRepository) Resolve(ctx context.Context, id string, status models.TicketStatus, reason string, resolvedAt time.Time) (bool, error) {
	query := `
		UPDATE review_tickets
		SET status = $2,
		    document = document || jsonb_build_object(
		        'status', $2::text,
		        'reason', $3::text,
		        'resolved_at', $4::text
		    )
		WHERE id = $1 AND status = 'waiting'
	`

	result, err := r.db.ExecContext(ctx, query,
		id, string(status), reason, resolvedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, persistence.NewStoreError("Resolve", "ticket", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewStoreError("Resolve", "ticket", id, err)
	}

	if affected == 0 {
		// Either already resolved (lost the race) or missing entirely.
		_, err := r.GetByID(ctx, id)
		if err != nil {
			return false, err
		}

		return false, nil
	}

	return true, nil
}

func (r *TicketRepository) list(ctx context.Context, query string, args ...any) ([]*models.ReviewTicket, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError("List", "ticket", "", err)
	}
	defer rows.Close()

	var tickets []*models.ReviewTicket

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, persistence.NewStoreError("List", "ticket", "", err)
		}

		ticket, err := decodeTicket(document, "")
		if err != nil {
			return nil, err
		}

		tickets = append(tickets, ticket)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("List", "ticket", "", err)
	}

	return tickets, nil
}

func decodeTicket(document []byte, id string) (*models.ReviewTicket, error) {
	var ticket models.ReviewTicket
	if err := json.Unmarshal(document, &ticket); err != nil {
		return nil, persistence.NewStoreError("Decode", "ticket", id, err)
	}

	return &ticket, nil
}
