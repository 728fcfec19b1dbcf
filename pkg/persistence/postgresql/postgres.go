// Package postgresql provides PostgreSQL persistence for the orchestrator.
// Entities are stored as JSONB documents next to the columns the query paths
// filter on; the audit ledger rows store the complete hashed event, so a
// replayed chain verifies byte-for-byte.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	definitions *DefinitionRepository
	instances   *InstanceRepository
	tickets     *TicketRepository
	ledger      *LedgerRepository
	escalations *EscalationRepository
}

// NewPersistence connects, migrates and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:          database,
		logger:      logger,
		definitions: &DefinitionRepository{db: database},
		instances:   &InstanceRepository{db: database},
		tickets:     &TicketRepository{db: database},
		ledger:      &LedgerRepository{db: database},
		escalations: &EscalationRepository{db: database},
	}, nil
}

func (p *Persistence) Definitions() persistence.DefinitionRepository { return p.definitions }
func (p *Persistence) Instances() persistence.InstanceRepository     { return p.instances }
func (p *Persistence) Tickets() persistence.TicketRepository         { return p.tickets }
func (p *Persistence) Ledger() persistence.LedgerRepository          { return p.ledger }
func (p *Persistence) Escalations() persistence.EscalationRepository { return p.escalations }

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
