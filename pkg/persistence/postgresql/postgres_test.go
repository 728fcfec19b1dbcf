package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{
		"escalation_tickets", "ledger_freezes", "audit_events",
		"review_tickets", "workflow_instances", "workflow_definitions",
		"schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("gateflow_test"),
			postgres.WithUsername("gateflow"),
			postgres.WithPassword("gateflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = store.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return store, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{
		"workflow_definitions", "workflow_instances", "review_tickets",
		"audit_events", "ledger_freezes", "escalation_tickets",
	} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	err := store.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestDefinitionRepository_SaveAndRetrieve(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	def := &models.WorkflowDefinition{
		ID:          uuid.NewString(),
		Name:        "Payment Approval",
		Description: "Approve payments over the review threshold",
		Version:     1,
		Steps: []models.StepDefinition{
			{ID: "fetch", Kind: models.StepKindAutomated, Type: "http"},
			{
				ID:        "review",
				Kind:      models.StepKindHuman,
				DependsOn: []string{"fetch"},
				Human:     &models.HumanSpec{RequiredRole: "approver", Quorum: 2, SLASeconds: 3600},
			},
		},
		Metadata:  map[string]any{"team": "payments"},
		CreatedAt: time.Now().UTC(),
	}

	err := store.Definitions().Save(ctx, def)
	require.NoError(t, err)

	retrieved, err := store.Definitions().GetByID(ctx, def.ID)
	require.NoError(t, err)

	assert.Equal(t, def.ID, retrieved.ID)
	assert.Equal(t, def.Name, retrieved.Name)
	assert.Len(t, retrieved.Steps, 2)
	assert.Equal(t, "approver", retrieved.Steps[1].Human.RequiredRole)
	assert.Equal(t, "payments", retrieved.Metadata["team"])

	_, err = store.Definitions().GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsDefinitionNotFound(err))
}

func TestDefinitionRepository_UpdateAndList(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	def := &models.WorkflowDefinition{
		ID:      uuid.NewString(),
		Name:    "Versioned Workflow",
		Version: 1,
		Steps: []models.StepDefinition{
			{ID: "only", Kind: models.StepKindAutomated, Type: "noop"},
		},
		CreatedAt: time.Now().UTC(),
	}

	err := store.Definitions().Save(ctx, def)
	require.NoError(t, err)

	def.Version = 2
	def.Name = "Versioned Workflow v2"

	err = store.Definitions().Save(ctx, def)
	require.NoError(t, err)

	retrieved, err := store.Definitions().GetByID(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retrieved.Version)
	assert.Equal(t, "Versioned Workflow v2", retrieved.Name)

	defs, err := store.Definitions().List(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestInstanceRepository_SaveAndListByStatus(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	instance := &models.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionID:      uuid.NewString(),
		DefinitionVersion: 1,
		Status:            models.InstanceStatusRunning,
		Payload:           map[string]any{"amount": 125.5},
		StepStates: map[string]*models.StepState{
			"fetch": {StepID: "fetch", Status: models.StepStatusPending},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	err := store.Instances().Save(ctx, instance)
	require.NoError(t, err)

	retrieved, err := store.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRunning, retrieved.Status)
	assert.Equal(t, 125.5, retrieved.Payload["amount"])
	assert.Equal(t, models.StepStatusPending, retrieved.StepStates["fetch"].Status)

	running, err := store.Instances().ListByStatus(ctx, models.InstanceStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	instance.Status = models.InstanceStatusCompleted
	instance.UpdatedAt = time.Now().UTC()

	err = store.Instances().Save(ctx, instance)
	require.NoError(t, err)

	running, err = store.Instances().ListByStatus(ctx, models.InstanceStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)

	_, err = store.Instances().GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsInstanceNotFound(err))
}

func saveWaitingTicket(ctx context.Context, t *testing.T, store *postgresql.Persistence, deadline time.Time) *models.ReviewTicket {
	t.Helper()

	ticket := &models.ReviewTicket{
		ID:           uuid.NewString(),
		InstanceID:   uuid.NewString(),
		StepID:       "review",
		RequiredRole: "approver",
		Quorum:       2,
		Status:       models.TicketStatusWaiting,
		Deadline:     deadline,
		CreatedAt:    time.Now().UTC(),
	}

	err := store.Tickets().Save(ctx, ticket)
	require.NoError(t, err)

	return ticket
}

func TestTicketRepository_SaveAndList(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	expired := saveWaitingTicket(ctx, t, store, time.Now().Add(-time.Minute))
	pending := saveWaitingTicket(ctx, t, store, time.Now().Add(time.Hour))

	waiting, err := store.Tickets().ListWaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	overdue, err := store.Tickets().ListExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, expired.ID, overdue[0].ID)

	retrieved, err := store.Tickets().GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "approver", retrieved.RequiredRole)

	_, err = store.Tickets().GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsTicketNotFound(err))
}

func TestTicketRepository_ResolveExactlyOnce(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	ticket := saveWaitingTicket(ctx, t, store, time.Now().Add(time.Hour))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			won, err := store.Tickets().Resolve(ctx, ticket.ID, models.TicketStatusApproved, "quorum reached", time.Now().UTC())
			assert.NoError(t, err)

			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, wins)

	resolved, err := store.Tickets().GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusApproved, resolved.Status)
	assert.Equal(t, "quorum reached", resolved.Reason)
	assert.NotNil(t, resolved.ResolvedAt)

	waiting, err := store.Tickets().ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	_, err = store.Tickets().Resolve(ctx, uuid.NewString(), models.TicketStatusApproved, "", time.Now())
	assert.True(t, persistence.IsTicketNotFound(err))
}

func auditEvent(instanceID string, seq int64, eventType models.AuditEventType) *models.AuditEvent {
	return &models.AuditEvent{
		Seq:         seq,
		Timestamp:   time.Now().UTC(),
		InstanceID:  instanceID,
		Type:        eventType,
		PayloadHash: "payload-hash",
		PrevHash:    "prev-hash",
		Hash:        "hash",
	}
}

func TestLedgerRepository_AppendRejectsGaps(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	instanceID := uuid.NewString()

	err := store.Ledger().Append(ctx, auditEvent(instanceID, 1, models.AuditInstanceSubmitted))
	require.NoError(t, err)

	err = store.Ledger().Append(ctx, auditEvent(instanceID, 2, models.AuditStepReady))
	require.NoError(t, err)

	// Replays and gaps both violate the chain.
	err = store.Ledger().Append(ctx, auditEvent(instanceID, 2, models.AuditStepDispatched))
	assert.True(t, persistence.IsSequenceConflict(err))

	err = store.Ledger().Append(ctx, auditEvent(instanceID, 5, models.AuditStepDispatched))
	assert.True(t, persistence.IsSequenceConflict(err))

	events, err := store.Ledger().Events(ctx, instanceID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.AuditInstanceSubmitted, events[0].Type)
	assert.Equal(t, models.AuditStepReady, events[1].Type)

	fromSecond, err := store.Ledger().Events(ctx, instanceID, 2)
	require.NoError(t, err)
	require.Len(t, fromSecond, 1)
	assert.Equal(t, int64(2), fromSecond[0].Seq)

	last, err := store.Ledger().Last(ctx, instanceID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(2), last.Seq)

	missing, err := store.Ledger().Last(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedgerRepository_FreezeBlocksAppends(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	instanceID := uuid.NewString()

	err := store.Ledger().Append(ctx, auditEvent(instanceID, 1, models.AuditInstanceSubmitted))
	require.NoError(t, err)

	err = store.Ledger().Freeze(ctx, instanceID)
	require.NoError(t, err)

	frozen, err := store.Ledger().Frozen(ctx, instanceID)
	require.NoError(t, err)
	assert.True(t, frozen)

	err = store.Ledger().Append(ctx, auditEvent(instanceID, 2, models.AuditStepReady))
	assert.True(t, persistence.IsLedgerFrozen(err))

	// Freezing again is a no-op, not an error.
	err = store.Ledger().Freeze(ctx, instanceID)
	require.NoError(t, err)

	err = store.Ledger().Unfreeze(ctx, instanceID)
	require.NoError(t, err)

	err = store.Ledger().Append(ctx, auditEvent(instanceID, 2, models.AuditStepReady))
	require.NoError(t, err)
}

func TestEscalationRepository_DedupeKey(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	ticket := &models.EscalationTicket{
		ID:            uuid.NewString(),
		DedupeKey:     "sla:ticket-1",
		Reason:        models.EscalationReasonSLABreach,
		FromActor:     "alice",
		ToActor:       "bob",
		CooldownUntil: time.Now().Add(30 * time.Minute).UTC(),
		Status:        models.EscalationStatusOpen,
		CreatedAt:     time.Now().UTC(),
	}

	created, err := store.Escalations().CreateIfAbsent(ctx, ticket)
	require.NoError(t, err)
	assert.True(t, created)

	duplicate := *ticket
	duplicate.ID = uuid.NewString()

	created, err = store.Escalations().CreateIfAbsent(ctx, &duplicate)
	require.NoError(t, err)
	assert.False(t, created)

	open, err := store.Escalations().ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ticket.ID, open[0].ID)

	err = store.Escalations().Close(ctx, ticket.ID, time.Now().UTC())
	require.NoError(t, err)

	closed, err := store.Escalations().GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationStatusClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	open, err = store.Escalations().ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	err = store.Escalations().Close(ctx, uuid.NewString(), time.Now())
	assert.ErrorIs(t, err, persistence.ErrEscalationNotFound)
}
