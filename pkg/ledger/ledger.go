// Package ledger implements the append-only, hash-chained audit ledger. Every
// state transition in the orchestrator lands here; each event's hash covers
// the previous event's hash, so any post-hoc mutation breaks verification at
// the altered sequence number.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// ErrIntegrity marks a detected hash-chain mismatch. Fatal for the affected
// segment: the ledger freezes it and rejects new appends until an operator
// clears the freeze.
var ErrIntegrity = errors.New("ledger integrity violation")

// genesisHash anchors the first event of every instance chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Proposed is a not-yet-sequenced audit event. The ledger assigns seq,
// prev_hash and hash; callers never set those.
type Proposed struct {
	InstanceID string
	Type       models.AuditEventType
	StepID     string
	ActorID    string
	Payload    map[string]any
}

// Ledger is the single writer for audit events. Sequence numbers are assigned
// per instance under that instance's append lock; appends for different
// instances proceed in parallel.
type Ledger struct {
	store  persistence.LedgerRepository
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store persistence.LedgerRepository, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With("module", "ledger"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) instanceLock(instanceID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[instanceID] = lock
	}

	return lock
}

// Append sequences and chains the proposed event, then persists it. This is
// the ledger's only write operation.
func (l *Ledger) Append(ctx context.Context, proposed Proposed) (*models.AuditEvent, error) {
	lock := l.instanceLock(proposed.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	frozen, err := l.store.Frozen(ctx, proposed.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check ledger freeze state: %w", err)
	}

	if frozen {
		return nil, persistence.ErrLedgerFrozen
	}

	last, err := l.store.Last(ctx, proposed.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger head: %w", err)
	}

	seq := int64(1)
	prevHash := genesisHash

	if last != nil {
		seq = last.Seq + 1
		prevHash = last.Hash
	}

	payloadHash, err := HashPayload(proposed.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to hash event payload: %w", err)
	}

	event := &models.AuditEvent{
		Seq:         seq,
		Timestamp:   time.Now().UTC(),
		InstanceID:  proposed.InstanceID,
		Type:        proposed.Type,
		StepID:      proposed.StepID,
		ActorID:     proposed.ActorID,
		Payload:     proposed.Payload,
		PayloadHash: payloadHash,
		PrevHash:    prevHash,
	}

	event.Hash, err = chainHash(event)
	if err != nil {
		return nil, fmt.Errorf("failed to compute chain hash: %w", err)
	}

	if err := l.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}

	return event, nil
}

// Replay returns the instance's events ordered by sequence, starting at
// fromSeq (0 or 1 replays from the beginning).
func (l *Ledger) Replay(ctx context.Context, instanceID string, fromSeq int64) ([]*models.AuditEvent, error) {
	return l.store.Events(ctx, instanceID, fromSeq)
}

// Verify recomputes the chain over the given events and fails fast at the
// first mismatch, returning the offending sequence number. A valid range
// returns (0, nil).
func Verify(events []*models.AuditEvent) (int64, error) {
	prevHash := genesisHash

	for i, event := range events {
		if i == 0 && event.Seq != 1 {
			// Verifying a sub-range: trust the stored prev_hash anchor.
			prevHash = event.PrevHash
		}

		if event.PrevHash != prevHash {
			return event.Seq, fmt.Errorf("%w: broken chain at seq %d", ErrIntegrity, event.Seq)
		}

		payloadHash, err := HashPayload(event.Payload)
		if err != nil {
			return event.Seq, err
		}

		if payloadHash != event.PayloadHash {
			return event.Seq, fmt.Errorf("%w: payload mutated at seq %d", ErrIntegrity, event.Seq)
		}

		expected, err := chainHash(event)
		if err != nil {
			return event.Seq, err
		}

		if expected != event.Hash {
			return event.Seq, fmt.Errorf("%w: hash mismatch at seq %d", ErrIntegrity, event.Seq)
		}

		prevHash = event.Hash
	}

	return 0, nil
}

// VerifyInstance replays and verifies an instance's full chain. On a
// mismatch the segment is frozen before the error is returned, so the
// corruption cannot be buried under further appends.
func (l *Ledger) VerifyInstance(ctx context.Context, instanceID string) (int64, error) {
	events, err := l.Replay(ctx, instanceID, 0)
	if err != nil {
		return 0, err
	}

	badSeq, err := Verify(events)
	if err != nil && errors.Is(err, ErrIntegrity) {
		l.logger.ErrorContext(ctx, "Ledger integrity violation detected, freezing segment",
			"instance_id", instanceID, "seq", badSeq)

		if freezeErr := l.store.Freeze(ctx, instanceID); freezeErr != nil {
			l.logger.ErrorContext(ctx, "Failed to freeze ledger segment", "error", freezeErr)
		}
	}

	return badSeq, err
}

// Unfreeze clears a frozen segment. Operator action after the underlying
// corruption has been investigated.
func (l *Ledger) Unfreeze(ctx context.Context, instanceID string) error {
	return l.store.Unfreeze(ctx, instanceID)
}

// chainHash computes SHA-256(prev_hash || canonical(event without hash)).
func chainHash(event *models.AuditEvent) (string, error) {
	stripped := *event
	stripped.Hash = ""

	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	hasher.Write([]byte(event.PrevHash))
	hasher.Write(canonical)

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
