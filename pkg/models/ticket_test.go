package models_test

import (
	"testing"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestEffectiveDecisionsKeepsLatestPerActor(t *testing.T) {
	now := time.Now().UTC()
	ticket := &models.ReviewTicket{
		Quorum: 2,
		Decisions: []models.Decision{
			{ActorID: "alice", Verdict: models.VerdictReject, Timestamp: now},
			{ActorID: "bob", Verdict: models.VerdictApprove, Timestamp: now.Add(time.Second)},
			{ActorID: "alice", Verdict: models.VerdictApprove, Timestamp: now.Add(2 * time.Second)},
		},
	}

	effective := ticket.EffectiveDecisions()
	assert.Len(t, effective, 2)
	assert.Equal(t, "alice", effective[0].ActorID)
	assert.Equal(t, models.VerdictApprove, effective[0].Verdict)

	approvals, rejections := ticket.Tally()
	assert.Equal(t, 2, approvals)
	assert.Equal(t, 0, rejections)
}

func TestTweakCountsAsApproval(t *testing.T) {
	ticket := &models.ReviewTicket{
		Decisions: []models.Decision{
			{ActorID: "alice", Verdict: models.VerdictTweak, PayloadPatch: map[string]any{"fee": 12}},
			{ActorID: "bob", Verdict: models.VerdictReject},
		},
	}

	approvals, rejections := ticket.Tally()
	assert.Equal(t, 1, approvals)
	assert.Equal(t, 1, rejections)
}

func TestStepStatusTerminal(t *testing.T) {
	assert.True(t, models.StepStatusSucceeded.Terminal())
	assert.True(t, models.StepStatusSkipped.Satisfied())
	assert.False(t, models.StepStatusRunning.Terminal())
	assert.False(t, models.StepStatusFailed.Satisfied())
}
