package models

import "time"

// TicketStatus is the review ticket state machine: waiting is the only
// non-terminal state.
type TicketStatus string

const (
	TicketStatusWaiting  TicketStatus = "waiting"
	TicketStatusApproved TicketStatus = "approved"
	TicketStatusRejected TicketStatus = "rejected"
	TicketStatusTimedOut TicketStatus = "timed_out"
)

// Terminal reports whether the ticket has been resolved.
func (s TicketStatus) Terminal() bool {
	return s != TicketStatusWaiting
}

// Verdict is a single reviewer's call. A tweak applies its payload patch to
// the step result and then counts as an approval.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictTweak   Verdict = "tweak"
)

// Decision is one reviewer's recorded verdict. Immutable once recorded; a
// later decision by the same actor replaces the earlier vote in quorum
// counting but both remain on the audit trail.
type Decision struct {
	ActorID      string         `json:"actor_id" validate:"required"`
	Verdict      Verdict        `json:"verdict"  validate:"required,oneof=approve reject tweak"`
	PayloadPatch map[string]any `json:"payload_patch,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Approving reports whether the verdict counts toward the approval quorum.
func (d Decision) Approving() bool {
	return d.Verdict == VerdictApprove || d.Verdict == VerdictTweak
}

// ReviewTicket is one human-approval unit, created when a human step becomes
// ready and resolved by quorum or timeout. Owned exclusively by the HITL gate.
type ReviewTicket struct {
	ID            string       `json:"id"`
	InstanceID    string       `json:"instance_id"`
	StepID        string       `json:"step_id"`
	RequiredRole  string       `json:"required_role"`
	Quorum        int          `json:"quorum"`
	AssignedActor string       `json:"assigned_actor,omitempty"`
	// Recommendation is the automated reference verdict, when one exists;
	// reviewer agreement with it feeds the performance scorer.
	Recommendation string       `json:"recommendation,omitempty"`
	Decisions      []Decision   `json:"decisions"`
	Status         TicketStatus `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	Deadline       time.Time    `json:"deadline"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// EffectiveDecisions returns the latest decision per actor, preserving the
// order in which actors first voted.
func (t *ReviewTicket) EffectiveDecisions() []Decision {
	latest := make(map[string]Decision, len(t.Decisions))
	order := make([]string, 0, len(t.Decisions))

	for _, d := range t.Decisions {
		if _, ok := latest[d.ActorID]; !ok {
			order = append(order, d.ActorID)
		}

		latest[d.ActorID] = d
	}

	out := make([]Decision, 0, len(order))
	for _, actorID := range order {
		out = append(out, latest[actorID])
	}

	return out
}

// Tally counts distinct-actor approvals and rejections.
func (t *ReviewTicket) Tally() (approvals, rejections int) {
	for _, d := range t.EffectiveDecisions() {
		if d.Approving() {
			approvals++
		} else {
			rejections++
		}
	}

	return approvals, rejections
}
