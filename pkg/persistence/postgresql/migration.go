package postgresql

// migrations returns the schema migrations by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_definitions (
				id TEXT PRIMARY KEY,
				version INTEGER NOT NULL,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS workflow_instances (
				id TEXT PRIMARY KEY,
				definition_id TEXT NOT NULL,
				status TEXT NOT NULL,
				document JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_instances_status
				ON workflow_instances (status);

			CREATE TABLE IF NOT EXISTS review_tickets (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				status TEXT NOT NULL,
				deadline TIMESTAMP WITH TIME ZONE NOT NULL,
				document JSONB NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_review_tickets_status_deadline
				ON review_tickets (status, deadline);

			CREATE TABLE IF NOT EXISTS audit_events (
				instance_id TEXT NOT NULL,
				seq BIGINT NOT NULL,
				event JSONB NOT NULL,
				PRIMARY KEY (instance_id, seq)
			);

			CREATE TABLE IF NOT EXISTS ledger_freezes (
				instance_id TEXT PRIMARY KEY,
				frozen_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS escalation_tickets (
				id TEXT PRIMARY KEY,
				dedupe_key TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL,
				cooldown_until TIMESTAMP WITH TIME ZONE,
				document JSONB NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_escalation_tickets_status
				ON escalation_tickets (status);
		`,
	}
}
