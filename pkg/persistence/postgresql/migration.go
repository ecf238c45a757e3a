package postgresql

// migrations returns the schema migrations for the PostgreSQL store.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_runs (
				id TEXT PRIMARY KEY,
				workflow_type TEXT NOT NULL,
				input JSONB,
				status TEXT NOT NULL,
				cursor BIGINT NOT NULL DEFAULT 0,
				result JSONB,
				errors JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);
			CREATE INDEX IF NOT EXISTS idx_workflow_runs_type ON workflow_runs(workflow_type);

			CREATE TABLE IF NOT EXISTS run_events (
				run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
				sequence_number BIGINT NOT NULL,
				event_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (run_id, sequence_number)
			);

			CREATE TABLE IF NOT EXISTS run_timers (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
				fire_at TIMESTAMP WITH TIME ZONE NOT NULL,
				fired BOOLEAN NOT NULL DEFAULT FALSE
			);

			CREATE INDEX IF NOT EXISTS idx_run_timers_due ON run_timers(fire_at) WHERE NOT fired;
		`,
	}
}
