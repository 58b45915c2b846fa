package storydb

import "database/sql"

// CurrentSchemaVersion is the schema version this build expects. This is
// a fresh schema: migrate only ever needs to go from 0 (no
// schema_version row) to 1 today, but the version table and
// runMigration switch exist so future columns have somewhere to land.
const CurrentSchemaVersion = 1

func migrate(conn *sql.DB) error {
	version, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	if version == 0 {
		return createSchema(conn)
	}

	for v := version + 1; v <= CurrentSchemaVersion; v++ {
		if err := runMigration(conn, v); err != nil {
			return err
		}
		if err := setSchemaVersion(conn, v); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(conn *sql.DB) (int, error) {
	var exists int
	err := conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func setSchemaVersion(conn *sql.DB, version int) error {
	_, err := conn.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`, version)
	return err
}

// runMigration applies the schema change that takes the database from
// version-1 to version. There is only one migration today; the switch
// exists so the next one has a consistent place to land.
func runMigration(_ *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // handled by createSchema when starting from empty
	default:
		return nil
	}
}

func createSchema(conn *sql.DB) error {
	statements := []string{
		`PRAGMA foreign_keys = ON`,

		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			issue_link TEXT,
			repository_path TEXT NOT NULL DEFAULT '',
			worktree_path TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			automation_mode TEXT NOT NULL DEFAULT 'Assisted'
				CHECK (automation_mode IN ('Assisted', 'Autonomous')),
			dispatch_target TEXT NOT NULL DEFAULT 'Internal'
				CHECK (dispatch_target IN ('Internal', 'CopilotCli')),
			status TEXT NOT NULL DEFAULT 'Created'
				CHECK (status IN (
					'Created', 'Analyzing', 'Analyzed', 'Planning', 'Planned',
					'Running', 'GatePending', 'GateFailed',
					'Completed', 'Cancelled', 'Failed'
				)),
			analyzed_context TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT '',
			current_wave INTEGER NOT NULL DEFAULT 0 CHECK (current_wave >= 0),
			max_parallelism INTEGER NOT NULL DEFAULT 4 CHECK (max_parallelism > 0),
			gate_mode TEXT NOT NULL DEFAULT 'AutoProceed'
				CHECK (gate_mode IN ('AutoProceed', 'ManualApproval')),
			last_gate_result TEXT,
			chat_history TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT,
			pull_request_url TEXT NOT NULL DEFAULT '',
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_usd DECIMAL(10,4) NOT NULL DEFAULT 0.0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status)`,
		`CREATE INDEX IF NOT EXISTS idx_stories_repository_path ON stories(repository_path)`,

		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
			step_order INTEGER NOT NULL,
			wave INTEGER NOT NULL DEFAULT 0 CHECK (wave >= 0),
			name TEXT NOT NULL,
			capability TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'Pending'
				CHECK (status IN (
					'Pending', 'Running', 'Completed', 'Failed',
					'Cancelled', 'Rejected', 'Skipped'
				)),
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0 CHECK (attempts >= 0),
			approval TEXT NOT NULL DEFAULT ''
				CHECK (approval IN ('', 'Approved', 'Rejected')),
			approval_feedback TEXT NOT NULL DEFAULT '',
			skip_reason TEXT NOT NULL DEFAULT '',
			needs_rework INTEGER NOT NULL DEFAULT 0 CHECK (needs_rework IN (0, 1)),
			previous_output TEXT NOT NULL DEFAULT '',
			chat_history TEXT NOT NULL DEFAULT '[]',
			depends_on TEXT NOT NULL DEFAULT '[]',
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_steps_story_id ON steps(story_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_story_wave ON steps(story_id, wave)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_story_order ON steps(story_id, step_order)`,
	}

	for _, stmt := range statements {
		if _, err := conn.Exec(stmt); err != nil {
			return err
		}
	}

	return setSchemaVersion(conn, CurrentSchemaVersion)
}
