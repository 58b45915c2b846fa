package storydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aura/internal/auramodel"
	"aura/pkg/proto"
)

// UpsertStep inserts or replaces a Step row.
func (d *DB) UpsertStep(ctx context.Context, s *auramodel.Step) error {
	chatHistory, err := json.Marshal(nonNil(s.ChatHistory))
	if err != nil {
		return fmt.Errorf("marshal chat history: %w", err)
	}
	dependsOn, err := json.Marshal(nonNilStrings(s.DependsOn))
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO steps (
				id, story_id, step_order, wave, name, capability, language, description,
				input, output, error, status, assigned_agent_id, attempts, approval,
				approval_feedback, skip_reason, needs_rework, previous_output,
				chat_history, depends_on, started_at, completed_at, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				story_id = excluded.story_id,
				step_order = excluded.step_order,
				wave = excluded.wave,
				name = excluded.name,
				capability = excluded.capability,
				language = excluded.language,
				description = excluded.description,
				input = excluded.input,
				output = excluded.output,
				error = excluded.error,
				status = excluded.status,
				assigned_agent_id = excluded.assigned_agent_id,
				attempts = excluded.attempts,
				approval = excluded.approval,
				approval_feedback = excluded.approval_feedback,
				skip_reason = excluded.skip_reason,
				needs_rework = excluded.needs_rework,
				previous_output = excluded.previous_output,
				chat_history = excluded.chat_history,
				depends_on = excluded.depends_on,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				duration_ms = excluded.duration_ms`,
			s.ID, s.StoryID, s.Order, s.Wave, s.Name, string(s.Capability), s.Language, s.Description,
			s.Input, s.Output, s.Error, string(s.Status), s.AssignedAgentID, s.Attempts, string(s.Approval),
			s.ApprovalFeedback, s.SkipReason, boolToInt(s.NeedsRework), s.PreviousOutput,
			string(chatHistory), string(dependsOn), formatOptTime(s.StartedAt), formatOptTime(s.CompletedAt),
			s.DurationMS,
		)
		return err
	})
}

// GetStepByID fetches one Step row, or ErrNotFound.
func (d *DB) GetStepByID(ctx context.Context, id string) (*auramodel.Step, error) {
	row := d.conn.QueryRowContext(ctx, stepSelectColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return step, err
}

// ListStepsByStory returns every Step of a Story, ordered by Order.
func (d *DB) ListStepsByStory(ctx context.Context, storyID string) ([]*auramodel.Step, error) {
	rows, err := d.conn.QueryContext(ctx, stepSelectColumns+` FROM steps WHERE story_id = ? ORDER BY step_order ASC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*auramodel.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ListStepsByWave returns a Story's Steps in a given wave, ordered by Order.
func (d *DB) ListStepsByWave(ctx context.Context, storyID string, wave int) ([]*auramodel.Step, error) {
	rows, err := d.conn.QueryContext(ctx,
		stepSelectColumns+` FROM steps WHERE story_id = ? AND wave = ? ORDER BY step_order ASC`, storyID, wave)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*auramodel.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// DeleteStep removes a single Step.
func (d *DB) DeleteStep(ctx context.Context, id string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MaxWave returns the highest Wave assigned among a Story's Steps, or 0 if
// the Story has no wave-annotated Steps yet (invariant "CurrentWave <=
// max(Step.Wave)+1").
func (d *DB) MaxWave(ctx context.Context, storyID string) (int, error) {
	var max sql.NullInt64
	err := d.conn.QueryRowContext(ctx, `SELECT MAX(wave) FROM steps WHERE story_id = ?`, storyID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

const stepSelectColumns = `SELECT
	id, story_id, step_order, wave, name, capability, language, description,
	input, output, error, status, assigned_agent_id, attempts, approval,
	approval_feedback, skip_reason, needs_rework, previous_output,
	chat_history, depends_on, started_at, completed_at, duration_ms`

func scanStep(row rowScanner) (*auramodel.Step, error) {
	var s auramodel.Step
	var capability, status, approval string
	var chatHistory, dependsOn string
	var needsRework int
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&s.ID, &s.StoryID, &s.Order, &s.Wave, &s.Name, &capability, &s.Language, &s.Description,
		&s.Input, &s.Output, &s.Error, &status, &s.AssignedAgentID, &s.Attempts, &approval,
		&s.ApprovalFeedback, &s.SkipReason, &needsRework, &s.PreviousOutput,
		&chatHistory, &dependsOn, &startedAt, &completedAt, &s.DurationMS,
	)
	if err != nil {
		return nil, err
	}

	s.Capability = auramodel.Capability(capability)
	s.Status = proto.State(status)
	s.Approval = proto.ApprovalStatus(approval)
	s.NeedsRework = needsRework != 0

	if err := json.Unmarshal([]byte(chatHistory), &s.ChatHistory); err != nil {
		return nil, fmt.Errorf("unmarshal chat history: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsOn), &s.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if startedAt.Valid {
		t, err := time.Parse(timeLayout, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		s.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		s.CompletedAt = &t
	}

	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
