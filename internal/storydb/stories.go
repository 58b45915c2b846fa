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

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("storydb: not found")

const timeLayout = time.RFC3339Nano

// UpsertStory inserts or replaces a Story row.
func (d *DB) UpsertStory(ctx context.Context, s *auramodel.Story) error {
	issueLink, err := marshalOpt(s.IssueLink)
	if err != nil {
		return fmt.Errorf("marshal issue link: %w", err)
	}
	gateResult, err := marshalOpt(s.LastGateResult)
	if err != nil {
		return fmt.Errorf("marshal gate result: %w", err)
	}
	chatHistory, err := json.Marshal(nonNil(s.ChatHistory))
	if err != nil {
		return fmt.Errorf("marshal chat history: %w", err)
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stories (
				id, title, description, issue_link, repository_path, worktree_path,
				branch, automation_mode, dispatch_target, status, analyzed_context,
				plan, current_wave, max_parallelism, gate_mode, last_gate_result,
				chat_history, created_at, updated_at, completed_at, pull_request_url,
				tokens_used, cost_usd
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				issue_link = excluded.issue_link,
				repository_path = excluded.repository_path,
				worktree_path = excluded.worktree_path,
				branch = excluded.branch,
				automation_mode = excluded.automation_mode,
				dispatch_target = excluded.dispatch_target,
				status = excluded.status,
				analyzed_context = excluded.analyzed_context,
				plan = excluded.plan,
				current_wave = excluded.current_wave,
				max_parallelism = excluded.max_parallelism,
				gate_mode = excluded.gate_mode,
				last_gate_result = excluded.last_gate_result,
				chat_history = excluded.chat_history,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at,
				pull_request_url = excluded.pull_request_url,
				tokens_used = excluded.tokens_used,
				cost_usd = excluded.cost_usd`,
			s.ID, s.Title, s.Description, issueLink, s.RepositoryPath, s.WorktreePath,
			s.Branch, string(s.AutomationMode), string(s.DispatchTarget), string(s.Status), s.AnalyzedContext,
			s.Plan, s.CurrentWave, s.MaxParallelism, string(s.GateMode), gateResult,
			string(chatHistory), s.CreatedAt.Format(timeLayout), s.UpdatedAt.Format(timeLayout),
			formatOptTime(s.CompletedAt), s.PullRequestURL, s.TokensUsed, s.CostUSD,
		)
		return err
	})
}

// AddStoryUsage atomically accumulates token and cost totals onto a
// Story. An increment rather than a read-modify-write so concurrent
// Steps of one wave never lose updates.
func (d *DB) AddStoryUsage(ctx context.Context, storyID string, tokens int64, costUSD float64) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE stories SET tokens_used = tokens_used + ?, cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
			tokens, costUSD, time.Now().UTC().Format(timeLayout), storyID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return err
	})
}

// GetStoryByID fetches one Story row, or ErrNotFound.
func (d *DB) GetStoryByID(ctx context.Context, id string) (*auramodel.Story, error) {
	row := d.conn.QueryRowContext(ctx, storySelectColumns+` FROM stories WHERE id = ?`, id)
	story, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return story, err
}

// DeleteStory removes a Story and its Steps (ON DELETE CASCADE).
func (d *DB) DeleteStory(ctx context.Context, id string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, id)
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

// StoryFilter narrows ListStories for the `GET /api/developer/stories`
// endpoint.
type StoryFilter struct {
	Status         proto.State
	RepositoryPath string
}

// ListStories returns Stories matching filter, newest first. A zero-value
// field in filter is not applied.
func (d *DB) ListStories(ctx context.Context, filter StoryFilter) ([]*auramodel.Story, error) {
	query := storySelectColumns + ` FROM stories WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RepositoryPath != "" {
		query += ` AND repository_path = ?`
		args = append(args, filter.RepositoryPath)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []*auramodel.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, s)
	}
	return stories, rows.Err()
}

const storySelectColumns = `SELECT
	id, title, description, issue_link, repository_path, worktree_path, branch,
	automation_mode, dispatch_target, status, analyzed_context, plan, current_wave,
	max_parallelism, gate_mode, last_gate_result, chat_history, created_at, updated_at,
	completed_at, pull_request_url, tokens_used, cost_usd`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (*auramodel.Story, error) {
	var s auramodel.Story
	var issueLink, gateResult sql.NullString
	var chatHistory string
	var automationMode, dispatchTarget, status, gateMode string
	var createdAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(
		&s.ID, &s.Title, &s.Description, &issueLink, &s.RepositoryPath, &s.WorktreePath, &s.Branch,
		&automationMode, &dispatchTarget, &status, &s.AnalyzedContext, &s.Plan, &s.CurrentWave,
		&s.MaxParallelism, &gateMode, &gateResult, &chatHistory, &createdAt, &updatedAt,
		&completedAt, &s.PullRequestURL, &s.TokensUsed, &s.CostUSD,
	)
	if err != nil {
		return nil, err
	}

	s.AutomationMode = proto.AutomationMode(automationMode)
	s.DispatchTarget = proto.DispatchTarget(dispatchTarget)
	s.Status = proto.State(status)
	s.GateMode = proto.GateMode(gateMode)

	if issueLink.Valid {
		var link auramodel.IssueLink
		if err := json.Unmarshal([]byte(issueLink.String), &link); err != nil {
			return nil, fmt.Errorf("unmarshal issue link: %w", err)
		}
		s.IssueLink = &link
	}
	if gateResult.Valid {
		var gr auramodel.GateResult
		if err := json.Unmarshal([]byte(gateResult.String), &gr); err != nil {
			return nil, fmt.Errorf("unmarshal gate result: %w", err)
		}
		s.LastGateResult = &gr
	}
	if err := json.Unmarshal([]byte(chatHistory), &s.ChatHistory); err != nil {
		return nil, fmt.Errorf("unmarshal chat history: %w", err)
	}

	if s.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
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

func marshalOpt(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *auramodel.IssueLink:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *auramodel.GateResult:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatOptTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func nonNil(turns []auramodel.ChatTurn) []auramodel.ChatTurn {
	if turns == nil {
		return []auramodel.ChatTurn{}
	}
	return turns
}
