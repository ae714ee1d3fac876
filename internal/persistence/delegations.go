package persistence

import (
	"context"
	"database/sql"
	"time"
)

// Delegation represents an async inter-agent delegation (spec.md §3 DelegationEdge
// plus the durable record DelegationManager needs to reattach a completed
// child response to its parent's conversation after a restart).
type Delegation struct {
	ID          string
	TaskID      string // links to tasks table (set when task is created)
	ParentAgent string // agent that requested delegation
	ChildAgent  string // agent that executes
	Prompt      string // what was delegated
	Status      string // "queued", "running", "completed", "failed"
	Result      string // output from child agent
	ErrorMsg    string // error message if failed
	CreatedAt   time.Time
	CompletedAt *time.Time
	Injected    bool // true once result has been injected into parent's conversation
}

// CreateDelegation stores a new delegation record.
func (s *Store) CreateDelegation(ctx context.Context, d *Delegation) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO delegations (id, task_id, parent_agent, child_agent, prompt, status, result, error_msg, injected)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, 0)`,
			d.ID, d.TaskID, d.ParentAgent, d.ChildAgent, d.Prompt, statusOrDefault(d.Status), d.Result, d.ErrorMsg)
		return err
	})
}

func statusOrDefault(status string) string {
	if status == "" {
		return "queued"
	}
	return status
}

func scanDelegation(row interface{ Scan(...any) error }) (*Delegation, error) {
	var d Delegation
	var taskID sql.NullString
	var completedAt sql.NullTime
	var injected int
	if err := row.Scan(&d.ID, &taskID, &d.ParentAgent, &d.ChildAgent, &d.Prompt,
		&d.Status, &d.Result, &d.ErrorMsg, &d.CreatedAt, &completedAt, &injected); err != nil {
		return nil, err
	}
	d.TaskID = taskID.String
	d.Injected = injected != 0
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

const delegationColumns = `id, task_id, parent_agent, child_agent, prompt, status, result, error_msg, created_at, completed_at, injected`

// GetDelegation retrieves a delegation by ID.
func (s *Store) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id = ?`, id)
	return scanDelegation(row)
}

// CompleteDelegation updates status to completed and sets result.
func (s *Store) CompleteDelegation(ctx context.Context, id, result string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE delegations SET status = 'completed', result = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?`, result, id)
		return err
	})
}

// FailDelegation updates status to failed and sets error message.
func (s *Store) FailDelegation(ctx context.Context, id, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE delegations SET status = 'failed', error_msg = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?`, errMsg, id)
		return err
	})
}

// PendingDelegationsForAgent returns rows where parent_agent = agentID AND
// injected = 0 AND status IN ('completed', 'failed') — the set a restarted
// parent agent needs re-injected into its conversation.
func (s *Store) PendingDelegationsForAgent(ctx context.Context, agentID string) ([]*Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+delegationColumns+` FROM delegations
		WHERE parent_agent = ? AND injected = 0 AND status IN ('completed', 'failed')
		ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDelegationInjected sets injected = true for a delegation.
func (s *Store) MarkDelegationInjected(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE delegations SET injected = 1 WHERE id = ?`, id)
		return err
	})
}

// GetDelegationByTaskID retrieves a delegation linked to a task ID.
func (s *Store) GetDelegationByTaskID(ctx context.Context, taskID string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE task_id = ?`, taskID)
	return scanDelegation(row)
}
