package persistence

import (
	"context"
	"database/sql"
	"time"
)

// WaveTask is WaveExecutor's (C8) durable Task entity (spec.md §3 Task,
// §4.8). State is Pending -> Claimed -> (Completed | Failed); Skipped is a
// non-transition the caller records when ClaimWaveTask reports claimed=false.
type WaveTask struct {
	ID          string
	PlanID      string
	WaveNumber  int
	AgentID     string
	Payload     string
	State       string
	Result      string
	ErrorMsg    string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// CreateWaveTask inserts a new Pending task.
func (s *Store) CreateWaveTask(ctx context.Context, id, planID string, waveNumber int, agentID, payload string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO wave_tasks (id, plan_id, wave_number, agent_id, payload, state)
			VALUES (?, ?, ?, ?, ?, 'pending')`, id, planID, waveNumber, agentID, payload)
		return err
	})
}

// ClaimWaveTask implements spec.md §4.8's atomicClaim: a single-statement CAS
// transition from Pending to Claimed. claimed=false means another executor
// (or a prior run) already claimed it; the caller records that as Skipped.
func (s *Store) ClaimWaveTask(ctx context.Context, taskID string) (claimed bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE wave_tasks SET state = 'claimed', claimed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = 'pending'`, taskID)
		if execErr != nil {
			return execErr
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return rowsErr
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// CompleteWaveTask transitions a Claimed task to Completed.
func (s *Store) CompleteWaveTask(ctx context.Context, taskID, result string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE wave_tasks SET state = 'completed', result = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = 'claimed'`, result, taskID)
		return err
	})
}

// FailWaveTask transitions a Claimed task to Failed.
func (s *Store) FailWaveTask(ctx context.Context, taskID, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE wave_tasks SET state = 'failed', error_msg = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = 'claimed'`, errMsg, taskID)
		return err
	})
}

// GetWaveTask retrieves one task by ID.
func (s *Store) GetWaveTask(ctx context.Context, taskID string) (*WaveTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, wave_number, agent_id, payload, state, result, error_msg, created_at, claimed_at, completed_at
		FROM wave_tasks WHERE id = ?`, taskID)
	return scanWaveTask(row)
}

func scanWaveTask(row interface{ Scan(...any) error }) (*WaveTask, error) {
	var t WaveTask
	var claimedAt, completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.PlanID, &t.WaveNumber, &t.AgentID, &t.Payload, &t.State,
		&t.Result, &t.ErrorMsg, &t.CreatedAt, &claimedAt, &completedAt); err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		v := claimedAt.Time
		t.ClaimedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}
