package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tovfikur/fleetd/internal/model"
)

// InsertTask persists a new deployment task.
func (s *Store) InsertTask(t *model.DeploymentTask) error {
	cfgJSON, err := json.Marshal(orEmptyConfig(t.Config))
	if err != nil {
		return fmt.Errorf("marshaling task config: %w", err)
	}

	priority := t.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	_, err = s.db.Exec(`
		INSERT INTO deployment_tasks
		(id, task_type, service_type, source_server_id, target_server_id,
		 status, priority, progress, current_step, config_json, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.ServiceType, t.SourceServerID, t.TargetServerID,
		t.Status, priority, t.Progress, t.CurrentStep, string(cfgJSON), t.ErrorMessage,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id string) (*model.DeploymentTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", model.ErrNotFound, id)
	}
	return t, err
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks() ([]*model.DeploymentTask, error) {
	rows, err := s.db.Query(taskSelect + ` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.DeploymentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskState writes status, progress, and current step in one write.
// Terminal rows are never rewritten: the guard keeps a late event from a
// worker goroutine from reviving a finished task.
func (s *Store) UpdateTaskState(id string, status model.TaskStatus, progress int, currentStep string) error {
	_, err := s.db.Exec(`
		UPDATE deployment_tasks
		SET status = ?, progress = ?, current_step = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		status, progress, currentStep, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("updating task state: %w", err)
	}
	return nil
}

// SetTaskError records the failure message alongside the Failed status.
func (s *Store) SetTaskError(id string, msg string) error {
	_, err := s.db.Exec(`
		UPDATE deployment_tasks
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		model.TaskFailed, msg, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("recording task error: %w", err)
	}
	return nil
}

// SetTaskConfig replaces the task's opaque config map (used by discovery
// to attach scan results).
func (s *Store) SetTaskConfig(id string, cfg map[string]any) error {
	cfgJSON, err := json.Marshal(orEmptyConfig(cfg))
	if err != nil {
		return fmt.Errorf("marshaling task config: %w", err)
	}
	_, err = s.db.Exec(`UPDATE deployment_tasks SET config_json = ?, updated_at = ? WHERE id = ?`,
		string(cfgJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("updating task config: %w", err)
	}
	return nil
}

// AppendTaskLog appends one line to the task's step log.
func (s *Store) AppendTaskLog(taskID, line string) error {
	_, err := s.db.Exec(`INSERT INTO task_logs (task_id, ts, line) VALUES (?, ?, ?)`,
		taskID, time.Now().Unix(), line)
	if err != nil {
		return fmt.Errorf("appending task log: %w", err)
	}
	return nil
}

// AppendTaskLogActive appends a line only while the task is Pending or
// Running. Worker lines that lose a race with cancellation are dropped,
// mirroring the terminal guard on UpdateTaskState.
func (s *Store) AppendTaskLogActive(taskID, line string) error {
	_, err := s.db.Exec(`
		INSERT INTO task_logs (task_id, ts, line)
		SELECT ?, ?, ?
		WHERE EXISTS (
			SELECT 1 FROM deployment_tasks
			WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled'))`,
		taskID, time.Now().Unix(), line, taskID)
	if err != nil {
		return fmt.Errorf("appending task log: %w", err)
	}
	return nil
}

// TaskLog returns the ordered step log for a task.
func (s *Store) TaskLog(taskID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM task_logs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("reading task log: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scanning log line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ActiveTaskForTarget returns the id of a Pending/Running task of one of
// the given types against the target, or "" if none exists.
func (s *Store) ActiveTaskForTarget(targetID string, types ...model.TaskType) (string, error) {
	if len(types) == 0 {
		return "", nil
	}
	query := `SELECT id FROM deployment_tasks
		WHERE target_server_id = ? AND status IN ('pending', 'running') AND task_type IN (?` +
		repeat(",?", len(types)-1) + `) LIMIT 1`
	args := []any{targetID}
	for _, tt := range types {
		args = append(args, tt)
	}

	var id string
	err := s.db.QueryRow(query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying active tasks: %w", err)
	}
	return id, nil
}

// ActiveTaskReferencing reports whether any Pending/Running task uses the
// server as source or target.
func (s *Store) ActiveTaskReferencing(serverID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT id FROM deployment_tasks
		WHERE (target_server_id = ? OR source_server_id = ?)
		  AND status IN ('pending', 'running') LIMIT 1`,
		serverID, serverID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying referencing tasks: %w", err)
	}
	return true, nil
}

const taskSelect = `
	SELECT id, task_type, service_type, source_server_id, target_server_id,
	       status, priority, progress, current_step, config_json, error_message,
	       created_at, updated_at
	FROM deployment_tasks`

func scanTask(row rowScanner) (*model.DeploymentTask, error) {
	var t model.DeploymentTask
	var serviceType, sourceID, targetID, currentStep, errMsg sql.NullString
	var cfgJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.Type, &serviceType, &sourceID, &targetID,
		&t.Status, &t.Priority, &t.Progress, &currentStep, &cfgJSON, &errMsg,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	t.ServiceType = serviceType.String
	t.SourceServerID = sourceID.String
	t.TargetServerID = targetID.String
	t.CurrentStep = currentStep.String
	t.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(cfgJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling config for task %s: %w", t.ID, err)
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func orEmptyConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}

func repeat(s string, n int) string {
	out := ""
	for range n {
		out += s
	}
	return out
}
