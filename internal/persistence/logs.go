package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/acrewood/tangle/internal/bus"
)

// LogSource tells user-written entries apart from system-generated ones.
type LogSource string

const (
	LogSourceUser   LogSource = "User"
	LogSourceSystem LogSource = "System"
)

// Log is a work-session entry, optionally referencing a task and carrying
// tag links of its own.
type Log struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Content   string    `json:"content"`
	Source    LogSource `json:"source"`
	TaskID    *int64    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Tags      []Tag     `json:"tags,omitempty"`
}

const logColumns = "id, owner_id, content, source, task_id, created_at, updated_at"

func scanLog(row rowScanner) (*Log, error) {
	var log Log
	var taskID sql.NullInt64
	err := row.Scan(&log.ID, &log.OwnerID, &log.Content, &log.Source, &taskID, &log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if taskID.Valid {
		log.TaskID = &taskID.Int64
	}
	return &log, nil
}

// CreateLogParams carries the caller-supplied fields for a new log entry.
type CreateLogParams struct {
	Content string
	Source  LogSource
	TaskID  *int64
	TagIDs  []int64
}

// CreateLog inserts a log entry and attaches its tags in one transaction.
func (s *Store) CreateLog(ctx context.Context, ownerID int64, params CreateLogParams) (*Log, error) {
	if params.Content == "" {
		return nil, &ValidationError{Msg: "log content must not be empty"}
	}
	source := params.Source
	if source == "" {
		source = LogSourceUser
	}

	var logID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create log tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if params.TaskID != nil {
			var exists bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ? AND owner_id = ?);
			`, *params.TaskID, ownerID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check log task: %w", err)
			}
			if !exists {
				return &NotFoundError{Resource: "task"}
			}
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO logs (owner_id, content, source, task_id)
			VALUES (?, ?, ?, ?)
			RETURNING id;
		`, ownerID, params.Content, source, params.TaskID).Scan(&logID)
		if err != nil {
			return fmt.Errorf("insert log: %w", err)
		}

		if len(params.TagIDs) > 0 {
			if err := verifyTagOwnership(ctx, tx, ownerID, params.TagIDs); err != nil {
				return err
			}
			if err := attachLinks(ctx, tx, logTagLinks, logID, params.TagIDs); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	log, err := s.GetLog(ctx, ownerID, logID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicLogCreated, bus.LogEvent{LogID: logID, OwnerID: ownerID, Source: string(source)})
	return log, nil
}

// appendCompletionLog writes the system entry recording a task completion.
// It runs after the completing update has committed, so a failure here
// surfaces to the caller without rolling the task back.
func (s *Store) appendCompletionLog(ctx context.Context, ownerID, taskID int64, title string) error {
	_, err := s.CreateLog(ctx, ownerID, CreateLogParams{
		Content: fmt.Sprintf("Task %q completed.", title),
		Source:  LogSourceSystem,
		TaskID:  &taskID,
	})
	if err != nil {
		return fmt.Errorf("append completion log: %w", err)
	}
	return nil
}

// GetLog returns a log by owner-scoped id with its attached tags.
func (s *Store) GetLog(ctx context.Context, ownerID, logID int64) (*Log, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+logColumns+`
		FROM logs
		WHERE id = ? AND owner_id = ?;
	`, logID, ownerID)
	log, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "log"}
	}
	if err != nil {
		return nil, fmt.Errorf("get log: %w", err)
	}

	sets, err := s.tagSets(ctx, logTagLinks, []int64{log.ID})
	if err != nil {
		return nil, err
	}
	log.Tags = sets[log.ID]
	return log, nil
}

// ListLogs returns the owner's logs newest first, restricted to those
// carrying every tag in requiredTagIDs when the filter is non-empty. An
// empty filter skips the intersection query entirely.
func (s *Store) ListLogs(ctx context.Context, ownerID int64, requiredTagIDs []int64) ([]Log, error) {
	where := `owner_id = ?`
	args := []any{ownerID}

	if len(requiredTagIDs) > 0 {
		ids, err := s.LogsWithAllTags(ctx, requiredTagIDs)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		where += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM logs
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, *log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log rows: %w", err)
	}
	if len(logs) > 0 {
		ids := make([]int64, len(logs))
		for i := range logs {
			ids[i] = logs[i].ID
		}
		sets, err := s.tagSets(ctx, logTagLinks, ids)
		if err != nil {
			return nil, err
		}
		for i := range logs {
			logs[i].Tags = sets[logs[i].ID]
		}
	}
	return logs, nil
}

// DeleteLog removes a log scoped to owner.
func (s *Store) DeleteLog(ctx context.Context, ownerID, logID int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM logs WHERE id = ? AND owner_id = ?;
	`, logID, ownerID)
	if err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete log rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{Resource: "log"}
	}
	return nil
}

// CompletedSince counts tasks the owner completed at or after since,
// feeding the daily recap. updated_at holds CURRENT_TIMESTAMP strings
// (UTC, second precision), so the bound comparison value must be a
// matching UTC string, not a driver-formatted time with a zone offset.
func (s *Store) CompletedSince(ctx context.Context, ownerID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM tasks
		WHERE owner_id = ? AND completed = 1 AND updated_at >= ?;
	`, ownerID, since.UTC().Format("2006-01-02 15:04:05")).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count completed tasks: %w", err)
	}
	return count, nil
}
