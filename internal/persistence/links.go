package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// linkTable describes one of the many-to-many tag link tables. Both
// task_tags and log_tags share the same shape, so the association manager
// is written once against this descriptor.
type linkTable struct {
	name         string
	subjectCol   string
	subjectTable string
	resource     string
}

var (
	taskTagLinks = linkTable{name: "task_tags", subjectCol: "task_id", subjectTable: "tasks", resource: "task"}
	logTagLinks  = linkTable{name: "log_tags", subjectCol: "log_id", subjectTable: "logs", resource: "log"}
)

// verifySubjectOwnership fails with NotFound unless the subject row exists
// and belongs to ownerID. Cross-owner subjects look exactly like missing
// ones.
func verifySubjectOwnership(ctx context.Context, q DBTX, lt linkTable, ownerID, subjectID int64) error {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = ? AND owner_id = ?);`, lt.subjectTable)
	var exists bool
	if err := q.QueryRowContext(ctx, query, subjectID, ownerID).Scan(&exists); err != nil {
		return fmt.Errorf("verify %s ownership: %w", lt.resource, err)
	}
	if !exists {
		return &NotFoundError{Resource: lt.resource}
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// attachLinks inserts a link row per tag id unless the (subject, tag) pair
// already exists. Duplicate input ids are deduplicated first; attach is
// idempotent, not additive.
func attachLinks(ctx context.Context, q DBTX, lt linkTable, subjectID int64, tagIDs []int64) error {
	for _, tagID := range dedupeIDs(tagIDs) {
		query := fmt.Sprintf(`
			INSERT INTO %s (%s, tag_id) VALUES (?, ?)
			ON CONFLICT(%s, tag_id) DO NOTHING;
		`, lt.name, lt.subjectCol, lt.subjectCol)
		if _, err := q.ExecContext(ctx, query, subjectID, tagID); err != nil {
			return fmt.Errorf("attach %s link: %w", lt.name, err)
		}
	}
	return nil
}

// syncLinks replaces the subject's entire link set: delete all, then attach
// the new set. Callers wrap it in a transaction so partial states are never
// observable.
func syncLinks(ctx context.Context, q DBTX, lt linkTable, subjectID int64, tagIDs []int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?;`, lt.name, lt.subjectCol)
	if _, err := q.ExecContext(ctx, query, subjectID); err != nil {
		return fmt.Errorf("clear %s links: %w", lt.name, err)
	}
	return attachLinks(ctx, q, lt, subjectID, tagIDs)
}

// detachLinks deletes exactly the named links. Detaching a link that does
// not exist is a no-op, not an error.
func detachLinks(ctx context.Context, q DBTX, lt linkTable, subjectID int64, tagIDs []int64) error {
	ids := dedupeIDs(tagIDs)
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND tag_id IN (%s);`,
		lt.name, lt.subjectCol, placeholders(len(ids)))
	args := make([]any, 0, len(ids)+1)
	args = append(args, subjectID)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("detach %s links: %w", lt.name, err)
	}
	return nil
}

// subjectsWithAllTags returns the subjects whose attached-tag set is a
// superset of required. One query fetches every link row matching the
// required ids; rows are grouped by subject in memory and a subject
// qualifies iff it matched all of them. O(matching link rows).
//
// An empty required set is a caller error: "no filter" means skipping the
// call entirely, never an empty AND at the SQL level.
func subjectsWithAllTags(ctx context.Context, q DBTX, lt linkTable, required []int64) ([]int64, error) {
	ids := dedupeIDs(required)
	if len(ids) == 0 {
		return nil, &ValidationError{Msg: "required tag set must not be empty"}
	}

	query := fmt.Sprintf(`SELECT %s, tag_id FROM %s WHERE tag_id IN (%s);`,
		lt.subjectCol, lt.name, placeholders(len(ids)))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s links: %w", lt.name, err)
	}
	defer rows.Close()

	matched := make(map[int64]map[int64]struct{})
	for rows.Next() {
		var subjectID, tagID int64
		if err := rows.Scan(&subjectID, &tagID); err != nil {
			return nil, fmt.Errorf("scan %s link: %w", lt.name, err)
		}
		set := matched[subjectID]
		if set == nil {
			set = make(map[int64]struct{}, len(ids))
			matched[subjectID] = set
		}
		set[tagID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s link rows: %w", lt.name, err)
	}

	var subjects []int64
	for subjectID, set := range matched {
		if len(set) == len(ids) {
			subjects = append(subjects, subjectID)
		}
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })
	return subjects, nil
}

// AttachTaskTags links the given tags to a task, idempotently. Both the
// task and every tag must belong to the owner.
func (s *Store) AttachTaskTags(ctx context.Context, ownerID, taskID int64, tagIDs []int64) error {
	return s.linkTx(ctx, ownerID, taskTagLinks, taskID, tagIDs, func(tx DBTX) error {
		return attachLinks(ctx, tx, taskTagLinks, taskID, tagIDs)
	})
}

// SyncTaskTags replaces a task's tag set in one transaction.
func (s *Store) SyncTaskTags(ctx context.Context, ownerID, taskID int64, tagIDs []int64) error {
	return s.linkTx(ctx, ownerID, taskTagLinks, taskID, tagIDs, func(tx DBTX) error {
		return syncLinks(ctx, tx, taskTagLinks, taskID, tagIDs)
	})
}

// DetachTaskTags removes the named links from an owner-scoped task.
// Unknown or unattached tag ids stay a no-op, so only the task's ownership
// is verified here, not the tags'.
func (s *Store) DetachTaskTags(ctx context.Context, ownerID, taskID int64, tagIDs []int64) error {
	return s.linkTx(ctx, ownerID, taskTagLinks, taskID, nil, func(tx DBTX) error {
		return detachLinks(ctx, tx, taskTagLinks, taskID, tagIDs)
	})
}

// AttachLogTags links the given tags to a log, idempotently. Both the log
// and every tag must belong to the owner.
func (s *Store) AttachLogTags(ctx context.Context, ownerID, logID int64, tagIDs []int64) error {
	return s.linkTx(ctx, ownerID, logTagLinks, logID, tagIDs, func(tx DBTX) error {
		return attachLinks(ctx, tx, logTagLinks, logID, tagIDs)
	})
}

// SyncLogTags replaces a log's tag set in one transaction.
func (s *Store) SyncLogTags(ctx context.Context, ownerID, logID int64, tagIDs []int64) error {
	return s.linkTx(ctx, ownerID, logTagLinks, logID, tagIDs, func(tx DBTX) error {
		return syncLinks(ctx, tx, logTagLinks, logID, tagIDs)
	})
}

// DetachLogTags removes the named links from an owner-scoped log.
func (s *Store) DetachLogTags(ctx context.Context, ownerID, logID int64, tagIDs []int64) error {
	return s.linkTx(ctx, ownerID, logTagLinks, logID, nil, func(tx DBTX) error {
		return detachLinks(ctx, tx, logTagLinks, logID, tagIDs)
	})
}

// TasksWithAllTags returns ids of tasks carrying every required tag.
func (s *Store) TasksWithAllTags(ctx context.Context, required []int64) ([]int64, error) {
	return subjectsWithAllTags(ctx, s.db, taskTagLinks, required)
}

// LogsWithAllTags returns ids of logs carrying every required tag.
func (s *Store) LogsWithAllTags(ctx context.Context, required []int64) ([]int64, error) {
	return subjectsWithAllTags(ctx, s.db, logTagLinks, required)
}

// linkTx runs a link mutation inside its own transaction after verifying
// that the subject row and every tag in verifyTagIDs belong to the owner.
// Detach passes nil verifyTagIDs to preserve absent-link no-op semantics.
func (s *Store) linkTx(ctx context.Context, ownerID int64, lt linkTable, subjectID int64, verifyTagIDs []int64, mutate func(tx DBTX) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin link tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := verifySubjectOwnership(ctx, tx, lt, ownerID, subjectID); err != nil {
			return err
		}
		if err := verifyTagOwnership(ctx, tx, ownerID, verifyTagIDs); err != nil {
			return err
		}
		if err := mutate(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}
