package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/acrewood/tangle/internal/bus"
)

// Task is one node in the owner's task forest. ParentTaskID, RootTaskID,
// Depth and Position are the materialized ancestry fields: subtree and
// ancestor reads never walk parents row by row.
type Task struct {
	ID           int64      `json:"id"`
	OwnerID      int64      `json:"owner_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Completed    bool       `json:"completed"`
	ParentTaskID *int64     `json:"parent_task_id,omitempty"`
	RootTaskID   *int64     `json:"root_task_id,omitempty"`
	Depth        int        `json:"depth"`
	Position     int        `json:"position"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Tags         []Tag      `json:"tags,omitempty"`
}

// TaskNode is a subtree row annotated with depth relative to the queried
// root (0 at the root itself).
type TaskNode struct {
	Task
	RelativeDepth int `json:"relative_depth"`
}

const taskColumns = "id, owner_id, title, description, completed, parent_task_id, root_task_id, depth, position, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var parentID, rootID sql.NullInt64
	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&task.Title,
		&task.Description,
		&task.Completed,
		&parentID,
		&rootID,
		&task.Depth,
		&task.Position,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		task.ParentTaskID = &parentID.Int64
	}
	if rootID.Valid {
		task.RootTaskID = &rootID.Int64
	}
	return &task, nil
}

// hierarchyContext holds the materialized ancestry fields computed for a
// new task before insertion. Root stays nil for a new root task; the
// orchestrator patches it to the task's own id right after the insert.
type hierarchyContext struct {
	parentID *int64
	rootID   *int64
	depth    int
	position int
}

// buildHierarchyContext derives parent, root, depth and position for a task
// about to be inserted under parentID (nil for a root). Position is
// read-then-write: 1 + MAX(position) among owner-scoped siblings, -1 base
// when there are none. Concurrent siblings can race to the same position;
// gaps after deletion are kept, never renumbered.
func buildHierarchyContext(ctx context.Context, q DBTX, ownerID int64, parentID *int64) (hierarchyContext, error) {
	hc := hierarchyContext{parentID: parentID}

	var maxPosition int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), -1)
		FROM tasks
		WHERE owner_id = ? AND parent_task_id IS ?;
	`, ownerID, parentID).Scan(&maxPosition)
	if err != nil {
		return hc, fmt.Errorf("read sibling position: %w", err)
	}
	hc.position = maxPosition + 1

	if parentID == nil {
		return hc, nil
	}

	var parentDepth int
	var parentRoot sql.NullInt64
	err = q.QueryRowContext(ctx, `
		SELECT depth, root_task_id
		FROM tasks
		WHERE id = ? AND owner_id = ?;
	`, *parentID, ownerID).Scan(&parentDepth, &parentRoot)
	if errors.Is(err, sql.ErrNoRows) {
		return hc, &NotFoundError{Resource: "task"}
	}
	if err != nil {
		return hc, fmt.Errorf("read parent task: %w", err)
	}

	hc.depth = parentDepth + 1
	if parentRoot.Valid {
		hc.rootID = &parentRoot.Int64
	} else {
		// Parent is itself a root whose root_task_id never got patched;
		// treat its own id as the root.
		hc.rootID = parentID
	}
	return hc, nil
}

// CreateTaskParams carries the caller-supplied fields for a new task.
type CreateTaskParams struct {
	Title        string
	Description  string
	ParentTaskID *int64
	TagIDs       []int64
}

// CreateTask inserts a task with its hierarchy context inside one
// transaction: context build, insert, root patch for new roots, tag
// ownership check and attach. Either everything commits or nothing does.
func (s *Store) CreateTask(ctx context.Context, ownerID int64, params CreateTaskParams) (*Task, error) {
	if params.Title == "" {
		return nil, &ValidationError{Msg: "task title must not be empty"}
	}

	var taskID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		hc, err := buildHierarchyContext(ctx, tx, ownerID, params.ParentTaskID)
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO tasks (owner_id, title, description, parent_task_id, root_task_id, depth, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id;
		`, ownerID, params.Title, params.Description, hc.parentID, hc.rootID, hc.depth, hc.position).Scan(&taskID)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		// A new root cannot know its own id before the insert.
		if hc.rootID == nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET root_task_id = id WHERE id = ?;
			`, taskID); err != nil {
				return fmt.Errorf("patch root task id: %w", err)
			}
		}

		if len(params.TagIDs) > 0 {
			if err := verifyTagOwnership(ctx, tx, ownerID, params.TagIDs); err != nil {
				return err
			}
			if err := attachLinks(ctx, tx, taskTagLinks, taskID, params.TagIDs); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	task, err := s.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: taskID, OwnerID: ownerID, Title: task.Title})
	return task, nil
}

// GetTask returns a task by owner-scoped id with its attached tags.
func (s *Store) GetTask(ctx context.Context, ownerID, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ? AND owner_id = ?;
	`, taskID, ownerID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "task"}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if err := s.loadTaskTags(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) loadTaskTags(ctx context.Context, task *Task) error {
	sets, err := s.tagSets(ctx, taskTagLinks, []int64{task.ID})
	if err != nil {
		return err
	}
	task.Tags = sets[task.ID]
	return nil
}

// tagSets batch-loads the attached tags for a set of subjects in one query,
// keyed by subject id. Tags come back name-ordered within each subject.
func (s *Store) tagSets(ctx context.Context, lt linkTable, subjectIDs []int64) (map[int64][]Tag, error) {
	ids := dedupeIDs(subjectIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT lk.%s, t.id, t.owner_id, t.name, t.created_at, t.updated_at
		FROM tags t
		JOIN %s lk ON lk.tag_id = t.id
		WHERE lk.%s IN (%s)
		ORDER BY t.name;
	`, lt.subjectCol, lt.name, lt.subjectCol, placeholders(len(ids)))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load %s tags: %w", lt.name, err)
	}
	defer rows.Close()

	sets := make(map[int64][]Tag, len(ids))
	for rows.Next() {
		var subjectID int64
		var tag Tag
		if err := rows.Scan(&subjectID, &tag.ID, &tag.OwnerID, &tag.Name, &tag.CreatedAt, &tag.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s tag: %w", lt.name, err)
		}
		sets[subjectID] = append(sets[subjectID], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s tag rows: %w", lt.name, err)
	}
	return sets, nil
}

// Subtree returns the task identified by rootID and every descendant
// reachable through parent_task_id, each annotated with depth relative to
// the queried root. One recursive traversal, no per-level round trips; the
// owner check applies to the anchor row only, since parent edges never
// cross owners by construction. Rows come back ordered by absolute depth
// then position, so parents precede children and siblings keep insertion
// order.
func (s *Store) Subtree(ctx context.Context, ownerID, rootID int64) ([]TaskNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT `+taskColumns+`, 0 AS rel_depth
			FROM tasks
			WHERE id = ? AND owner_id = ?
			UNION ALL
			SELECT t.id, t.owner_id, t.title, t.description, t.completed, t.parent_task_id,
				t.root_task_id, t.depth, t.position, t.created_at, t.updated_at, st.rel_depth + 1
			FROM tasks t
			JOIN subtree st ON t.parent_task_id = st.id
			WHERE st.rel_depth < ?
		)
		SELECT `+taskColumns+`, rel_depth FROM subtree ORDER BY depth, position;
	`, rootID, ownerID, maxTreeDepth)
	if err != nil {
		return nil, fmt.Errorf("query subtree: %w", err)
	}
	defer rows.Close()

	var nodes []TaskNode
	for rows.Next() {
		var node TaskNode
		var parentID, rootTaskID sql.NullInt64
		err := rows.Scan(
			&node.ID,
			&node.OwnerID,
			&node.Title,
			&node.Description,
			&node.Completed,
			&parentID,
			&rootTaskID,
			&node.Depth,
			&node.Position,
			&node.CreatedAt,
			&node.UpdatedAt,
			&node.RelativeDepth,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subtree row: %w", err)
		}
		if parentID.Valid {
			node.ParentTaskID = &parentID.Int64
		}
		if rootTaskID.Valid {
			node.RootTaskID = &rootTaskID.Int64
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subtree rows: %w", err)
	}
	if len(nodes) == 0 {
		return nil, &NotFoundError{Resource: "task"}
	}

	ids := make([]int64, len(nodes))
	for i := range nodes {
		ids[i] = nodes[i].ID
	}
	sets, err := s.tagSets(ctx, taskTagLinks, ids)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		nodes[i].Tags = sets[nodes[i].ID]
	}
	return nodes, nil
}

// ListRoots returns the owner's root tasks in position order.
func (s *Store) ListRoots(ctx context.Context, ownerID int64) ([]Task, error) {
	return s.listTasksWhere(ctx, `owner_id = ? AND parent_task_id IS NULL`, ownerID)
}

// ListTasks returns the owner's tasks, restricted to those carrying every
// tag in requiredTagIDs when the filter is non-empty. An empty filter means
// no filtering at all; the intersection query is never invoked for it.
func (s *Store) ListTasks(ctx context.Context, ownerID int64, requiredTagIDs []int64) ([]Task, error) {
	if len(requiredTagIDs) == 0 {
		return s.listTasksWhere(ctx, `owner_id = ?`, ownerID)
	}

	ids, err := s.TasksWithAllTags(ctx, requiredTagIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := `owner_id = ? AND id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	return s.listTasksWhere(ctx, query, args...)
}

func (s *Store) listTasksWhere(ctx context.Context, where string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE `+where+`
		ORDER BY depth, position, id;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	if len(tasks) > 0 {
		ids := make([]int64, len(tasks))
		for i := range tasks {
			ids[i] = tasks[i].ID
		}
		sets, err := s.tagSets(ctx, taskTagLinks, ids)
		if err != nil {
			return nil, err
		}
		for i := range tasks {
			tasks[i].Tags = sets[tasks[i].ID]
		}
	}
	return tasks, nil
}

// TaskParent distinguishes "clear the parent" (nil ID) from "set it".
type TaskParent struct {
	ID *int64
}

// TaskUpdate carries partial-update fields; nil pointers leave the stored
// value untouched. A nil TagIDs leaves links alone, an empty non-nil slice
// clears them.
type TaskUpdate struct {
	Title       *string
	Description *string
	Completed   *bool
	Parent      *TaskParent
	TagIDs      *[]int64
}

// UpdateTask applies a partial update to an owner-scoped task, syncing tag
// links in the same transaction when TagIDs is provided. Hierarchy is
// immutable after creation except for clearing the parent, which turns the
// task into a root with freshly computed position; any other parent change
// is rejected. Descendants of a promoted task are not revisited: they keep
// their old absolute depth and root_task_id. Subtree ordering still holds
// because the traversal computes relative depth itself. Setting completed
// appends a System log after commit; best-effort, the completed task stays
// committed even if the append fails.
func (s *Store) UpdateTask(ctx context.Context, ownerID, taskID int64, upd TaskUpdate) (*Task, error) {
	var completedNow bool
	var title string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE id = ? AND owner_id = ?;
		`, taskID, ownerID)
		current, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Resource: "task"}
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}

		next := *current
		if upd.Title != nil {
			if *upd.Title == "" {
				return &ValidationError{Msg: "task title must not be empty"}
			}
			next.Title = *upd.Title
		}
		if upd.Description != nil {
			next.Description = *upd.Description
		}
		if upd.Completed != nil {
			next.Completed = *upd.Completed
		}

		if upd.Parent != nil {
			switch {
			case sameParent(current.ParentTaskID, upd.Parent.ID):
				// No change.
			case current.ParentTaskID != nil && upd.Parent.ID == nil:
				// Clearing promotes the task to a root; its own ancestry
				// fields are recomputed, descendants are not revisited.
				hc, err := buildHierarchyContext(ctx, tx, ownerID, nil)
				if err != nil {
					return err
				}
				next.ParentTaskID = nil
				next.RootTaskID = &taskID
				next.Depth = 0
				next.Position = hc.position
			default:
				return &ValidationError{Msg: "task parent cannot be changed after creation"}
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET title = ?, description = ?, completed = ?, parent_task_id = ?,
				root_task_id = ?, depth = ?, position = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND owner_id = ?;
		`, next.Title, next.Description, next.Completed, next.ParentTaskID,
			next.RootTaskID, next.Depth, next.Position, taskID, ownerID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		if upd.TagIDs != nil {
			if err := verifyTagOwnership(ctx, tx, ownerID, *upd.TagIDs); err != nil {
				return err
			}
			if err := syncLinks(ctx, tx, taskTagLinks, taskID, *upd.TagIDs); err != nil {
				return err
			}
		}

		completedNow = !current.Completed && next.Completed
		title = next.Title
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if completedNow {
		s.publish(bus.TopicTaskCompleted, bus.TaskEvent{TaskID: taskID, OwnerID: ownerID, Title: title})
		if err := s.appendCompletionLog(ctx, ownerID, taskID, title); err != nil {
			return nil, err
		}
	}
	return s.GetTask(ctx, ownerID, taskID)
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// DeleteTask removes an owner-scoped task. The parent_task_id cascade
// takes the entire subtree with it, and link rows follow through their own
// cascades, all in one statement.
func (s *Store) DeleteTask(ctx context.Context, ownerID, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = ? AND owner_id = ?;
	`, taskID, ownerID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{Resource: "task"}
	}
	s.publish(bus.TopicTaskDeleted, bus.TaskEvent{TaskID: taskID, OwnerID: ownerID})
	return nil
}
