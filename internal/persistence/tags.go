package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acrewood/tangle/internal/bus"
)

// Tag is an owner-scoped label. TaskCount is computed at query time,
// never stored.
type Tag struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	TaskCount int       `json:"task_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const tagColumns = "id, owner_id, name, created_at, updated_at"

func scanTag(row *sql.Row) (*Tag, error) {
	var tag Tag
	err := row.Scan(&tag.ID, &tag.OwnerID, &tag.Name, &tag.CreatedAt, &tag.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// EnsureTag finds the tag named name for the owner, creating it when absent.
// Matching is case-sensitive on the trimmed name. A loser of the concurrent
// find-or-create race detects the UNIQUE violation and re-fetches; callers
// never see a duplicate-tag error from this path.
func (s *Store) EnsureTag(ctx context.Context, ownerID int64, name string) (*Tag, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, &ValidationError{Msg: "tag name must not be empty"}
	}

	tag, err := s.findTag(ctx, s.db, ownerID, trimmed)
	if err == nil {
		return tag, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find tag: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (owner_id, name)
		VALUES (?, ?)
		RETURNING `+tagColumns+`;
	`, ownerID, trimmed)
	tag, err = scanTag(row)
	if err == nil {
		s.publish(bus.TopicTagEnsured, bus.TagEvent{TagID: tag.ID, OwnerID: ownerID, Name: trimmed})
		return tag, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert tag: %w", err)
	}

	// Lost the race to a concurrent creator; the row exists now.
	tag, err = s.findTag(ctx, s.db, ownerID, trimmed)
	if err != nil {
		return nil, fmt.Errorf("refetch tag after conflict: %w", err)
	}
	return tag, nil
}

func (s *Store) findTag(ctx context.Context, q DBTX, ownerID int64, name string) (*Tag, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+tagColumns+`
		FROM tags
		WHERE owner_id = ? AND name = ?;
	`, ownerID, name)
	return scanTag(row)
}

// TagByName returns the owner's tag with the given trimmed name, without
// creating it. NotFound when no such tag exists.
func (s *Store) TagByName(ctx context.Context, ownerID int64, name string) (*Tag, error) {
	tag, err := s.findTag(ctx, s.db, ownerID, strings.TrimSpace(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "tag"}
	}
	if err != nil {
		return nil, fmt.Errorf("find tag: %w", err)
	}
	return tag, nil
}

// GetTag returns a tag by id, scoped to owner, with its computed task count.
func (s *Store) GetTag(ctx context.Context, ownerID, tagID int64) (*Tag, error) {
	var tag Tag
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.owner_id, t.name, t.created_at, t.updated_at,
			(SELECT COUNT(1) FROM task_tags tt WHERE tt.tag_id = t.id)
		FROM tags t
		WHERE t.id = ? AND t.owner_id = ?;
	`, tagID, ownerID).Scan(&tag.ID, &tag.OwnerID, &tag.Name, &tag.CreatedAt, &tag.UpdatedAt, &tag.TaskCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "tag"}
	}
	if err != nil {
		return nil, fmt.Errorf("get tag: %w", err)
	}
	return &tag, nil
}

// ListTags returns all of the owner's tags with computed task counts,
// ordered by name.
func (s *Store) ListTags(ctx context.Context, ownerID int64) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.owner_id, t.name, t.created_at, t.updated_at,
			(SELECT COUNT(1) FROM task_tags tt WHERE tt.tag_id = t.id)
		FROM tags t
		WHERE t.owner_id = ?
		ORDER BY t.name;
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.OwnerID, &tag.Name, &tag.CreatedAt, &tag.UpdatedAt, &tag.TaskCount); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tag rows: %w", err)
	}
	return tags, nil
}

// DeleteTag removes a tag scoped to owner. Link rows go with it via
// ON DELETE CASCADE.
func (s *Store) DeleteTag(ctx context.Context, ownerID, tagID int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tags WHERE id = ? AND owner_id = ?;
	`, tagID, ownerID)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tag rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{Resource: "tag"}
	}
	return nil
}

// verifyTagOwnership fails with NotFound("tag") unless every id in tagIDs
// names a tag owned by ownerID. The check belongs to the orchestration
// layer: attach/sync themselves trust their input.
func verifyTagOwnership(ctx context.Context, q DBTX, ownerID int64, tagIDs []int64) error {
	ids := dedupeIDs(tagIDs)
	if len(ids) == 0 {
		return nil
	}

	query := `SELECT COUNT(1) FROM tags WHERE owner_id = ? AND id IN (` + placeholders(len(ids)) + `);`
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}

	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return fmt.Errorf("verify tag ownership: %w", err)
	}
	if count != len(ids) {
		return &NotFoundError{Resource: "tag"}
	}
	return nil
}
