// Package snapshot exports an owner's full task board (tasks, tags, logs)
// to a portable JSON document and restores one into an empty or existing
// store. Imported documents are validated against an embedded JSON Schema
// before any row is written.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/acrewood/tangle/internal/persistence"
)

// FormatVersion identifies the snapshot document layout.
const FormatVersion = 1

// TaskRecord is one exported task. ID and ParentID carry the source
// database ids; they only serve to reconnect the hierarchy on import and
// are remapped to fresh ids there.
type TaskRecord struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Completed   bool     `json:"completed"`
	ParentID    *int64   `json:"parent_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// LogRecord is one exported log entry.
type LogRecord struct {
	Content string   `json:"content"`
	Source  string   `json:"source"`
	TaskID  *int64   `json:"task_id,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Snapshot is the exported document.
type Snapshot struct {
	SnapshotID    string       `json:"snapshot_id"`
	FormatVersion int          `json:"format_version"`
	CreatedAt     time.Time    `json:"created_at"`
	OwnerID       int64        `json:"owner_id"`
	Tags          []string     `json:"tags"`
	Tasks         []TaskRecord `json:"tasks"`
	Logs          []LogRecord  `json:"logs"`
}

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["snapshot_id", "format_version", "owner_id", "tags", "tasks", "logs"],
	"properties": {
		"snapshot_id": {"type": "string", "minLength": 1},
		"format_version": {"type": "integer", "minimum": 1, "maximum": 1},
		"created_at": {"type": "string"},
		"owner_id": {"type": "integer"},
		"tags": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "title"],
				"properties": {
					"id": {"type": "integer"},
					"title": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"completed": {"type": "boolean"},
					"parent_id": {"type": "integer"},
					"tags": {"type": "array", "items": {"type": "string"}}
				}
			}
		},
		"logs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["content", "source"],
				"properties": {
					"content": {"type": "string", "minLength": 1},
					"source": {"type": "string", "enum": ["User", "System"]},
					"task_id": {"type": "integer"},
					"tags": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

// Export collects the owner's tags, tasks and logs into a Snapshot.
// Tasks come back parents before children, which Import relies on.
func Export(ctx context.Context, store *persistence.Store, ownerID int64) (*Snapshot, error) {
	snap := &Snapshot{
		SnapshotID:    uuid.NewString(),
		FormatVersion: FormatVersion,
		CreatedAt:     time.Now().UTC(),
		OwnerID:       ownerID,
		Tags:          []string{},
		Tasks:         []TaskRecord{},
		Logs:          []LogRecord{},
	}

	tags, err := store.ListTags(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("export tags: %w", err)
	}
	for _, t := range tags {
		snap.Tags = append(snap.Tags, t.Name)
	}

	tasks, err := store.ListTasks(ctx, ownerID, nil)
	if err != nil {
		return nil, fmt.Errorf("export tasks: %w", err)
	}
	for _, t := range tasks {
		rec := TaskRecord{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Completed:   t.Completed,
			ParentID:    t.ParentTaskID,
		}
		for _, tg := range t.Tags {
			rec.Tags = append(rec.Tags, tg.Name)
		}
		snap.Tasks = append(snap.Tasks, rec)
	}

	logs, err := store.ListLogs(ctx, ownerID, nil)
	if err != nil {
		return nil, fmt.Errorf("export logs: %w", err)
	}
	for _, l := range logs {
		rec := LogRecord{
			Content: l.Content,
			Source:  string(l.Source),
			TaskID:  l.TaskID,
		}
		for _, tg := range l.Tags {
			rec.Tags = append(rec.Tags, tg.Name)
		}
		snap.Logs = append(snap.Logs, rec)
	}
	return snap, nil
}

// Write serializes the snapshot as indented JSON.
func Write(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Read validates raw against the snapshot schema and decodes it.
func Read(raw []byte) (*Snapshot, error) {
	if err := validateDocument(raw); err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func validateDocument(raw []byte) error {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal snapshot schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("snapshot.json", schemaDoc); err != nil {
		return fmt.Errorf("add snapshot schema: %w", err)
	}
	schema, err := c.Compile("snapshot.json")
	if err != nil {
		return fmt.Errorf("compile snapshot schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("snapshot is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("snapshot failed validation: %w", err)
	}
	return nil
}

// ImportResult reports what an import created.
type ImportResult struct {
	Tags  int
	Tasks int
	Logs  int
}

// Import replays a snapshot into the store for ownerID. Tags are
// find-or-created, tasks are recreated parents-first with fresh ids, and
// logs follow with their task references remapped. Completed flags are
// restored directly so the import never emits completion logs of its own.
func Import(ctx context.Context, store *persistence.Store, ownerID int64, snap *Snapshot) (*ImportResult, error) {
	res := &ImportResult{}

	tagIDs := make(map[string]int64, len(snap.Tags))
	ensure := func(name string) (int64, error) {
		if id, ok := tagIDs[name]; ok {
			return id, nil
		}
		tag, err := store.EnsureTag(ctx, ownerID, name)
		if err != nil {
			return 0, fmt.Errorf("import tag %q: %w", name, err)
		}
		tagIDs[name] = tag.ID
		return tag.ID, nil
	}
	for _, name := range snap.Tags {
		if _, err := ensure(name); err != nil {
			return res, err
		}
		res.Tags++
	}

	resolveTags := func(names []string) ([]int64, error) {
		ids := make([]int64, 0, len(names))
		for _, n := range names {
			id, err := ensure(n)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	taskIDs := make(map[int64]int64, len(snap.Tasks))
	for _, rec := range snap.Tasks {
		params := persistence.CreateTaskParams{
			Title:       rec.Title,
			Description: rec.Description,
		}
		if rec.ParentID != nil {
			newParent, ok := taskIDs[*rec.ParentID]
			if !ok {
				return res, fmt.Errorf("task %q references parent %d not present earlier in the snapshot", rec.Title, *rec.ParentID)
			}
			params.ParentTaskID = &newParent
		}
		ids, err := resolveTags(rec.Tags)
		if err != nil {
			return res, err
		}
		params.TagIDs = ids

		task, err := store.CreateTask(ctx, ownerID, params)
		if err != nil {
			return res, fmt.Errorf("import task %q: %w", rec.Title, err)
		}
		taskIDs[rec.ID] = task.ID

		// Restore the flag without the completion-transition side effects.
		if rec.Completed {
			if _, err := store.DB().ExecContext(ctx, `
				UPDATE tasks SET completed = 1 WHERE id = ? AND owner_id = ?;
			`, task.ID, ownerID); err != nil {
				return res, fmt.Errorf("restore completed flag for %q: %w", rec.Title, err)
			}
		}
		res.Tasks++
	}

	for _, rec := range snap.Logs {
		params := persistence.CreateLogParams{
			Content: rec.Content,
			Source:  persistence.LogSource(rec.Source),
		}
		if rec.TaskID != nil {
			if newID, ok := taskIDs[*rec.TaskID]; ok {
				params.TaskID = &newID
			}
		}
		ids, err := resolveTags(rec.Tags)
		if err != nil {
			return res, err
		}
		params.TagIDs = ids

		if _, err := store.CreateLog(ctx, ownerID, params); err != nil {
			return res, fmt.Errorf("import log: %w", err)
		}
		res.Logs++
	}
	return res, nil
}
