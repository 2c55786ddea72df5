package bus

// Store event topics. The "task." / "tag." / "log." prefixes let
// subscribers follow one entity kind without enumerating topics.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskCompleted = "task.completed"
	TopicTaskDeleted   = "task.deleted"
	TopicTagEnsured    = "tag.ensured"
	TopicLogCreated    = "log.created"
)

// TaskEvent is published when a task is created, completed or deleted.
type TaskEvent struct {
	TaskID  int64  // Task ID
	OwnerID int64  // Owning user
	Title   string // Task title (empty on delete)
}

// TagEvent is published when a tag row is created by the registry.
type TagEvent struct {
	TagID   int64
	OwnerID int64
	Name    string
}

// LogEvent is published when a log entry is written.
type LogEvent struct {
	LogID   int64
	OwnerID int64
	Source  string // "User" or "System"
}
