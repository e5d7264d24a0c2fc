package domain

// Status is shared by phase states and work-item nodes.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Level is the depth of a node in the work-item hierarchy.
type Level string

const (
	LevelEpic    Level = "epic"
	LevelStory   Level = "story"
	LevelTask    Level = "task"
	LevelSubtask Level = "subtask"
)

var levelDepth = map[Level]int{
	LevelEpic:    0,
	LevelStory:   1,
	LevelTask:    2,
	LevelSubtask: 3,
}

func (l Level) Valid() bool {
	_, ok := levelDepth[l]
	return ok
}

// ParentLevel returns the level a node of this level must hang under.
// Epics have no parent.
func (l Level) ParentLevel() (Level, bool) {
	switch l {
	case LevelStory:
		return LevelEpic, true
	case LevelTask:
		return LevelStory, true
	case LevelSubtask:
		return LevelTask, true
	}
	return "", false
}

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Phase struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SequenceOrder int    `json:"sequence_order"`
	Description   string `json:"description,omitempty"`
}

type WorkItemPhaseState struct {
	WorkItemID           string  `json:"work_item_id"`
	PhaseID              string  `json:"phase_id"`
	Status               Status  `json:"status" enum:"not_started,in_progress,completed"`
	CompletionPercentage int     `json:"completion_percentage" minimum:"0" maximum:"100"`
	StartDate            *string `json:"start_date,omitempty" format:"date-time"`
	EndDate              *string `json:"end_date,omitempty" format:"date-time"`
	Notes                string  `json:"notes,omitempty"`
}

type WorkItem struct {
	ID                   string  `json:"id"`
	ProjectID            string  `json:"project_id"`
	ParentID             *string `json:"parent_id,omitempty"`
	Level                Level   `json:"level" enum:"epic,story,task,subtask"`
	Title                string  `json:"title"`
	Description          string  `json:"description,omitempty"`
	Status               Status  `json:"status" enum:"not_started,in_progress,completed"`
	CompletionPercentage int     `json:"completion_percentage"`
	CurrentPhaseID       *string `json:"current_phase_id,omitempty"`
	Version              int64   `json:"version"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

// Notification is what a NotifyUsers side effect turns into once a transition commits.
type Notification struct {
	ProjectID  string `json:"project_id"`
	WorkItemID string `json:"work_item_id"`
	PhaseID    string `json:"phase_id,omitempty"`
	Scope      string `json:"scope"`
	Message    string `json:"message"`
	ActorID    string `json:"actor_id,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey is a stored credential. Only the hash of the secret is kept; Prefix
// is the first characters of the secret so a key can be recognised in lists.
type APIKey struct {
	ID        string  `json:"id"`
	ActorID   string  `json:"actor_id"`
	Name      string  `json:"name,omitempty"`
	Prefix    string  `json:"prefix"`
	KeyHash   string  `json:"-"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	RevokedAt *string `json:"revoked_at,omitempty" format:"date-time"`
}
