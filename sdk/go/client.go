package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Phase is one step of the project lifecycle.
type Phase struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SequenceOrder int    `json:"sequence_order"`
	Description   string `json:"description,omitempty"`
}

// WorkItem represents the API work item model.
type WorkItem struct {
	ID                   string  `json:"id"`
	ProjectID            string  `json:"project_id"`
	ParentID             *string `json:"parent_id,omitempty"`
	Level                string  `json:"level"`
	Title                string  `json:"title"`
	Status               string  `json:"status"`
	CompletionPercentage int     `json:"completion_percentage"`
	CurrentPhaseID       *string `json:"current_phase_id,omitempty"`
	Version              int64   `json:"version"`
}

// PhaseState is the per-phase progress of an epic.
type PhaseState struct {
	WorkItemID           string  `json:"work_item_id"`
	PhaseID              string  `json:"phase_id"`
	Status               string  `json:"status"`
	CompletionPercentage int     `json:"completion_percentage"`
	StartDate            *string `json:"start_date,omitempty"`
	EndDate              *string `json:"end_date,omitempty"`
	Notes                string  `json:"notes,omitempty"`
}

// SideEffect is one instruction produced by an accepted transition.
type SideEffect struct {
	Type     string      `json:"type"`
	State    *PhaseState `json:"state,omitempty"`
	PhaseID  string      `json:"phase_id,omitempty"`
	PhaseIDs []string    `json:"phase_ids,omitempty"`
	Scope    string      `json:"scope,omitempty"`
	Message  string      `json:"message,omitempty"`
	Action   string      `json:"action,omitempty"`
	ActorID  string      `json:"actor_id,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

// TransitionResult reports the outcome of a transition. A rejected
// transition has Success false and a human-readable Message.
type TransitionResult struct {
	Success     bool         `json:"success"`
	NewStatus   string       `json:"new_status"`
	NewPhaseID  string       `json:"new_phase_id,omitempty"`
	Message     string       `json:"message"`
	SideEffects []SideEffect `json:"side_effects"`
	WorkItem    WorkItem     `json:"work_item"`
}

// TransitionRequest submits one lifecycle event for an epic.
type TransitionRequest struct {
	Event          string `json:"event"`
	CurrentPhaseID string `json:"current_phase_id,omitempty"`
	TargetPhaseID  string `json:"target_phase_id,omitempty"`
	Notes          string `json:"notes,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type AvailableTransitions struct {
	CanStart          bool `json:"can_start"`
	CanComplete       bool `json:"can_complete"`
	CanMoveToNext     bool `json:"can_move_to_next"`
	CanMoveToPrevious bool `json:"can_move_to_previous"`
	CanReset          bool `json:"can_reset"`
	CanSkip           bool `json:"can_skip"`
}

// ProgressResult is the updated subtask plus the ancestors the rollup touched.
type ProgressResult struct {
	WorkItem WorkItem `json:"work_item"`
	Rollup   struct {
		EpicID  string `json:"epic_id,omitempty"`
		StoryID string `json:"story_id,omitempty"`
		TaskID  string `json:"task_id,omitempty"`
		Writes  int    `json:"writes"`
	} `json:"rollup"`
	Phase *PhaseState `json:"phase_state,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Phases lists the project phases in sequence order.
func (c *Client) Phases(ctx context.Context) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, "phases", nil, &resp)
	return resp, err
}

// CreateWorkItem creates a node. parentID is empty for epics.
func (c *Client) CreateWorkItem(ctx context.Context, level, parentID, title string) (WorkItem, error) {
	body := map[string]any{
		"level": level,
		"title": title,
	}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "work-items", body, &resp)
	return resp, err
}

// Transition submits a lifecycle event. A business rejection is not an error.
func (c *Client) Transition(ctx context.Context, workItemID string, req TransitionRequest) (TransitionResult, error) {
	var resp TransitionResult
	endpoint := fmt.Sprintf("work-items/%s/transitions", url.PathEscape(workItemID))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// AvailableTransitions reports what the caller may do with the epic now.
func (c *Client) AvailableTransitions(ctx context.Context, workItemID string) (AvailableTransitions, error) {
	var resp AvailableTransitions
	endpoint := fmt.Sprintf("work-items/%s/transitions", url.PathEscape(workItemID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateProgress sets a subtask's status and/or percentage. Pass "" or nil to
// leave either unset.
func (c *Client) UpdateProgress(ctx context.Context, workItemID, status string, pct *int) (ProgressResult, error) {
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	if pct != nil {
		body["completion_percentage"] = *pct
	}
	var resp ProgressResult
	endpoint := fmt.Sprintf("work-items/%s/progress", url.PathEscape(workItemID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ProjectID != "" {
		req.Header.Set("X-Project-Id", c.ProjectID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
