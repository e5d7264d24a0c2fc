package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/phase"
	"phaseline/internal/repo"
	"phaseline/internal/rollup"
)

// WorkItemCreateOptions are parameters for creating a work item.
type WorkItemCreateOptions struct {
	ID          string
	ProjectID   string
	ParentID    string
	Level       domain.Level
	Title       string
	Description string
	ActorID     string
}

// CreateWorkItem inserts a node. Epics get one phase state per project phase
// and point at the first phase; any other level is rolled up into its
// ancestors immediately.
func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, invalidf("title is required")
	}
	if !opts.Level.Valid() {
		return domain.WorkItem{}, invalidf("level %q must be one of epic, story, task, subtask", opts.Level)
	}
	if opts.ProjectID == "" {
		return domain.WorkItem{}, invalidf("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.WorkItem{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	wantParent, needsParent := opts.Level.ParentLevel()
	switch {
	case !needsParent && opts.ParentID != "":
		return domain.WorkItem{}, invalidf("an epic cannot have a parent")
	case needsParent && opts.ParentID == "":
		return domain.WorkItem{}, invalidf("a %s requires a parent %s", opts.Level, wantParent)
	}
	if needsParent {
		parent, err := e.Repo.GetWorkItem(ctx, opts.ParentID)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("parent %s: %w", opts.ParentID, err)
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.WorkItem{}, invalidf("parent %s is in a different project", parent.ID)
		}
		if parent.Level != wantParent {
			return domain.WorkItem{}, invalidf("a %s must be under a %s, %s is a %s", opts.Level, wantParent, parent.ID, parent.Level)
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	w := domain.WorkItem{
		ID:          id,
		ProjectID:   opts.ProjectID,
		ParentID:    optionalString(opts.ParentID),
		Level:       opts.Level,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusNotStarted,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := e.retry(ctx, "create work item", func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Auth.Require(ctx, tx, opts.ProjectID, opts.ActorID, auth.PermWorkItemWrite); err != nil {
			return err
		}
		var states []domain.WorkItemPhaseState
		if w.Level == domain.LevelEpic {
			phases, err := e.Repo.ListPhasesTx(ctx, tx, opts.ProjectID)
			if err != nil {
				return err
			}
			reg, err := phase.NewRegistry(phases, nil)
			if err != nil {
				return fmt.Errorf("project %s phases: %w", opts.ProjectID, err)
			}
			states = phase.InitialStates(w.ID, phases, e.now())
			first := reg.First().ID
			w.CurrentPhaseID = &first
			w.Status = domain.StatusInProgress
		}
		if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
			return fmt.Errorf("insert work item: %w", err)
		}
		if err := e.Repo.InsertPhaseStates(ctx, tx, states); err != nil {
			return fmt.Errorf("insert phase states: %w", err)
		}
		if err := e.appendEvent(ctx, tx, events.WorkItemCreated, w.ProjectID, "work_item", w.ID, opts.ActorID, events.EventPayload{
			"level":     w.Level,
			"title":     w.Title,
			"parent_id": opts.ParentID,
		}); err != nil {
			return err
		}
		if w.Level != domain.LevelEpic {
			if _, err := e.rollupFrom(ctx, tx, w.ID, opts.ActorID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	return e.Repo.GetWorkItem(ctx, w.ID)
}

func (e Engine) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Repo.GetWorkItem(ctx, id)
}

// TreeNode is a work item with its children, for display.
type TreeNode struct {
	domain.WorkItem
	Children []TreeNode `json:"children,omitempty"`
}

// WorkItemTree returns rootID and all descendants as a nested tree.
func (e Engine) WorkItemTree(ctx context.Context, rootID string) (TreeNode, error) {
	items, err := e.Repo.ListSubtree(ctx, rootID)
	if err != nil {
		return TreeNode{}, err
	}
	byParent := map[string][]domain.WorkItem{}
	var root domain.WorkItem
	for _, it := range items {
		if it.ID == rootID {
			root = it
			continue
		}
		parent := stringOrEmpty(it.ParentID)
		byParent[parent] = append(byParent[parent], it)
	}
	var build func(domain.WorkItem) TreeNode
	build = func(w domain.WorkItem) TreeNode {
		n := TreeNode{WorkItem: w}
		for _, c := range byParent[w.ID] {
			n.Children = append(n.Children, build(c))
		}
		return n
	}
	return build(root), nil
}

// ProgressUpdateOptions sets a subtask's explicit status or percentage.
type ProgressUpdateOptions struct {
	WorkItemID           string
	Status               domain.Status
	CompletionPercentage *int
	ActorID              string
}

type ProgressResult struct {
	WorkItem domain.WorkItem           `json:"work_item"`
	Rollup   RollupSummary             `json:"rollup"`
	Phase    *domain.WorkItemPhaseState `json:"phase_state,omitempty"`
}

// RollupSummary names the ancestors recomputed by one rollup pass.
type RollupSummary struct {
	EpicID  string `json:"epic_id,omitempty"`
	StoryID string `json:"story_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Writes  int    `json:"writes"`
}

func normalizeProgress(status domain.Status, pct *int, current int) (domain.Status, int, error) {
	if pct != nil && (*pct < 0 || *pct > 100) {
		return "", 0, invalidf("completion percentage %d is outside 0-100", *pct)
	}
	switch status {
	case "":
		if pct == nil {
			return "", 0, invalidf("status or completion percentage is required")
		}
		return rollup.StatusFor(*pct), *pct, nil
	case domain.StatusCompleted:
		if pct != nil && *pct != 100 {
			return "", 0, invalidf("a completed subtask is 100%%, got %d", *pct)
		}
		return status, 100, nil
	case domain.StatusNotStarted:
		if pct != nil && *pct != 0 {
			return "", 0, invalidf("a not started subtask is 0%%, got %d", *pct)
		}
		return status, 0, nil
	case domain.StatusInProgress:
		if pct == nil {
			if current >= 100 {
				current = 0
			}
			return status, current, nil
		}
		if *pct == 100 {
			return "", 0, invalidf("an in progress subtask cannot be 100%%")
		}
		return status, *pct, nil
	}
	return "", 0, invalidf("unknown status %q", status)
}

// UpdateProgress changes a subtask and rolls the change up to its epic. The
// snapshot is read without a transaction and written back under version
// checks; a concurrent writer causes a retry from a fresh read.
func (e Engine) UpdateProgress(ctx context.Context, opts ProgressUpdateOptions) (ProgressResult, error) {
	var out ProgressResult
	err := e.retry(ctx, "update progress", func() error {
		leaf, err := e.Repo.GetWorkItem(ctx, opts.WorkItemID)
		if err != nil {
			return err
		}
		if leaf.Level != domain.LevelSubtask {
			return invalidf("progress is set on subtasks; %s is a %s and is derived from its children", leaf.ID, leaf.Level)
		}
		status, pct, err := normalizeProgress(opts.Status, opts.CompletionPercentage, leaf.CompletionPercentage)
		if err != nil {
			return err
		}

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Auth.Require(ctx, tx, leaf.ProjectID, opts.ActorID, auth.PermProgressWrite); err != nil {
			return err
		}
		prev := leaf
		leaf.Status = status
		leaf.CompletionPercentage = pct
		leaf.UpdatedAt = e.timestamp()
		if leaf.Version, err = e.Repo.UpdateWorkItem(ctx, tx, leaf); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.WorkItemProgress, leaf.ProjectID, "work_item", leaf.ID, opts.ActorID, events.EventPayload{
			"from_status": prev.Status,
			"to_status":   leaf.Status,
			"from_pct":    prev.CompletionPercentage,
			"to_pct":      leaf.CompletionPercentage,
		}); err != nil {
			return err
		}
		res, err := e.rollupFrom(ctx, tx, leaf.ID, opts.ActorID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = ProgressResult{WorkItem: leaf, Rollup: res.summary, Phase: res.synced}
		return nil
	})
	return out, err
}

type rollupOutcome struct {
	summary RollupSummary
	synced  *domain.WorkItemPhaseState
}

// rollupFrom recomputes the ancestors of startID inside tx. The start node
// must already be written.
func (e Engine) rollupFrom(ctx context.Context, tx *sql.Tx, startID, actorID string) (rollupOutcome, error) {
	rootID, err := e.Repo.RootIDTx(ctx, tx, startID)
	if err != nil {
		return rollupOutcome{}, err
	}
	items, err := e.Repo.ListSubtreeTx(ctx, tx, rootID)
	if err != nil {
		return rollupOutcome{}, err
	}
	tree, byID, err := buildTree(items)
	if err != nil {
		return rollupOutcome{}, err
	}
	res, err := tree.Recompute(startID)
	if err != nil {
		return rollupOutcome{}, err
	}
	writes, err := e.applyRollup(ctx, tx, byID, res.Updates, actorID)
	if err != nil {
		return rollupOutcome{}, err
	}
	out := rollupOutcome{summary: RollupSummary{EpicID: res.EpicID, StoryID: res.StoryID, TaskID: res.TaskID, Writes: writes}}
	if root := byID[rootID]; root.Level == domain.LevelEpic {
		synced, err := e.syncPhaseProgress(ctx, tx, root, actorID)
		if err != nil {
			return rollupOutcome{}, err
		}
		out.synced = synced
	}
	return out, nil
}

func buildTree(items []domain.WorkItem) (*rollup.Tree, map[string]domain.WorkItem, error) {
	nodes := make([]rollup.Node, 0, len(items))
	byID := make(map[string]domain.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
		nodes = append(nodes, rollup.Node{
			ID:                   it.ID,
			ParentID:             stringOrEmpty(it.ParentID),
			Level:                it.Level,
			Status:               it.Status,
			CompletionPercentage: it.CompletionPercentage,
		})
	}
	tree, err := rollup.NewTree(nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("work item tree: %w", err)
	}
	return tree, byID, nil
}

// applyRollup writes changed ancestors under version checks and updates
// byID in place. Epic status is never taken from a rollup: it follows the
// final phase.
func (e Engine) applyRollup(ctx context.Context, tx *sql.Tx, byID map[string]domain.WorkItem, updates []rollup.Update, actorID string) (int, error) {
	writes := 0
	now := e.timestamp()
	for _, u := range updates {
		w, ok := byID[u.ID]
		if !ok {
			return writes, fmt.Errorf("rollup update for unknown work item %s: %w", u.ID, repo.ErrNotFound)
		}
		status := w.Status
		if u.StatusWritten && w.Level != domain.LevelEpic {
			status = u.Status
		}
		if w.CompletionPercentage == u.CompletionPercentage && w.Status == status {
			continue
		}
		prev := w
		w.CompletionPercentage = u.CompletionPercentage
		w.Status = status
		w.UpdatedAt = now
		v, err := e.Repo.UpdateWorkItem(ctx, tx, w)
		if err != nil {
			return writes, err
		}
		w.Version = v
		byID[w.ID] = w
		writes++
		e.Metrics.RollupWrite(string(w.Level))
		if err := e.appendEvent(ctx, tx, events.WorkItemRollup, w.ProjectID, "work_item", w.ID, actorID, events.EventPayload{
			"level":       w.Level,
			"from_pct":    prev.CompletionPercentage,
			"to_pct":      w.CompletionPercentage,
			"from_status": prev.Status,
			"to_status":   w.Status,
		}); err != nil {
			return writes, err
		}
	}
	return writes, nil
}

// syncPhaseProgress copies the epic's rolled-up percentage into its current
// phase while that phase is in progress. It stays below 100 because only a
// completion transition may set 100. Subtasks are not tagged with a phase, so
// every phase reads the same epic-wide signal: a freshly started phase picks
// up the whole rollup on the next sync.
func (e Engine) syncPhaseProgress(ctx context.Context, tx *sql.Tx, epic domain.WorkItem, actorID string) (*domain.WorkItemPhaseState, error) {
	if epic.CurrentPhaseID == nil {
		return nil, nil
	}
	states, err := e.Repo.ListPhaseStatesTx(ctx, tx, epic.ID)
	if err != nil {
		return nil, err
	}
	var st *domain.WorkItemPhaseState
	for i := range states {
		if states[i].PhaseID == *epic.CurrentPhaseID {
			st = &states[i]
			break
		}
	}
	if st == nil {
		return nil, &phase.NotFoundError{WorkItemID: epic.ID, PhaseID: *epic.CurrentPhaseID}
	}
	target := min(epic.CompletionPercentage, 99)
	if st.Status != domain.StatusInProgress || st.CompletionPercentage == target {
		return nil, nil
	}
	from := st.CompletionPercentage
	st.CompletionPercentage = target
	if err := e.Repo.UpdatePhaseState(ctx, tx, *st); err != nil {
		return nil, err
	}
	// phase rows are guarded by the epic version
	epic.UpdatedAt = e.timestamp()
	if _, err := e.Repo.UpdateWorkItem(ctx, tx, epic); err != nil {
		return nil, err
	}
	if err := e.appendEvent(ctx, tx, events.PhaseProgressSynced, epic.ProjectID, "work_item", epic.ID, actorID, events.EventPayload{
		"phase_id": st.PhaseID,
		"from_pct": from,
		"to_pct":   target,
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// PhaseStates returns the epic's phase states in sequence order.
func (e Engine) PhaseStates(ctx context.Context, workItemID string) ([]domain.WorkItemPhaseState, error) {
	w, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	if w.Level != domain.LevelEpic {
		return nil, invalidf("%s is a %s; only epics have phases", w.ID, w.Level)
	}
	return e.Repo.ListPhaseStates(ctx, w.ID)
}

// IsInvalidInput reports whether err was caused by caller input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
