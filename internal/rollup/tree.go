// Package rollup recomputes derived completion up the Epic, Story, Task,
// Subtask hierarchy.
package rollup

import (
	"fmt"
	"math"
	"sort"

	"phaseline/internal/domain"
)

type Node struct {
	ID                   string
	ParentID             string
	Level                domain.Level
	Status               domain.Status
	CompletionPercentage int
}

// Update is one ancestor write produced by a rollup pass.
type Update struct {
	ID                   string
	Level                domain.Level
	CompletionPercentage int
	Status               domain.Status
	// StatusWritten is false when the status must be left as stored.
	StatusWritten bool
}

// Result names the ancestors that were recomputed. An id is empty when that
// level was skipped or does not exist above the starting node.
type Result struct {
	EpicID  string
	StoryID string
	TaskID  string
	Updates []Update
}

// Tree is an in-memory snapshot of one or more hierarchies.
type Tree struct {
	nodes    map[string]*Node
	children map[string][]string
}

func NewTree(nodes []Node) (*Tree, error) {
	t := &Tree{
		nodes:    make(map[string]*Node, len(nodes)),
		children: map[string][]string{},
	}
	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node with empty id")
		}
		if !n.Level.Valid() {
			return nil, fmt.Errorf("node %s has invalid level %q", n.ID, n.Level)
		}
		if _, dup := t.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.ID)
		}
		t.nodes[n.ID] = &n
	}
	for _, n := range t.nodes {
		want, hasParent := n.Level.ParentLevel()
		if !hasParent {
			if n.ParentID != "" {
				return nil, fmt.Errorf("epic %s cannot have a parent", n.ID)
			}
			continue
		}
		if n.ParentID == "" {
			return nil, fmt.Errorf("%s %s requires a parent", n.Level, n.ID)
		}
		parent, ok := t.nodes[n.ParentID]
		if !ok {
			return nil, fmt.Errorf("%s %s references missing parent %s", n.Level, n.ID, n.ParentID)
		}
		if parent.Level != want {
			return nil, fmt.Errorf("%s %s must be under a %s, got %s %s", n.Level, n.ID, want, parent.Level, parent.ID)
		}
		t.children[n.ParentID] = append(t.children[n.ParentID], n.ID)
	}
	for id := range t.children {
		sort.Strings(t.children[id])
	}
	return t, nil
}

func (t *Tree) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Children returns the immediate children of id, sorted by id.
func (t *Tree) Children(id string) []Node {
	ids := t.children[id]
	out := make([]Node, 0, len(ids))
	for _, cid := range ids {
		out = append(out, *t.nodes[cid])
	}
	return out
}

// SetLeaf records an explicit change to a node before a rollup.
func (t *Tree) SetLeaf(id string, status domain.Status, pct int) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}
	n.Status = status
	n.CompletionPercentage = pct
	return nil
}

// Derive computes one parent's values from its children's percentages: the
// unweighted mean rounded half up, with status following from the result.
// ok is false when there are no children.
func Derive(pcts []int) (pct int, status domain.Status, ok bool) {
	if len(pcts) == 0 {
		return 0, "", false
	}
	sum := 0
	for _, p := range pcts {
		sum += p
	}
	pct = int(math.Round(float64(sum) / float64(len(pcts))))
	return pct, StatusFor(pct), true
}

func StatusFor(pct int) domain.Status {
	switch {
	case pct <= 0:
		return domain.StatusNotStarted
	case pct >= 100:
		return domain.StatusCompleted
	default:
		return domain.StatusInProgress
	}
}

// Recompute walks from the parent of startID to the root, one level at a
// time, writing each level into the snapshot before moving up.
func (t *Tree) Recompute(startID string) (Result, error) {
	n, ok := t.nodes[startID]
	if !ok {
		return Result{}, fmt.Errorf("node %s not found", startID)
	}
	var res Result
	for n.ParentID != "" {
		parent := t.nodes[n.ParentID]
		if u, ok := t.recomputeNode(parent); ok {
			res.Updates = append(res.Updates, u)
			switch parent.Level {
			case domain.LevelTask:
				res.TaskID = parent.ID
			case domain.LevelStory:
				res.StoryID = parent.ID
			case domain.LevelEpic:
				res.EpicID = parent.ID
			}
		}
		n = parent
	}
	return res, nil
}

// RecomputeSubtree recomputes every non-leaf node under rootID, deepest
// level first. It is the repair pass for a whole hierarchy.
func (t *Tree) RecomputeSubtree(rootID string) ([]Update, error) {
	root, ok := t.nodes[rootID]
	if !ok {
		return nil, fmt.Errorf("node %s not found", rootID)
	}
	levels := [][]*Node{{root}}
	for {
		var next []*Node
		for _, n := range levels[len(levels)-1] {
			for _, cid := range t.children[n.ID] {
				next = append(next, t.nodes[cid])
			}
		}
		if len(next) == 0 {
			break
		}
		levels = append(levels, next)
	}
	var out []Update
	for i := len(levels) - 1; i >= 0; i-- {
		for _, n := range levels[i] {
			if u, ok := t.recomputeNode(n); ok {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func (t *Tree) recomputeNode(n *Node) (Update, bool) {
	kids := t.children[n.ID]
	pcts := make([]int, 0, len(kids))
	for _, cid := range kids {
		pcts = append(pcts, t.nodes[cid].CompletionPercentage)
	}
	pct, status, ok := Derive(pcts)
	if !ok {
		return Update{}, false
	}
	u := Update{ID: n.ID, Level: n.Level, CompletionPercentage: pct, Status: status, StatusWritten: true}
	// Epic status belongs to the phase lifecycle once it reaches completion.
	if n.Level == domain.LevelEpic && (pct >= 100 || n.Status == domain.StatusCompleted) {
		u.StatusWritten = false
		u.Status = n.Status
	}
	n.CompletionPercentage = pct
	n.Status = u.Status
	return u, true
}
