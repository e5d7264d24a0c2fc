package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/lifecycle"
	"phaseline/internal/repo"
)

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Manage work items"}
	cmd.AddCommand(itemCreateCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemShowCmd())
	cmd.AddCommand(itemTreeCmd())
	cmd.AddCommand(itemPhasesCmd())
	cmd.AddCommand(itemAvailableCmd())
	cmd.AddCommand(itemTransitionCmd())
	cmd.AddCommand(itemProgressCmd())
	return cmd
}

func itemCreateCmd() *cobra.Command {
	var id, parent, level, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an epic, story, task or subtask",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				w, err := e.CreateWorkItem(ctx, engine.WorkItemCreateOptions{
					ID:          id,
					ProjectID:   projectID,
					ParentID:    parent,
					Level:       domain.Level(level),
					Title:       title,
					Description: desc,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Created %s %s\n", w.Level, w.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "work item id (generated when empty)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent id")
	cmd.Flags().StringVar(&level, "level", string(domain.LevelEpic), "epic, story, task or subtask")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func itemListCmd() *cobra.Command {
	var level, status, parent string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
					ProjectID: projectID,
					ParentID:  parent,
					Level:     domain.Level(level),
					Status:    domain.Status(status),
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Level", "Title", "Status", "%", "Phase")
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Level, w.Title, w.Status, w.CompletionPercentage, strValue(w.CurrentPhaseID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "level filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&parent, "parent", "", "parent filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				w, err := e.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s %s: %s\n", w.Level, w.ID, w.Title)
				fmt.Printf("  status: %s (%d%%)\n", w.Status, w.CompletionPercentage)
				if w.ParentID != nil {
					fmt.Printf("  parent: %s\n", *w.ParentID)
				}
				if w.CurrentPhaseID != nil {
					fmt.Printf("  phase:  %s\n", *w.CurrentPhaseID)
				}
				fmt.Printf("  version: %d\n", w.Version)
				return nil
			})
		},
	}
}

func itemTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <id>",
		Short: "Show a work item and its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				tree, err := e.WorkItemTree(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tree)
				}
				fmt.Printf("%s [%s %d%%]\n", tree.Title, tree.Status, tree.CompletionPercentage)
				for i, c := range tree.Children {
					printTree(c, "", i == len(tree.Children)-1)
				}
				return nil
			})
		},
	}
}

func itemPhasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phases <epic-id>",
		Short: "Show the phase states of an epic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				w, err := e.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				states, err := e.PhaseStates(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				current := strValue(w.CurrentPhaseID)
				tw := newTable("", "Phase", "Status", "%", "Started", "Ended", "Notes")
				for _, st := range states {
					marker := ""
					if st.PhaseID == current {
						marker = "*"
					}
					tw.AppendRow(table.Row{marker, st.PhaseID, st.Status, st.CompletionPercentage, strValue(st.StartDate), strValue(st.EndDate), st.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemAvailableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "available <epic-id>",
		Short: "Show which transitions the current actor can submit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				avail, err := e.AvailableTransitions(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(avail)
				}
				tw := newTable("Transition", "Available")
				tw.AppendRow(table.Row{lifecycle.EventStartPhase, avail.CanStart})
				tw.AppendRow(table.Row{lifecycle.EventCompletePhase, avail.CanComplete})
				tw.AppendRow(table.Row{lifecycle.EventMoveToNext, avail.CanMoveToNext})
				tw.AppendRow(table.Row{lifecycle.EventMoveToPrevious, avail.CanMoveToPrevious})
				tw.AppendRow(table.Row{lifecycle.EventResetPhase, avail.CanReset})
				tw.AppendRow(table.Row{"skip", avail.CanSkip})
				tw.Render()
				return nil
			})
		},
	}
}

func itemTransitionCmd() *cobra.Command {
	var current, target, notes, reason string
	cmd := &cobra.Command{
		Use:   "transition <epic-id> <event>",
		Short: "Submit a lifecycle event for an epic",
		Long:  "Events: start_phase, complete_phase, move_to_next, move_to_previous, reset_phase.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				res, err := e.Transition(ctx, engine.TransitionOptions{
					WorkItemID:     args[0],
					Event:          lifecycle.EventType(args[1]),
					CurrentPhaseID: current,
					TargetPhaseID:  target,
					Notes:          notes,
					Reason:         reason,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				kinds := make([]string, 0, len(res.SideEffects))
				for _, eff := range res.SideEffects {
					kinds = append(kinds, string(eff.Kind()))
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"success":      res.Success,
						"new_status":   res.NewStatus,
						"new_phase_id": res.NewPhaseID,
						"message":      res.Message,
						"side_effects": kinds,
						"work_item":    res.WorkItem,
					})
				}
				if !res.Success {
					return fmt.Errorf("rejected: %s", res.Message)
				}
				fmt.Printf("%s (phase %s, %s)\n", res.Message, res.NewPhaseID, res.NewStatus)
				for _, k := range kinds {
					fmt.Printf("  - %s\n", k)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&current, "current", "", "phase the caller believes is current")
	cmd.Flags().StringVar(&target, "target", "", "target phase for start_phase")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for complete_phase")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for move_to_previous")
	return cmd
}

func itemProgressCmd() *cobra.Command {
	var status string
	var pct int
	cmd := &cobra.Command{
		Use:   "progress <subtask-id>",
		Short: "Set a subtask's status and/or percentage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pctPtr *int
			if cmd.Flags().Changed("percent") {
				pctPtr = &pct
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				res, err := e.UpdateProgress(ctx, engine.ProgressUpdateOptions{
					WorkItemID:           args[0],
					Status:               domain.Status(status),
					CompletionPercentage: pctPtr,
					ActorID:              viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s (%d%%), %d ancestors updated\n", res.WorkItem.ID, res.WorkItem.Status, res.WorkItem.CompletionPercentage, res.Rollup.Writes)
				if res.Phase != nil {
					fmt.Printf("  phase %s now %d%%\n", res.Phase.PhaseID, res.Phase.CompletionPercentage)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "not_started, in_progress or completed")
	cmd.Flags().IntVar(&pct, "percent", 0, "completion percentage 0-100")
	return cmd
}

func printTree(n engine.TreeNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s %s [%s %d%%]\n", prefix, connector, n.Level, n.Title, n.Status, n.CompletionPercentage)
	for i, c := range n.Children {
		printTree(c, newPrefix, i == len(n.Children)-1)
	}
}

func strValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
