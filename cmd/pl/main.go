package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/metrics"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline tracks epics through an ordered set of project phases.
- Workspace: a .phaseline directory holding the database, next to phaseline.yml.
- Phases: configured steps (design, configuration, testing, promotion); every epic has one state per phase.
- Hierarchy: epic > story > task > subtask. Only subtasks take progress; everything above is rolled up.
- Transitions: start_phase, complete_phase, move_to_next, move_to_previous, reset_phase.
  A phase completes at 80% or more; move_to_previous reopens the previous phase.
- Event log: every accepted change is recorded, view with 'pl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(recomputeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create phaseline.yml if missing and initialize the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				if projectID == "" {
					return fmt.Errorf("--id required when %s does not exist", config.Path(workspace))
				}
				if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
					return err
				}
				if cfg, err = config.Load(workspace); err != nil {
					return err
				}
			}
			if projectID == "" {
				projectID = cfg.Project.ID
			}
			if desc == "" {
				desc = cfg.Project.Description
			}
			ws, err := app.OpenWithConfig(cmd.Context(), workspace, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer ws.Close()
			e, err := ws.Engine(nil)
			if err != nil {
				return err
			}
			p, err := e.InitProject(cmd.Context(), projectID, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(p)
			}
			fmt.Printf("Initialized project %s with %d phases (owner: %s)\n", p.ID, len(cfg.Phases), viper.GetString("actor-id"))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	return cmd
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Inspect project phases"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List phases in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				phases, err := e.Repo.ListPhases(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := newTable("#", "ID", "Name", "Description")
				for _, p := range phases {
					tw.AppendRow(table.Row{p.SequenceOrder, p.ID, p.Name, p.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func recomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild every rolled-up percentage from subtasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				report, err := e.RecomputeAll(ctx, projectID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Recomputed %d epics: %d writes, %d phase states synced\n", report.Epics, report.Writes, report.PhasesSynced)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				evts, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Manage role grants"}
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <actor> <role>",
		Short: "Grant a configured role to an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if err := e.GrantRole(ctx, projectID, args[0], args[1], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Granted %s to %s\n", args[1], args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list [actor]",
		Short: "Show roles and permissions of an actor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			if len(args) == 1 {
				actorID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				roles, err := e.Repo.ActorRoles(ctx, projectID, actorID)
				if err != nil {
					return err
				}
				perms, err := e.Repo.ActorPermissions(ctx, projectID, actorID)
				if err != nil {
					return err
				}
				out := map[string]any{"actor_id": actorID, "roles": roles, "permissions": perms}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Actor: %s\nRoles: %s\nPermissions: %s\n", actorID, strings.Join(roles, ", "), strings.Join(perms, ", "))
				return nil
			})
		},
	})
	return cmd
}

func apiKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				key, raw, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Prefix", "Created", "Revoked")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.Prefix + "...", k.CreatedAt, strValue(k.RevokedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke one of the current actor's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				if err := e.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"), os.Stderr)
			if err != nil {
				return err
			}
			defer ws.Close()
			if _, err := ws.ResolveProject(cmd.Context(), viper.GetString("project")); err != nil {
				return err
			}
			m := metrics.New()
			e, err := ws.Engine(m)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt_secret"),
				AllowLegacyActorHeader: legacyHeader,
				DevLogin:               devLogin,
				Logger:                 ws.Logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PHASELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Metrics: m})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			ws.Logger.Info("serving phaseline api", "addr", addr, "base_path", basePath, "project_id", e.Config.Project.ID)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials")
	return cmd
}

// withEngine opens the workspace, resolves the project and hands both to fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), os.Stderr)
	if err != nil {
		return err
	}
	defer ws.Close()
	projectID, err := ws.ResolveProject(ctx, viper.GetString("project"))
	if err != nil {
		return err
	}
	e, err := ws.Engine(nil)
	if err != nil {
		return err
	}
	return fn(ctx, e, projectID)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
