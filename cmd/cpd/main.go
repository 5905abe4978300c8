package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"copydesk/internal/activity"
	"copydesk/internal/app"
	"copydesk/internal/config"
	"copydesk/internal/db"
	"copydesk/internal/domain"
	"copydesk/internal/engine"
	"copydesk/internal/engine/auth"
	"copydesk/internal/migrate"
	"copydesk/internal/repo"
	"copydesk/internal/server"
	"copydesk/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:   "cpd",
	Short: "Copydesk CLI",
	Long: `Copydesk routes content through configurable approval workflows and keeps an
immutable version history alongside an append-only activity feed.
- Workspace: the .copydesk directory with the database; workflow templates
  come from copydesk.yml and are seeded into the database.
- Requests: an approval request walks a content item through template stages
  in order; exactly one stage is in progress while the request is.
- Actions: reviewers approve, reject, request changes, or skip a stage.
  Rejection halts the request; requested changes pause it until resubmission.
- Versions: every snapshot is a new immutable version; restore copies an old
  version forward instead of rewriting history.
- Activity: both sides write into one feed, view with 'cpd activity tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COPYDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("roles", "", "comma-separated actor roles")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("roles", rootCmd.PersistentFlags().Lookup("roles"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				fmt.Printf("Initialized workspace in %s\n", filepath.Join(workspace, ".copydesk"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Workflow templates"}
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	return tpl
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				items, err := e.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Default", "Stages"})
				for _, t := range items {
					def := ""
					if t.IsDefault {
						def = "yes"
					}
					tw.AppendRow(table.Row{t.ID, t.Name, def, len(t.Stages)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a workflow template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				t, err := e.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Approval requests"}
	req.AddCommand(requestOpenCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestResubmitCmd())
	req.AddCommand(requestCancelCmd())
	return req
}

func requestOpenCmd() *cobra.Command {
	var contentID, title, templateID string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open an approval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentID == "" {
				return fmt.Errorf("--content required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				req, err := e.CreateRequest(ctx, engine.CreateRequestOptions{
					ContentID:    contentID,
					ContentTitle: title,
					TemplateID:   templateID,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&contentID, "content", "", "content id")
	cmd.Flags().StringVar(&title, "title", "", "content title")
	cmd.Flags().StringVar(&templateID, "template", "", "template id (default template when empty)")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func requestListCmd() *cobra.Command {
	var contentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests for a content item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentID == "" {
				return fmt.Errorf("--content required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				items, err := e.Repo.ListRequests(ctx, contentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Stage", "Created"})
				for _, r := range items {
					stage := ""
					if r.CurrentStageID != nil {
						for _, s := range r.Stages {
							if s.ID == *r.CurrentStageID {
								stage = s.Name
							}
						}
					}
					tw.AppendRow(table.Row{r.ID, r.ContentTitle, r.Status, stage, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contentID, "content", "", "content id")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				req, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	return cmd
}

func requestResubmitCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "resubmit <request-id>",
		Short: "Resubmit after requested changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				req, err := e.Resubmit(ctx, args[0], comment, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "resubmission note")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				if err := e.Cancel(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("cancelled")
				return nil
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Act on approval stages"}
	stage.AddCommand(stageActionCmd("approve", "Approve a stage", engine.ActionApprove))
	stage.AddCommand(stageActionCmd("reject", "Reject a stage", engine.ActionReject))
	stage.AddCommand(stageActionCmd("request-changes", "Request changes on a stage", engine.ActionRequestChanges))
	stage.AddCommand(stageActionCmd("skip", "Skip an optional stage", engine.ActionSkip))
	return stage
}

func stageActionCmd(name, short string, action engine.Action) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   name + " <request-id> <stage-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if action.CommentRequired() && strings.TrimSpace(comment) == "" {
				return fmt.Errorf("--comment required for %s", name)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				if action == engine.ActionSkip {
					cur, err := e.Repo.GetRequest(ctx, args[0])
					if err != nil {
						return err
					}
					for _, s := range cur.Stages {
						if s.ID == args[1] && s.Required {
							return fmt.Errorf("stage %s is required and cannot be skipped", s.Name)
						}
					}
				}
				req, err := e.SubmitAction(ctx, engine.ActionOptions{
					RequestID: args[0],
					StageID:   args[1],
					Action:    action,
					Comment:   comment,
					Actor:     actorFromFlags(),
				})
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func versionCmd() *cobra.Command {
	ver := &cobra.Command{Use: "version", Short: "Content versions"}
	ver.AddCommand(versionSnapshotCmd())
	ver.AddCommand(versionListCmd())
	ver.AddCommand(versionShowCmd())
	ver.AddCommand(versionDiffCmd())
	ver.AddCommand(versionRestoreCmd())
	return ver
}

func versionSnapshotCmd() *cobra.Command {
	var contentID, title, body, bodyFile, summary string
	var meta []string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record a new content version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentID == "" {
				return fmt.Errorf("--content required")
			}
			if bodyFile != "" {
				raw, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				body = string(raw)
			}
			metadata := map[string]string{}
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --meta %q, want key=value", kv)
				}
				metadata[k] = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, s versions.Store) error {
				v, err := s.Snapshot(ctx, versions.SnapshotOptions{
					ContentID:     contentID,
					Title:         title,
					Body:          body,
					Metadata:      metadata,
					AuthorID:      viper.GetString("actor-id"),
					ChangeSummary: summary,
				})
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	cmd.Flags().StringVar(&contentID, "content", "", "content id")
	cmd.Flags().StringVar(&title, "title", "", "content title")
	cmd.Flags().StringVar(&body, "body", "", "content body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "file to read the body from")
	cmd.Flags().StringVar(&summary, "summary", "", "change summary")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func versionListCmd() *cobra.Command {
	var contentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List versions for a content item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentID == "" {
				return fmt.Errorf("--content required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, s versions.Store) error {
				items, err := s.List(ctx, contentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Author", "Current", "Summary"})
				for _, v := range items {
					cur := ""
					if v.IsCurrent {
						cur = "yes"
					}
					tw.AppendRow(table.Row{v.VersionNumber, v.ID, v.Title, v.AuthorID, cur, v.ChangeSummary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contentID, "content", "", "content id")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func versionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <version-id>",
		Short: "Show a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, s versions.Store) error {
				v, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	return cmd
}

func versionDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <version-id> <other-id>",
		Short: "Diff two versions of the same content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, s versions.Store) error {
				changes, err := s.Diff(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(changes)
				}
				if len(changes) == 0 {
					fmt.Println("versions are identical")
					return nil
				}
				for _, c := range changes {
					switch c.Kind {
					case versions.ChangeAdded:
						fmt.Printf("%s:%d + %s\n", c.Field, c.Line, c.New)
					case versions.ChangeRemoved:
						fmt.Printf("%s:%d - %s\n", c.Field, c.Line, c.Old)
					default:
						if c.Field == "title" {
							fmt.Printf("title ~ %q -> %q\n", c.Old, c.New)
						} else {
							fmt.Printf("%s:%d ~ %q -> %q\n", c.Field, c.Line, c.Old, c.New)
						}
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func versionRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <version-id>",
		Short: "Restore a version as a new current version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, s versions.Store) error {
				v, err := s.Restore(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Activity feed"}
	act.AddCommand(activityTailCmd())
	return act
}

func activityTailCmd() *cobra.Command {
	var contentID string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the activity feed, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				var events []domain.ActivityEvent
				var err error
				if contentID != "" {
					events, err = e.Activity.List(ctx, contentID)
				} else {
					events, err = e.Activity.ListRecent(ctx, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Content", "Actor", "Entry"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.ContentID, evt.ActorID, activity.DescribeEvent(evt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contentID, "content", "", "filter by content id")
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "API keys"}
	keys.AddCommand(keysCreateCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actorID, name, roles string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ versions.Store) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					Roles:   splitCSV(roles),
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The raw key is shown once; only the hash is stored.
				fmt.Printf("api key for %s: %s\n", actorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&roles, "key-roles", "", "comma-separated roles granted to the key")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			if err := app.SeedTemplates(cmd.Context(), repo.Repo{DB: conn}, cfg); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("COPYDESK_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("COPYDESK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Versions: versions.New(conn),
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e.Activity, cfg)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Copydesk API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, versions.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	if err := app.SeedTemplates(ctx, r, cfg); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg), versions.New(conn))
}

func actorFromFlags() auth.Actor {
	return auth.Actor{
		ID:    viper.GetString("actor-id"),
		Roles: splitCSV(viper.GetString("roles")),
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
