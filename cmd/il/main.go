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

	"injectline/internal/app"
	"injectline/internal/config"
	"injectline/internal/db"
	"injectline/internal/domain"
	"injectline/internal/engine"
	"injectline/internal/engine/auth"
	"injectline/internal/events"
	"injectline/internal/logger"
	"injectline/internal/observability"
	"injectline/internal/server"
	injectlinesdk "injectline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "injectline CLI",
	Long: `injectline plays adversary-emulation exercises: it dispatches injects on
schedule, gates them on their parents' outcomes and scores what the defense saw.
- Workspace: a directory holding injectline.yml and the .injectline database.
- Exercise: a timed set of injects, started at its start date, pausable.
- Inject: one simulated action (manual, command, implant) on teams, assets or agents.
- Dependencies: a child inject only runs when its parent's facts satisfy its condition.
- Expectations: what the defense should detect or prevent, scored per agent and rolled up.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INJECTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(exerciseCmd())
	rootCmd.AddCommand(injectCmd())
	rootCmd.AddCommand(expectationCmd())
	rootCmd.AddCommand(callbackCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the cycle scheduler and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := config.ParseEnv()
			if err != nil {
				return err
			}
			log := logger.New(os.Stderr, env.LogFormat, env.LogLevel)
			metricsHandler, shutdownMetrics, err := observability.InitMetrics()
			if err != nil {
				return err
			}
			defer shutdownMetrics(context.Background())
			shutdownTracing, err := observability.SetupTracing(ctx, "injectline", env.OTelEndpoint, env.OTelEnabled)
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}
			defer shutdownTracing(context.Background())

			ws, err := app.Open(ctx, viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer ws.Close()

			writer := events.Writer{DB: ws.DB}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				Events:   &writer,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: env.JWTSecret, Logger: log.With("component", "auth")},
				Metrics:  metricsHandler,
			})
			if err != nil {
				return err
			}

			sched := &engine.Scheduler{Engine: ws.Engine, Interval: ws.Config.Scheduler.TickInterval, Logger: log.With("component", "scheduler")}
			sched.Start(ctx)
			defer sched.Stop()
			dispatcher := &events.Dispatcher{Writer: writer, Webhooks: ws.Config.Notifications.Webhooks, Logger: log.With("component", "events")}
			go dispatcher.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving injectline API", "addr", addr, "base_path", basePath, "tick_interval", ws.Config.Scheduler.TickInterval.String())
			fmt.Printf("Serving injectline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one orchestrator cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				report, err := ws.Engine.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

func importCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import topology, exercises and injects from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			def, err := app.ParseDefinition(data)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				sum, err := app.Import(ctx, ws.Repo, def, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML exercise file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func exerciseCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exercise", Short: "Inspect and control exercises"}
	ex.AddCommand(exerciseListCmd())
	ex.AddCommand(exerciseTransitionCmd("pause", "Pause a running exercise", func(ctx context.Context, e *engine.Engine, id string) (domain.Exercise, error) {
		return e.PauseExercise(ctx, id)
	}))
	ex.AddCommand(exerciseTransitionCmd("resume", "Resume a paused exercise", func(ctx context.Context, e *engine.Engine, id string) (domain.Exercise, error) {
		return e.ResumeExercise(ctx, id)
	}))
	return ex
}

func exerciseListCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exercises",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var filter []domain.ExerciseStatus
				for _, s := range statuses {
					filter = append(filter, domain.ExerciseStatus(strings.ToUpper(s)))
				}
				items, err := ws.Repo.ListExercises(ctx, filter...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Start", "Pauses"})
				for _, ex := range items {
					start := ""
					if ex.Start != nil {
						start = ex.Start.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{ex.ID, ex.Name, ex.Status, start, len(ex.Pauses)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	return cmd
}

func exerciseTransitionCmd(use, short string, fn func(context.Context, *engine.Engine, string) (domain.Exercise, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <exercise-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				ex, err := fn(ctx, ws.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
}

func injectCmd() *cobra.Command {
	inj := &cobra.Command{Use: "inject", Short: "Inspect injects"}
	inj.AddCommand(injectListCmd())
	return inj
}

func injectListCmd() *cobra.Command {
	var exerciseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the injects of an exercise, or standalone injects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var (
					items []domain.Inject
					err   error
				)
				if exerciseID != "" {
					items, err = ws.Repo.ListExerciseInjects(ctx, exerciseID)
				} else {
					items, err = ws.Repo.ListStandaloneInjects(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Contract", "After", "Status", "Depends on"})
				for _, inj := range items {
					status := "-"
					if inj.Status != nil {
						status = string(inj.Status.Name)
					}
					var parents []string
					for _, d := range inj.Dependencies {
						parents = append(parents, d.ParentID)
					}
					if !inj.Enabled {
						status += " (disabled)"
					}
					tw.AppendRow(table.Row{inj.ID, inj.Title, inj.Contract, inj.DependsDuration.String(), status, strings.Join(parents, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&exerciseID, "exercise", "", "exercise id (standalone injects when empty)")
	return cmd
}

func expectationCmd() *cobra.Command {
	exp := &cobra.Command{Use: "expectation", Short: "Inspect, score and resolve expectations"}
	exp.AddCommand(expectationListCmd())
	exp.AddCommand(expectationScoreCmd())
	exp.AddCommand(expectationResolveCmd())
	return exp
}

func expectationListCmd() *cobra.Command {
	var injectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the expectations of an inject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if injectID == "" {
				return fmt.Errorf("--inject required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Repo.ListInjectExpectations(ctx, injectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Target", "Expected", "Score", "Status", "Expires"})
				for _, e := range items {
					score := "-"
					if e.Score != nil {
						score = fmt.Sprintf("%g", *e.Score)
					}
					tw.AppendRow(table.Row{e.ID, e.Type, targetLabel(e), e.ExpectedScore, score, e.Status, e.ExpiresAt().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&injectID, "inject", "", "inject id")
	return cmd
}

func targetLabel(e domain.InjectExpectation) string {
	switch {
	case e.AgentID != nil:
		return "agent:" + *e.AgentID
	case e.AssetID != nil:
		return "asset:" + *e.AssetID
	case e.AssetGroupID != nil:
		return "group:" + *e.AssetGroupID
	}
	return "-"
}

func expectationScoreCmd() *cobra.Command {
	var (
		score                        float64
		sourceID, sourceName, result string
	)
	cmd := &cobra.Command{
		Use:   "score <expectation-id>",
		Short: "Record a result on an expectation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := domain.ExpectationResult{SourceID: sourceID, SourceType: "cli", SourceName: sourceName, Result: result}
			if cmd.Flags().Changed("score") {
				res.Score = &score
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				exp, err := ws.Engine.ScoreExpectation(ctx, args[0], res)
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "score to set")
	cmd.Flags().StringVar(&sourceID, "source-id", "cli", "result source id")
	cmd.Flags().StringVar(&sourceName, "source-name", "", "result source name")
	cmd.Flags().StringVar(&result, "result", "", "free-form result text")
	return cmd
}

func expectationResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Score expired expectations and collect finished injects now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				expired, err := ws.Engine.ResolveExpirations(ctx, time.Now())
				if err != nil {
					return err
				}
				collected, err := ws.Engine.CollectCompletedInjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"expired": expired, "collected": collected})
			})
		},
	}
}

func callbackCmd() *cobra.Command {
	var (
		serverURL, token string
		cb               injectlinesdk.Callback
	)
	cmd := &cobra.Command{
		Use:   "callback <inject-id>",
		Short: "Send an execution result to a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := injectlinesdk.New(serverURL)
			client.BearerToken = viper.GetString("token")
			cb.Action = strings.ToUpper(cb.Action)
			cb.Status = strings.ToUpper(cb.Status)
			st, err := client.SendCallback(cmd.Context(), args[0], cb)
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "injectline server URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (or INJECTLINE_TOKEN)")
	cmd.Flags().StringVar(&cb.AgentID, "agent", "", "reporting agent id")
	cmd.Flags().StringVar(&cb.Action, "action", "COMPLETE", "EXECUTION or COMPLETE")
	cmd.Flags().StringVar(&cb.Status, "status", "SUCCESS", "SUCCESS, WARNING, ERROR or INFO")
	cmd.Flags().StringVar(&cb.Message, "message", "", "trace message")
	cmd.Flags().StringSliceVar(&cb.Identifiers, "identifier", nil, "trace identifier (repeatable)")
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage injectline.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default injectline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate injectline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		perms   []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with INJECTLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.ParseEnv()
			if err != nil {
				return err
			}
			for _, p := range perms {
				if p != "*" && !strings.HasSuffix(p, ".*") && !auth.Allowed(auth.All(), p) {
					return fmt.Errorf("unknown permission %q (known: %s)", p, strings.Join(auth.All(), ", "))
				}
			}
			tok, err := server.IssueToken(env.JWTSecret, subject, perms)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&perms, "perm", []string{"*"}, "granted permission (repeatable)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), logger.New(os.Stderr, "text", viper.GetString("log-level")))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
