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

	"studyline/internal/config"
	"studyline/internal/db"
	"studyline/internal/dispatch"
	"studyline/internal/domain"
	"studyline/internal/engine"
	"studyline/internal/migrate"
	"studyline/internal/protocol"
	"studyline/internal/repo"
	"studyline/internal/schedule"
	"studyline/internal/server"
	"studyline/internal/trigger"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Studyline CLI",
	Long: `Studyline schedules questionnaire tasks and push messages for clinical
study subjects. Each subject carries a timezone and enrolment date; the
project's protocol document describes the assessments and their repeat
rules. Generation expands those rules into concrete tasks with
notifications and reminders, deduplicates against what is already stored,
and carries completion state across protocol or timezone changes.

- Workspace: the .studyline directory holding the sqlite database;
  studyline.yml next to it configures the service.
- Project: owns subjects and one protocol document.
- Subject: a participant; their timezone drives all task instants.
- Task: one concrete occurrence of a questionnaire.
- Message: a scheduled notification or data push tied to a task or
  created directly.`,
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
	viper.SetEnvPrefix("STUDYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(protocolCmd())
	rootCmd.AddCommand(subjectCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loopCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project and write studyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, id, name, desc)
				if err != nil {
					return err
				}
				cfgPath := config.Path(workspace)
				if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
					if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
						return err
					}
					fmt.Printf("Wrote %s\n", cfgPath)
				}
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(items)
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, targetProject(e))
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProject(ctx, targetProject(e))
			})
		},
	}
	return cmd
}

// --- protocol ---

func protocolCmd() *cobra.Command {
	pc := &cobra.Command{
		Use:   "protocol",
		Short: "Manage the project's protocol document",
		Long:  "The protocol document lists assessments and their scheduling rules. Import stores a local copy; when protocol.url is configured the remote source wins and the stored copy is the offline fallback.",
	}
	pc.AddCommand(protocolImportCmd())
	pc.AddCommand(protocolShowCmd())
	return pc
}

func protocolImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a protocol document from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var doc domain.ProtocolDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("invalid protocol document: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stored, err := e.Protocol.Put(ctx, targetProject(e), doc)
				if err != nil {
					return err
				}
				return printJSONOrIndent(stored)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to protocol JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func protocolShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective protocol document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.Protocol.Get(ctx, targetProject(e))
				if err != nil {
					return err
				}
				return printJSONOrIndent(doc)
			})
		},
	}
	return cmd
}

// --- subject ---

func subjectCmd() *cobra.Command {
	sub := &cobra.Command{Use: "subject", Short: "Manage subjects"}
	sub.AddCommand(subjectCreateCmd())
	sub.AddCommand(subjectListCmd())
	sub.AddCommand(subjectShowCmd())
	sub.AddCommand(subjectUpdateCmd())
	sub.AddCommand(subjectDeleteCmd())
	return sub
}

func subjectCreateCmd() *cobra.Command {
	var opts engine.SubjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enrol a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = targetProject(e)
				}
				s, err := e.CreateSubject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "subject id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.ExternalID, "external-id", "", "external identifier")
	cmd.Flags().StringVar(&opts.Timezone, "timezone", "", "IANA timezone, e.g. Europe/London")
	cmd.Flags().StringVar(&opts.Language, "language", "", "preferred language code")
	cmd.Flags().StringVar(&opts.EnrolmentDate, "enrolment-date", "", "RFC3339 enrolment instant (defaults to now)")
	_ = cmd.MarkFlagRequired("timezone")
	return cmd
}

func subjectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubjects(ctx, targetProject(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Timezone", "Language", "Enrolled"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ProjectID, s.Timezone, s.Language, s.EnrolmentDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func subjectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSubject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	return cmd
}

func subjectUpdateCmd() *cobra.Command {
	var timezone, language, externalID, enrolment string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a subject",
		Long:  "A timezone change is picked up on the next schedule generation; matching tasks keep their completion state across the move.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateSubject(ctx, args[0], timezone, language, externalID, enrolment)
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "", "new IANA timezone")
	cmd.Flags().StringVar(&language, "language", "", "new language code")
	cmd.Flags().StringVar(&externalID, "external-id", "", "new external identifier")
	cmd.Flags().StringVar(&enrolment, "enrolment-date", "", "new RFC3339 enrolment instant")
	return cmd
}

func subjectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a subject with all tasks and messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSubject(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- schedule ---

func generateCmd() *cobra.Command {
	var assessment string
	cmd := &cobra.Command{
		Use:   "generate <subject-id>",
		Short: "Generate or reconcile a subject's schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var sched domain.Schedule
				var err error
				if assessment != "" {
					sched, err = e.GenerateAssessmentSchedule(ctx, args[0], assessment)
				} else {
					sched, err = e.GenerateSchedule(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrIndent(sched)
			})
		},
	}
	cmd.Flags().StringVar(&assessment, "assessment", "", "rebuild only this assessment")
	return cmd
}

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Short: "Inspect and manage generated schedules"}
	sc.AddCommand(scheduleShowCmd())
	sc.AddCommand(scheduleDeleteCmd())
	return sc
}

func scheduleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <subject-id>",
		Short: "Show a subject's schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sched, err := e.GenerateSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(sched)
			})
		},
	}
	return cmd
}

func scheduleDeleteCmd() *cobra.Command {
	var opts engine.ScheduleDeleteOptions
	cmd := &cobra.Command{
		Use:   "delete <subject-id>",
		Short: "Delete a subject's generated tasks and messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSchedule(ctx, args[0], opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "only delete tasks of this type")
	cmd.Flags().StringArrayVar(&opts.Search, "search", nil, "field:operator:value filters, e.g. name:like:PHQ%")
	return cmd
}

// --- task ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks and report their state"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskReportCmd())
	task.AddCommand(taskStatesCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.SubjectID == "" && f.ProjectID == "" {
					f.ProjectID = targetProject(e)
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Name", "Scheduled", "Status", "Completed"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, t.SubjectID, t.Name,
						time.UnixMilli(t.Timestamp).UTC().Format(time.RFC3339),
						t.Status, t.Completed,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SubjectID, "subject", "", "subject filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Name, "name", "", "assessment name filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().Int64Var(&f.From, "from", 0, "window start (unix millis)")
	cmd.Flags().Int64Var(&f.To, "to", 0, "window end (unix millis)")
	cmd.Flags().StringArrayVar(&f.Search, "search", []string{}, "field:operator:value filter (repeatable)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskReportCmd() *cobra.Command {
	var state, info string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Report a task state (COMPLETED, UNKNOWN, ERRORED)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReportTaskState(ctx, args[0], domain.TaskState(state), info)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "new state")
	cmd.Flags().StringVar(&info, "info", "", "associated info")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func taskStatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states <id>",
		Short: "Show a task's state-event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				states, err := e.Events.ListTaskStates(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(states)
			})
		},
	}
	return cmd
}

// --- message ---

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Manage messages"}
	msg.AddCommand(messageCreateCmd())
	msg.AddCommand(messageListCmd())
	msg.AddCommand(messageGetCmd())
	msg.AddCommand(messageUpdateCmd())
	msg.AddCommand(messageDeleteCmd())
	msg.AddCommand(messageReportCmd())
	msg.AddCommand(messageStatesCmd())
	return msg
}

func messageCreateCmd() *cobra.Command {
	var opts engine.MessageCreateOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a message directly",
		Long:  "Unlike generation, creating a message whose natural key already exists fails with already exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = domain.MessageKind(kind)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMessage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SubjectID, "subject", "", "subject id")
	cmd.Flags().StringVar(&kind, "kind", "NOTIFICATION", "NOTIFICATION or DATA")
	cmd.Flags().StringVar(&opts.SourceID, "source-id", "", "source identifier")
	cmd.Flags().Int64Var(&opts.ScheduledTime, "scheduled-time", 0, "delivery instant (unix millis)")
	cmd.Flags().IntVar(&opts.TTLSeconds, "ttl-seconds", 0, "delivery window in seconds")
	cmd.Flags().StringVar(&opts.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "notification body")
	cmd.Flags().StringVar(&opts.Sound, "sound", "", "notification sound")
	cmd.Flags().StringToStringVar(&opts.Data, "data", nil, "data payload key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.EmailEnabled, "email", false, "also deliver by email")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "mark as dry run")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("scheduled-time")
	return cmd
}

func messageListCmd() *cobra.Command {
	var f repo.MessageFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.SubjectID == "" && f.ProjectID == "" {
					f.ProjectID = targetProject(e)
				}
				msgs, err := e.Repo.ListMessages(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Kind", "Scheduled", "TTL", "Delivered", "Title"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{
						m.ID, m.SubjectID, m.Kind,
						time.UnixMilli(m.ScheduledTime).UTC().Format(time.RFC3339),
						m.TTLSeconds, m.Delivered, m.Title,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SubjectID, "subject", "", "subject filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().Int64Var(&f.From, "from", 0, "window start (unix millis)")
	cmd.Flags().Int64Var(&f.To, "to", 0, "window end (unix millis)")
	cmd.Flags().StringArrayVar(&f.Search, "search", []string{}, "field:operator:value filter (repeatable)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func messageGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMessage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	return cmd
}

func messageUpdateCmd() *cobra.Command {
	var scheduledTime int64
	var title, body string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Move or rewrite a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMessage(ctx, args[0], scheduledTime, title, body)
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().Int64Var(&scheduledTime, "scheduled-time", 0, "new delivery instant (unix millis)")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&body, "body", "", "new body")
	return cmd
}

func messageDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a message and cancel its trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMessage(ctx, args[0])
			})
		},
	}
	return cmd
}

func messageReportCmd() *cobra.Command {
	var state, info string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Report a message state (DELIVERED, DISMISSED, OPENED, ERRORED, UNKNOWN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ReportMessageState(ctx, args[0], domain.MessageState(state), info)
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "new state")
	cmd.Flags().StringVar(&info, "info", "", "associated info")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func messageStatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states <id>",
		Short: "Show a message's state-event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				states, err := e.Events.ListMessageStates(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(states)
			})
		},
	}
	return cmd
}

// --- serve / loop ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withWiring(ctx, func(ctx context.Context, e engine.Engine, reg *trigger.MemoryRegistry) error {
				authCfg := server.AuthConfig{JWTSecret: e.Config.Auth.JWTSecret}
				if secret := os.Getenv("STUDYLINE_JWT_SECRET"); secret != "" {
					authCfg.JWTSecret = secret
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Studyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func loopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run the periodic schedule regeneration loop",
		Long:  "Reconciles every subject on an interval, rebuilding schedules whose protocol version or timezone drifted. Stop with Ctrl-C.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withWiring(ctx, func(ctx context.Context, e engine.Engine, reg *trigger.MemoryRegistry) error {
				loop := schedule.Loop{
					Service:      e.Schedule,
					Interval:     e.Config.SchedulerInterval(),
					InitialDelay: e.Config.SchedulerInitialDelay(),
					Workers:      e.Config.SchedulerWorkers(),
				}
				fmt.Printf("Regeneration loop every %s (%d workers)\n", loop.Interval, loop.Workers)
				if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		projectID := viper.GetString("project")
		if projectID == "" {
			projectID = "studyline"
		}
		cfg = config.Default(projectID)
	}
	return cfg, nil
}

// withWiring builds the fully wired engine: protocol client, trigger
// registry with webhook delivery, and the reconciliation service.
func withWiring(ctx context.Context, fn func(context.Context, engine.Engine, *trigger.MemoryRegistry) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Protocol = &protocol.Client{
		Repo:     e.Repo,
		URL:      cfg.Protocol.URL,
		Timeout:  cfg.ProtocolTimeout(),
		CacheTTL: cfg.ProtocolCacheTTL(),
	}
	deliverer := &dispatch.Deliverer{
		Repo:    e.Repo,
		Events:  e.Events,
		URL:     cfg.Delivery.WebhookURL,
		Timeout: cfg.DeliveryTimeout(),
		DryRun:  cfg.Delivery.DryRun,
	}
	reg := trigger.NewMemoryRegistry(deliverer.Fire)
	defer reg.Stop()
	e.Dispatch = dispatch.Scheduler{Registry: reg}
	svc, err := schedule.NewService(e.Repo, e.Events, e.Protocol, e.Dispatch,
		cfg.SchedulerCacheSize(), cfg.SchedulerWorkers())
	if err != nil {
		return err
	}
	e.Schedule = svc
	return fn(ctx, e, reg)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWiring(ctx, func(ctx context.Context, e engine.Engine, _ *trigger.MemoryRegistry) error {
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func targetProject(e engine.Engine) string {
	if p := strings.TrimSpace(viper.GetString("project")); p != "" {
		return p
	}
	return e.Config.Project.ID
}

func printJSONOrIndent(v any) error {
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
