package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"mdplane/internal/app"
	"mdplane/internal/config"
	"mdplane/internal/db"
	"mdplane/internal/domain"
	"mdplane/internal/engine"
	"mdplane/internal/migrate"
	"mdplane/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "mdplane",
	Short: "mdplane markdown workspace server",
	Long: `mdplane serves markdown workspaces behind capability URLs.
- Workspace: a tree of folders and markdown files.
- Capability key: the secret in /k/{key}/... that grants a tier (read, append, write) over a scope.
- Appends: an ordered log per file; tasks, claims and responses are appends.
- Claims: a time-boxed lock on a task; the reaper expires stale ones.
- Webhooks and WebSockets: push mutation events to subscribers.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MDPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <data-dir>/mdplane.yml)")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(taskCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := app.NewLogger(cfg, os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			a, err := app.New(cfg, conn, logger)
			if err != nil {
				conn.Close()
				return err
			}
			defer a.Close()
			return a.Run(ctx, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{DataDir: cfg.Server.DataDir})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn, app.NewLogger(cfg, os.Stderr))
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			fmt.Printf("%s: applied %d migration(s), schema at version %d\n", db.Path(cfg.Server.DataDir), n, latest)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage mdplane.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Auth.TokenSecret = "********"
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	})
	return c
}

func webhookCmd() *cobra.Command {
	c := &cobra.Command{Use: "webhook", Short: "Inspect webhooks"}
	c.AddCommand(webhookListCmd())
	c.AddCommand(webhookDeliveriesCmd())
	return c
}

func webhookListCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhooks in a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListWebhooks(ctx, workspace, domain.ScopeWorkspace, "/")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Scope", "Recursive", "URL", "Events", "Failures", "Disabled"})
				for _, w := range items {
					disabled := ""
					if w.DisabledAt != nil {
						disabled = *w.DisabledAt
					}
					tw.AppendRow(table.Row{w.ID, w.ScopeType + ":" + w.ScopePath, w.Recursive, w.URL, strings.Join(w.Events, ","), w.FailureCount, disabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func webhookDeliveriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries <webhook-id>",
		Short: "Show the delivery log of a webhook, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetWebhookByID(ctx, args[0]); err != nil {
					return fmt.Errorf("webhook %s: %w", args[0], err)
				}
				items, _, err := r.ListDeliveries(ctx, args[0], limit, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Time", "Event", "Attempt", "Status", "Code", "ms", "Error"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Timestamp, d.Event, d.Attempt, d.Status, d.ResponseCode, d.DurationMs, d.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of deliveries")
	return cmd
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	var workspace, path, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List derived tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				include, err := pathFilter(path)
				if err != nil {
					return err
				}
				items, err := e.ListTasks(ctx, workspace, include, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"File", "Task", "Status", "Claimed By", "Claim Expires", "Content"})
				for _, t := range items {
					by, until := "", ""
					if t.ActiveClaim != nil {
						by = t.ActiveClaim.Author
						until = repo.FormatTime(t.ActiveClaim.ExpiresAt)
					}
					tw.AppendRow(table.Row{t.Path, t.Task.ID, t.Status, by, until, truncate(t.Task.Content, 48)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	list.Flags().StringVar(&path, "path", "", "folder or file path prefix")
	list.Flags().StringVar(&status, "status", "", "status filter")
	_ = list.MarkFlagRequired("workspace")
	c.AddCommand(list)
	return c
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	dir := viper.GetString("data-dir")
	if dir == "" {
		dir = config.Default().Server.DataDir
	}
	return config.Path(dir)
}

// loadConfig reads the config file. An explicit --config must exist; the default path
// falls back to built-in defaults.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if viper.GetString("config") != "" {
		cfg, err = config.Load(viper.GetString("config"))
	} else {
		cfg, err = config.LoadOptional(configPath())
	}
	if err != nil {
		return nil, err
	}
	if viper.IsSet("data-dir") {
		cfg.Server.DataDir = viper.GetString("data-dir")
	}
	if viper.IsSet("log-level") {
		cfg.Server.LogLevel = viper.GetString("log-level")
	}
	if s := viper.GetString("token-secret"); s != "" {
		cfg.Auth.TokenSecret = s
	}
	return cfg, cfg.Validate()
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := app.Open(ctx, cfg, discardLogger())
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, conn)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		return fn(ctx, repo.Repo{DB: conn})
	})
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		return fn(ctx, engine.New(conn, cfg, discardLogger()))
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
