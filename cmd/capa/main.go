package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"capaflow/internal/app"
	"capaflow/internal/config"
	"capaflow/internal/db"
	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
	"capaflow/internal/migrate"
	"capaflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "capa",
	Short: "capaflow CLI",
	Long: `capaflow runs non-conformities through the six-stage CAPA workflow:
registration, immediate action, cause analysis, action planning,
implementation and effectiveness evaluation.

- Workspace: a directory holding .capaflow/capaflow.db; configs live in the DB per organization.
- Organization: the tenant owning non-conformities, tasks, members and API keys.
- Stages advance one at a time with 'capa nc advance <id> --expected <stage>'.
- Every stage opens a task with a deadline; 'capa sla' shows how they are doing.
- A failed effectiveness evaluation opens a revision (NC-YYYY-N-R1, -R2, ...).
- Event log: every change is recorded, view with 'capa log tail'.`,
	SilenceErrors: true,
	SilenceUsage:  true,
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
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
		os.Exit(1)
	}
}

// describeError renders engine errors as "<kind>: <message>".
func describeError(err error) string {
	if kind := engine.KindOf(err); kind != "" {
		return fmt.Sprintf("%s: %s", kind, err.Error())
	}
	return err.Error()
}

func initConfig() {
	viper.SetEnvPrefix("CAPAFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetConfigFile(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetConfigType("env")
	_ = viper.ReadInConfig()
}

// currentOrg is --org or CAPAFLOW_ORG, then the workspace .env default.
func currentOrg() string {
	if org := viper.GetString("org"); org != "" {
		return org
	}
	return viper.GetString(strings.ToLower(defaultOrgKey))
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (defaults to the only one in the workspace)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(ncCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(serveCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fallback, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			e := engine.New(conn, fallback)
			e.Logger = logger
			authCfg := server.AuthConfig{
				JWTSecret: viper.GetString("jwt-secret"),
				DevLogin:  devLogin,
				Logger:    logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CAPAFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			logger.Info("serving capaflow API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login (local use only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return slog.LevelWarn
	}
	return lvl
}

func openEngine() (engine.Engine, func() error, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	fallback, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, fallback)
	e.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	return e, conn.Close, nil
}

// withEngine opens the workspace and resolves the acting caller.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, auth.Caller) error) error {
	e, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()
	c, err := app.ResolveCaller(ctx, e, currentOrg(), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	return fn(ctx, e, c)
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// parseDate accepts YYYY-MM-DD (UTC midnight) or RFC3339.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC3339", v)
	}
	return t.UTC(), nil
}

func optionalDate(v string) (*time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	t, err := parseDate(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func dayPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return day(*t)
}
