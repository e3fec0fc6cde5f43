package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"elam/internal/app"
	"elam/internal/config"
	"elam/internal/db"
	"elam/internal/engine"
	"elam/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "elam",
	Short: "Access lifecycle management",
	Long: `elam routes access requests through configurable approval chains.

- Requests ask for a level of access (read, write, admin) to a resource, with a risk level.
- Workflows in elam.yml pick the approval chain from the risk and access level.
- Each chain level has an approver role and an SLA; overdue levels are flagged and escalated.
- Approved requests produce grants that expire after the requested duration.
- Every decision, denial and scan result is written to the audit log.

State lives in <workspace>/.elam/elam.db. The first actor to run a command becomes admin.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ELAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("org", "default-org", "organization id used when seeding the default config")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("log-level"))
}

// withEngine opens the workspace database, bootstraps it and hands an engine to fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := app.Bootstrap(ctx, conn, app.Options{
		Workspace:    workspace,
		OrgID:        viper.GetString("org"),
		AdminActorID: actorID(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJSONOrTable prints v as JSON with --json, otherwise renders a table.
func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

// printJSONOrFields prints a single record as a two column table.
func printJSONOrFields(v any, fields [][2]any) error {
	rows := make([]table.Row, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, table.Row{f[0], f[1]})
	}
	return printJSONOrTable(v, table.Row{"Field", "Value"}, rows)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func flagBool(v bool) string {
	if v {
		return "yes"
	}
	return ""
}

func loadConfigFile(path string) (*config.Config, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
