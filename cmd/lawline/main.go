package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lawline/internal/app"
	"lawline/internal/telemetry"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "lawline",
	Short: "lawline CLI",
	Long: `lawline walks issues through a fixed lifecycle and checks every automation
action against a versioned lawbook before it runs.
- Issues move CREATED -> SPEC_READY -> IMPLEMENTING_PREP -> REVIEW_READY -> VERIFIED -> DONE through steps S1..S5; HOLD and KILLED are exits.
- Each step yields a verdict: GREEN advances, RED kills, HOLD freezes, RETRY reruns the step.
- Gated steps ask the policy evaluator first. A DENY blocks the step and the issue stays put.
- Lawbooks are content addressed; publishing the same rules twice yields the same version.
- Decisions, step outcomes and events are append-only; inspect them with 'lawline ledger'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("LAWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("environment", "", "target environment (overrides lawline.yml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API tokens")
	for _, name := range []string{"workspace", "json", "actor-id", "environment", "log-level", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func appOptions(logger *slog.Logger) app.Options {
	return app.Options{ActorID: viper.GetString("actor-id"), Logger: logger}
}

// withWorkspace opens the workspace with telemetry installed and the engine
// instrumented, and closes both when fn returns.
func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	logger := newLogger()
	slog.SetDefault(logger)
	ws, err := app.Open(ctx, viper.GetString("workspace"), appOptions(logger))
	if err != nil {
		return err
	}
	defer ws.Close()
	if err := instrument(ctx, ws); err != nil {
		return err
	}
	defer telemetry.Shutdown(context.WithoutCancel(ctx))
	if env := viper.GetString("environment"); env != "" {
		ws.Engine.Config.Environment = env
	}
	return fn(ctx, ws)
}

func instrument(ctx context.Context, ws *app.Workspace) error {
	err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     ws.Config.Telemetry.Enabled || telemetry.EnabledFromEnv(),
		ServiceName: ws.Config.Telemetry.ServiceName,
	}, version)
	if err != nil {
		return err
	}
	ins := telemetry.NewInstruments()
	ws.Engine.Instruments = ins
	ws.Engine.Evaluator.Instruments = ins
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printCursor(next string) {
	if next != "" {
		fmt.Printf("next cursor: %s\n", next)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
