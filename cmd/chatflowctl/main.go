// chatflowctl is the operator CLI: seeding fixtures and exercising the
// orchestration core against the local database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	workspaceFlag string
	botFlag       string
	agentFlag     string
	contextFlag   string
	limitFlag     int
	jsonFlag      bool
	verboseFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "chatflowctl",
	Short: "Operate a chatflow deployment",
	Long: `chatflowctl reads the same environment (and .env file) as the server.

Available commands:
  seed           - Load a YAML fixture into the database
  ask            - Run one orchestration pass for a question
  detect         - Classify text against an agent's intents
  fallbacks      - List recent unanswered questions
  intent-history - List recent intent detection attempts`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verboseFlag {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "workspace id (defaults to DEFAULT_WORKSPACE_ID)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "debug logging to stderr")

	rootCmd.AddCommand(seedCmd, askCmd, detectCmd, fallbacksCmd, intentHistoryCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
