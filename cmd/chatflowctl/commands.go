package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/chatflow/internal/app"
	"github.com/ashureev/chatflow/internal/config"
	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/intent"
	"github.com/ashureev/chatflow/internal/seed"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Load a YAML fixture into the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Run one orchestration pass for a question",
	Long: `Runs DoQuestion once, without aggregation. The question and the answer
are persisted to the context like any other turn.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var detectCmd = &cobra.Command{
	Use:   "detect <text>",
	Short: "Classify text against an agent's intents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDetect,
}

var fallbacksCmd = &cobra.Command{
	Use:   "fallbacks",
	Short: "List recent unanswered questions",
	Args:  cobra.NoArgs,
	RunE:  runFallbacks,
}

var intentHistoryCmd = &cobra.Command{
	Use:   "intent-history",
	Short: "List recent intent detection attempts",
	Args:  cobra.NoArgs,
	RunE:  runIntentHistory,
}

func init() {
	for _, c := range []*cobra.Command{askCmd, detectCmd} {
		c.Flags().StringVar(&agentFlag, "agent", "", "explicit agent id")
		c.Flags().StringVar(&botFlag, "bot", "", "bot id used for default agent ranking")
		c.Flags().StringVar(&contextFlag, "context", "", "conversation id (random when empty)")
	}
	for _, c := range []*cobra.Command{fallbacksCmd, intentHistoryCmd} {
		c.Flags().IntVarP(&limitFlag, "limit", "n", 20, "maximum rows")
	}
}

// open loads configuration and builds the runtime without the coordination
// store, which the CLI never needs.
func open(ctx context.Context) (*config.Config, *app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	rt, err := app.Build(ctx, cfg, nil, app.Options{SkipCoordination: true, SkipConvLog: true})
	if err != nil {
		return nil, nil, err
	}
	return cfg, rt, nil
}

func workspace(cfg *config.Config) (string, error) {
	ws := workspaceFlag
	if ws == "" {
		ws = cfg.DefaultWorkspaceID
	}
	if ws == "" {
		return "", errors.New("no workspace: pass --workspace or set DEFAULT_WORKSPACE_ID")
	}
	return ws, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSeed(cmd *cobra.Command, args []string) error {
	_, rt, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := seed.LoadFile(cmd.Context(), args[0], rt.Repo, rt.Embedder)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(st)
	}
	fmt.Printf("agents=%d skills=%d intents=%d overrides=%d snippets=%d skipped=%d\n",
		st.Agents, st.Skills, st.Intents, st.Overrides, st.Snippets, st.Skipped)
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, rt, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	ws, err := workspace(cfg)
	if err != nil {
		return err
	}
	contextID := contextFlag
	if contextID == "" {
		contextID = uuid.NewString()
	}

	res, err := rt.Service.DoQuestion(cmd.Context(), domain.PendingMessage{
		MessageID:   uuid.NewString(),
		Text:        strings.Join(args, " "),
		WorkspaceID: ws,
		ContextID:   contextID,
		BotID:       botFlag,
		AgentID:     agentFlag,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(res)
	}
	fmt.Println(res.Turn.Content)
	if res.IsFallback {
		fmt.Printf("(fallback: %s)\n", res.Code)
	}
	if res.Turn.NextStep != "" {
		fmt.Printf("(next step: %s)\n", res.Turn.NextStep)
	}
	fmt.Printf("(context: %s, tokens: %d/%d)\n", contextID, res.Turn.PromptTokens, res.Turn.CompletionTokens)
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, rt, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	ws, err := workspace(cfg)
	if err != nil {
		return err
	}
	res, err := rt.Detector.Detect(cmd.Context(), intent.Request{
		WorkspaceID: ws,
		AgentID:     agentFlag,
		BotID:       botFlag,
		ContextID:   contextFlag,
		Text:        strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(res)
	}
	if res.Intent == nil {
		fmt.Println("no intent matched")
		return nil
	}
	fmt.Printf("%s (%s)\n", res.Intent.Name, res.Intent.ID)
	if res.Outcome != nil {
		fmt.Printf("completed=%t next_step=%q message=%q\n", res.Outcome.Completed, res.Outcome.NextStep, res.Outcome.Message)
	}
	return nil
}

func runFallbacks(cmd *cobra.Command, _ []string) error {
	cfg, rt, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	ws, err := workspace(cfg)
	if err != nil {
		return err
	}
	rows, err := rt.Repo.ListFallbackQuestions(cmd.Context(), ws, limitFlag)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(rows)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCODE\tCONTEXT\tQUESTION")
	for _, q := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", q.CreatedAt.Format(time.RFC3339), q.ErrorCode, q.ContextID, q.Question)
	}
	return tw.Flush()
}

func runIntentHistory(cmd *cobra.Command, _ []string) error {
	cfg, rt, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	ws, err := workspace(cfg)
	if err != nil {
		return err
	}
	rows, err := rt.Repo.ListIntentHistory(cmd.Context(), ws, limitFlag)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(rows)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tINTENT\tTOKENS\tTEXT\tERROR")
	for _, h := range rows {
		id := "-"
		if h.IntentID != nil {
			id = *h.IntentID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", h.CreatedAt.Format(time.RFC3339), id, h.PromptTokens, h.CompletionTokens, h.Text, h.Error)
	}
	return tw.Flush()
}
