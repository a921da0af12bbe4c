package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"yqhp/proofsearch/api/rest/client"
	"yqhp/proofsearch/internal/config"
	"yqhp/proofsearch/internal/merge"
	"yqhp/proofsearch/internal/orchestrator"
	"yqhp/proofsearch/internal/store"
)

var (
	searchProblems    string
	searchOutputDir   string
	searchRounds      int
	searchSamples     int
	searchConcurrency int
	searchGateway     string
	searchRunID       string
)

// searchCmd 是 search 子命令
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "执行多轮证明搜索",
	Long: `每一轮：为每个问题生成若干候选证明，交给编译节点验证，
写出 round_<r>.json，再增量合并到 merged.json 供下一轮使用。
任何未恢复的错误都会终止搜索，未完成的批次不会被合并。`,
	Example: `  proofsearch search --problems problems.jsonl --output-dir rounds --rounds 3 --samples 8`,
	RunE:    runSearch,
}

// roundsCmd 是 rounds 子命令
var roundsCmd = &cobra.Command{
	Use:     "rounds <run-id>",
	Short:   "查看一次搜索的轮次记录",
	Example: `  proofsearch rounds 2b1c0e4e-7f3a-4c55-9a57-1f0d2c3b4a5e --config proofsearch.yaml`,
	Args:    cobra.ExactArgs(1),
	RunE:    runRounds,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(roundsCmd)

	searchCmd.Flags().StringVar(&searchProblems, "problems", "", "问题文件（JSON 或 JSONL）")
	searchCmd.Flags().StringVar(&searchOutputDir, "output-dir", "", "轮次输出目录")
	searchCmd.Flags().IntVar(&searchRounds, "rounds", 0, "轮数")
	searchCmd.Flags().IntVar(&searchSamples, "samples", 0, "每个问题的采样数")
	searchCmd.Flags().IntVar(&searchConcurrency, "concurrency", 0, "并发请求数")
	searchCmd.Flags().StringVar(&searchGateway, "gateway", "", "网关地址")
	searchCmd.Flags().StringVar(&searchRunID, "run-id", "", "运行 ID（默认随机生成）")
}

func orchestratorConfig(cfg *config.Config, runID string) orchestrator.Config {
	s := cfg.Search
	return orchestrator.Config{
		RunID:             runID,
		ProblemFile:       s.ProblemFile,
		OutputDir:         s.OutputDir,
		Rounds:            s.Rounds,
		SamplesPerProblem: s.SamplesPerProblem,
		Concurrency:       s.Concurrency,
		GeneratorTag:      s.GeneratorTag,
		CompilerTag:       s.CompilerTag,
		MaxTokens:         s.MaxTokens,
		Temperature:       s.Temperature,
		AdmissionTimeout:  s.AdmissionTimeout,
		RequestTimeout:    s.RequestTimeout,
		Merge: merge.Options{
			Cap:            cfg.Merge.Cap,
			Dedup:          cfg.Merge.Dedup,
			SkipIncomplete: cfg.Merge.SkipIncomplete,
			DropSolved:     cfg.Merge.DropSolved,
		},
	}
}

func openLedger(ctx context.Context, cfg *config.Config) (*store.Ledger, error) {
	if !cfg.Database.Enabled {
		return nil, nil
	}
	ledger, err := store.OpenLedger(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("打开轮次账本失败: %w", err)
	}
	return ledger, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagOverrides(cmd, map[string]string{
		"problems":    "search.problem_file",
		"output-dir":  "search.output_dir",
		"rounds":      "search.rounds",
		"samples":     "search.samples_per_problem",
		"concurrency": "search.concurrency",
		"gateway":     "search.gateway_url",
	}))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext("搜索")
	defer cancel()

	dispatcher := client.NewClient(&client.Config{
		GatewayURL:      cfg.Search.GatewayURL,
		RequestTimeout:  client.DefaultConfig().RequestTimeout,
		DispatchTimeout: cfg.Search.RequestTimeout + cfg.Search.AdmissionTimeout,
	})

	var opts []orchestrator.Option
	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
		opts = append(opts, orchestrator.WithRecorder(ledger))
	}

	o, err := orchestrator.New(orchestratorConfig(cfg, searchRunID), dispatcher, opts...)
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("proofsearch search %s\n", Version)
		fmt.Printf("  运行 ID: %s\n", o.RunID())
		fmt.Printf("  问题文件: %s\n", cfg.Search.ProblemFile)
		fmt.Printf("  输出目录: %s\n", cfg.Search.OutputDir)
		fmt.Printf("  轮数: %d  采样: %d  并发: %d\n", cfg.Search.Rounds, cfg.Search.SamplesPerProblem, cfg.Search.Concurrency)
		fmt.Println()
	}

	summaries, err := o.Run(ctx)
	if !quiet {
		printSummaries(cmd, summaries)
	}
	if err != nil {
		return fmt.Errorf("搜索中止: %w", err)
	}
	return nil
}

func printSummaries(cmd *cobra.Command, summaries []*orchestrator.RoundSummary) {
	out := cmd.OutOrStdout()
	for _, s := range summaries {
		fmt.Fprintf(out, "  第 %d 轮: 问题 %d  尝试 %d  通过 %d  解决 %d  保留 %d  耗时 %s\n",
			s.Round, s.Problems, s.Attempts, s.Verified, s.Solved, s.Report.Retained,
			s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
}

func runRounds(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled {
		return fmt.Errorf("未启用轮次账本 (database.enabled)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	records, err := ledger.Rounds(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-6s %-8s %-8s %-8s %-8s %-10s %s\n", "ROUND", "PROBLEMS", "ATTEMPTS", "VERIFIED", "SOLVED", "DUPLICATES", "FINISHED")
	for _, r := range records {
		fmt.Fprintf(out, "%-6d %-8d %-8d %-8d %-8d %-10d %s\n",
			r.Round, r.Problems, r.Attempts, r.Verified, r.Solved, r.Duplicates, r.FinishedAt.Format(time.RFC3339))
	}
	return nil
}
