package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/proofsearch/internal/merge"
)

var (
	mergeInputs         []string
	mergeOutput         string
	mergePrior          string
	mergeCap            int
	mergeDedup          bool
	mergeIncremental    bool
	mergeSkipIncomplete bool
	mergeDropSolved     bool
	mergeRound          int
)

// mergeCmd 是 merge 子命令
var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "去重合并一轮或多轮结果",
	Long: `把批次文件（JSON 数组或 JSONL）合并为 merged 结果集。

按规范签名去重，每个问题最多保留 N 条（先到先留），
增量模式下先读入已有的 merged 文件。输出以原子方式写入。`,
	Example: `  # 合并第一轮
  proofsearch merge --input rounds/round_1.json --output rounds/merged.json --n 10 --dedup

  # 增量合并第二轮
  proofsearch merge --input rounds/round_2.json --output rounds/merged.json --incr`,
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)

	mergeCmd.Flags().StringSliceVar(&mergeInputs, "input", nil, "批次文件，可多次指定")
	mergeCmd.Flags().StringVar(&mergeOutput, "output", "", "输出 merged 文件")
	mergeCmd.Flags().StringVar(&mergePrior, "prior", "", "增量模式读取的已有 merged 文件（默认同 --output）")
	mergeCmd.Flags().IntVar(&mergeCap, "n", 0, "每个问题保留的条数上限")
	mergeCmd.Flags().BoolVar(&mergeDedup, "dedup", false, "按签名去重")
	mergeCmd.Flags().BoolVar(&mergeIncremental, "incr", false, "增量合并")
	mergeCmd.Flags().BoolVar(&mergeSkipIncomplete, "skip-incomplete", false, "丢弃含 sorry/admit 的尝试")
	mergeCmd.Flags().BoolVar(&mergeDropSolved, "drop-solved", false, "移除已解决的问题")
	mergeCmd.Flags().IntVar(&mergeRound, "round", 0, "输出轮次（默认从输入推断）")

	_ = mergeCmd.MarkFlagRequired("input")
	_ = mergeCmd.MarkFlagRequired("output")
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagOverrides(cmd, map[string]string{
		"n":               "merge.cap",
		"dedup":           "merge.dedup",
		"incr":            "merge.incremental",
		"skip-incomplete": "merge.skip_incomplete",
		"drop-solved":     "merge.drop_solved",
	}))
	if err != nil {
		return err
	}

	_, report, err := merge.Run(cmd.Context(), merge.RunConfig{
		Inputs: mergeInputs,
		Output: mergeOutput,
		Prior:  mergePrior,
		Options: merge.Options{
			Cap:            cfg.Merge.Cap,
			Dedup:          cfg.Merge.Dedup,
			Incremental:    cfg.Merge.Incremental,
			SkipIncomplete: cfg.Merge.SkipIncomplete,
			DropSolved:     cfg.Merge.DropSolved,
			Round:          mergeRound,
		},
	})
	if err != nil {
		return err
	}

	if !quiet {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "合并完成: %s\n", mergeOutput)
		fmt.Fprintf(out, "  问题数....: %d\n", report.Problems)
		fmt.Fprintf(out, "  保留......: %d\n", report.Retained)
		fmt.Fprintf(out, "  重复......: %d\n", report.Duplicates)
		fmt.Fprintf(out, "  截断......: %d\n", report.Truncated)
		fmt.Fprintf(out, "  未完成....: %d\n", report.Incomplete)
		fmt.Fprintf(out, "  已解决移除: %d\n", report.DroppedSolved)
	}
	return nil
}
