package merge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yqhp/proofsearch/pkg/logger"
	"yqhp/proofsearch/pkg/types"
)

// MergeConflictError reports that an incremental merge has no prior merged
// set, either because the prior file could not be read or none was given.
// The output file is left untouched.
type MergeConflictError struct {
	Path string
	Err  error
}

func (e *MergeConflictError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("merge conflict: %v", e.Err)
	}
	return fmt.Sprintf("merge conflict: prior merged file %s unavailable: %v", e.Path, e.Err)
}

func (e *MergeConflictError) Unwrap() error {
	return e.Err
}

// RunConfig describes a file-level merge.
type RunConfig struct {
	Inputs []string
	Output string
	// Prior is the previous merged file; defaults to Output.
	Prior   string
	Options Options
}

// Run loads the inputs and, for incremental merges, the prior merged file,
// merges them and writes the result atomically to Output.
func Run(ctx context.Context, cfg RunConfig) (*types.MergedResultSet, *Report, error) {
	if cfg.Output == "" {
		return nil, nil, fmt.Errorf("output path is required")
	}
	if len(cfg.Inputs) == 0 {
		return nil, nil, fmt.Errorf("at least one input is required")
	}

	var batch []*types.ProblemRecord
	for _, in := range cfg.Inputs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		records, err := LoadBatch(in)
		if err != nil {
			return nil, nil, err
		}
		batch = append(batch, records...)
	}

	var prior *types.MergedResultSet
	if cfg.Options.Incremental {
		priorPath := cfg.Prior
		if priorPath == "" {
			priorPath = cfg.Output
		}
		set, err := LoadMerged(priorPath)
		if err != nil {
			return nil, nil, &MergeConflictError{Path: priorPath, Err: err}
		}
		prior = set
	}

	out, report, err := MergeWithReport(batch, prior, cfg.Options)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := SaveMerged(cfg.Output, out); err != nil {
		return nil, nil, err
	}

	logger.Info("merge finished",
		zap.Strings("inputs", cfg.Inputs),
		zap.String("output", cfg.Output),
		zap.Int("round", out.Round),
		zap.Int("problems", report.Problems),
		zap.Int("retained", report.Retained),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("truncated", report.Truncated),
		zap.Int("incomplete", report.Incomplete),
		zap.Int("dropped_solved", report.DroppedSolved))

	return out, report, nil
}
