package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/duke-git/lancet/v2/strutil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/proofsearch/internal/merge"
	"yqhp/proofsearch/internal/store"
	"yqhp/proofsearch/pkg/logger"
	"yqhp/proofsearch/pkg/types"
)

const (
	chatPath    = "/v1/chat/completions"
	compilePath = "/compile_one"

	// MergedFile is the accumulated result set inside the output directory.
	MergedFile = "merged.json"
)

// Dispatcher routes one request to a worker serving its tag.
// Both the in-process gateway router and the REST client satisfy it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *types.Request) (*types.Response, error)
}

// RoundRecorder persists finished rounds.
type RoundRecorder interface {
	Record(ctx context.Context, rec *store.RoundRecord) error
}

// Config holds orchestrator settings.
type Config struct {
	RunID             string
	ProblemFile       string
	OutputDir         string
	Rounds            int
	SamplesPerProblem int
	Concurrency       int
	GeneratorTag      string
	CompilerTag       string
	MaxTokens         int
	Temperature       float64
	AdmissionTimeout  time.Duration
	RequestTimeout    time.Duration
	// Merge options; Incremental and Round are set per round.
	Merge merge.Options
}

func (c *Config) validate() error {
	switch {
	case c.ProblemFile == "":
		return fmt.Errorf("problem file is required")
	case c.OutputDir == "":
		return fmt.Errorf("output dir is required")
	case c.Rounds < 1:
		return fmt.Errorf("rounds must be at least 1")
	case c.SamplesPerProblem < 1:
		return fmt.Errorf("samples per problem must be at least 1")
	case c.GeneratorTag == "" || c.CompilerTag == "":
		return fmt.Errorf("generator and compiler tags are required")
	}
	return nil
}

// RoundSummary describes one finished round.
type RoundSummary struct {
	Round      int
	Problems   int
	Attempts   int
	Verified   int
	Solved     int
	Rejected   int
	BatchPath  string
	MergedPath string
	Report     *merge.Report
	StartedAt  time.Time
	FinishedAt time.Time
}

// Orchestrator runs search rounds.
type Orchestrator struct {
	config     Config
	dispatcher Dispatcher
	recorder   RoundRecorder
	clock      clockwork.Clock
	log        *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder records each finished round.
func WithRecorder(r RoundRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock sets the clock used for round timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New creates an orchestrator.
func New(cfg Config, dispatcher Dispatcher, opts ...Option) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	o := &Orchestrator{
		config:     cfg,
		dispatcher: dispatcher,
		clock:      clockwork.NewRealClock(),
		log:        logger.Named("orchestrator").With(zap.String("run_id", cfg.RunID)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunID identifies this search run in logs and the round ledger.
func (o *Orchestrator) RunID() string { return o.config.RunID }

// MergedPath is the merged result set the rounds accumulate into.
func (o *Orchestrator) MergedPath() string {
	return filepath.Join(o.config.OutputDir, MergedFile)
}

// BatchPath is the batch file written by round r.
func (o *Orchestrator) BatchPath(r int) string {
	return filepath.Join(o.config.OutputDir, fmt.Sprintf("round_%d.json", r))
}

// Run executes every round in order and stops at the first error. A round
// that fails writes neither its batch nor the merged file.
func (o *Orchestrator) Run(ctx context.Context) ([]*RoundSummary, error) {
	summaries := make([]*RoundSummary, 0, o.config.Rounds)
	for r := 1; r <= o.config.Rounds; r++ {
		summary, err := o.RunRound(ctx, r)
		if err != nil {
			return summaries, fmt.Errorf("round %d: %w", r, err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// task is one generation sample for one problem.
type task struct {
	problem *types.ProblemRecord
	sample  int
}

// RunRound executes round r. Round 1 reads the problem file, later rounds
// read the merged file.
func (o *Orchestrator) RunRound(ctx context.Context, r int) (*RoundSummary, error) {
	started := o.clock.Now()
	input := o.config.ProblemFile
	if r > 1 {
		input = o.MergedPath()
	}
	problems, err := merge.LoadBatch(input)
	if err != nil {
		return nil, err
	}
	o.log.Info("round started",
		zap.Int("round", r),
		zap.String("input", input),
		zap.Int("problems", len(problems)))

	var tasks []task
	for _, p := range problems {
		if p == nil || p.Solved {
			continue
		}
		for s := 0; s < o.config.SamplesPerProblem; s++ {
			tasks = append(tasks, task{problem: p, sample: s})
		}
	}

	results := make([]*types.ProofAttempt, len(tasks))
	complete := make([]bool, len(tasks))
	var rejected atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			attempt, done, err := o.attempt(gctx, r, t)
			if err != nil {
				return fmt.Errorf("problem %s sample %d: %w", t.problem.ProblemID, t.sample, err)
			}
			if attempt == nil {
				rejected.Add(1)
				return nil
			}
			results[i] = attempt
			complete[i] = done
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, summary := o.collect(r, problems, tasks, results, complete)
	summary.Rejected = int(rejected.Load())
	summary.StartedAt = started

	data, err := sonic.MarshalIndent(batch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if err := merge.WriteFileAtomic(summary.BatchPath, append(data, '\n'), 0o644); err != nil {
		return nil, err
	}

	opts := o.config.Merge
	opts.Incremental = r > 1
	opts.Round = r
	_, report, err := merge.Run(ctx, merge.RunConfig{
		Inputs:  []string{summary.BatchPath},
		Output:  summary.MergedPath,
		Options: opts,
	})
	if err != nil {
		return nil, err
	}
	summary.Report = report
	summary.FinishedAt = o.clock.Now()

	if o.recorder != nil {
		if err := o.recorder.Record(ctx, o.record(summary)); err != nil {
			return nil, err
		}
	}

	o.log.Info("round finished",
		zap.Int("round", r),
		zap.Int("attempts", summary.Attempts),
		zap.Int("verified", summary.Verified),
		zap.Int("solved", summary.Solved),
		zap.Int("rejected", summary.Rejected),
		zap.Int("retained", report.Retained),
		zap.Duration("elapsed", summary.FinishedAt.Sub(started)))
	return summary, nil
}

// collect groups the verified attempts by problem in input order.
func (o *Orchestrator) collect(r int, problems []*types.ProblemRecord, tasks []task, results []*types.ProofAttempt, complete []bool) ([]*types.ProblemRecord, *RoundSummary) {
	summary := &RoundSummary{
		Round:      r,
		Problems:   len(problems),
		BatchPath:  o.BatchPath(r),
		MergedPath: o.MergedPath(),
	}
	byID := make(map[string]*types.ProblemRecord, len(problems))
	batch := make([]*types.ProblemRecord, 0, len(problems))
	for _, p := range problems {
		if p == nil {
			continue
		}
		rec := &types.ProblemRecord{
			ProblemID: p.ProblemID,
			Statement: p.Statement,
			Solved:    p.Solved,
			Attempts:  []*types.ProofAttempt{},
		}
		byID[p.ProblemID] = rec
		batch = append(batch, rec)
	}
	for i, t := range tasks {
		a := results[i]
		if a == nil {
			continue
		}
		summary.Attempts++
		if !a.Verified {
			continue
		}
		summary.Verified++
		rec := byID[t.problem.ProblemID]
		rec.Attempts = append(rec.Attempts, a)
		if complete[i] && !rec.Solved {
			rec.Solved = true
			summary.Solved++
		}
	}
	return batch, summary
}

func (o *Orchestrator) record(s *RoundSummary) *store.RoundRecord {
	rec := &store.RoundRecord{
		RunID:      o.config.RunID,
		Round:      s.Round,
		Problems:   s.Problems,
		Attempts:   s.Attempts,
		Verified:   s.Verified,
		Solved:     s.Solved,
		BatchPath:  s.BatchPath,
		MergedPath: s.MergedPath,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.Report != nil {
		rec.Duplicates = s.Report.Duplicates
		rec.Truncated = s.Report.Truncated
	}
	return rec
}

// attempt generates one candidate and verifies it. A nil attempt means the
// generator output was rejected before verification.
func (o *Orchestrator) attempt(ctx context.Context, r int, t task) (*types.ProofAttempt, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	prompt := BuildPrompt(t.problem.Statement, t.problem.Facts())
	payload, err := chatPayload(o.config.GeneratorTag, prompt, o.config.MaxTokens, o.config.Temperature)
	if err != nil {
		return nil, false, err
	}
	body, err := o.call(ctx, o.config.GeneratorTag, chatPath, payload)
	if err != nil {
		return nil, false, fmt.Errorf("generate: %w", err)
	}
	content, err := chatContent(body)
	if err != nil {
		return nil, false, err
	}
	code := ExtractCode(content)
	if !Acceptable(code) {
		return nil, false, nil
	}

	payload, err = sonic.Marshal(compileRequest{
		Name: fmt.Sprintf("%s_r%d_s%d", t.problem.ProblemID, r, t.sample),
		Code: code,
	})
	if err != nil {
		return nil, false, err
	}
	body, err = o.call(ctx, o.config.CompilerTag, compilePath, payload)
	if err != nil {
		return nil, false, fmt.Errorf("verify: %w", err)
	}
	res, err := compileResult(body)
	if err != nil {
		return nil, false, err
	}
	return &types.ProofAttempt{
		ProblemID: t.problem.ProblemID,
		Round:     r,
		Content:   code,
		Verified:  res.Pass,
	}, res.Pass && res.Complete, nil
}

// call dispatches a JSON POST and requires a 2xx worker response.
func (o *Orchestrator) call(ctx context.Context, tag, path string, payload []byte) ([]byte, error) {
	if o.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.RequestTimeout)
		defer cancel()
	}
	resp, err := o.dispatcher.Dispatch(ctx, &types.Request{
		Tag:              tag,
		Method:           http.MethodPost,
		Path:             path,
		ContentType:      "application/json",
		Payload:          payload,
		AdmissionTimeout: o.config.AdmissionTimeout,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("worker %s returned status %d: %s", resp.WorkerID, resp.StatusCode, truncate(resp.Body, 256))
	}
	return resp.Body, nil
}

// truncate keeps at most n runes of body.
func truncate(body []byte, n int) string {
	return strutil.Ellipsis(string(body), n)
}
