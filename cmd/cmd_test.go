package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/proofsearch/api/rest"
	"yqhp/proofsearch/internal/config"
	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/internal/merge"
	"yqhp/proofsearch/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := GetRootCmd()
	t.Cleanup(func() { resetFlags(root) })
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// resetFlags restores every flag in the tree to its default so package-level
// flag variables do not leak between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestCommandTree(t *testing.T) {
	root := GetRootCmd()
	for _, path := range [][]string{
		{"gateway", "start"},
		{"gateway", "workers"},
		{"worker", "run"},
		{"merge"},
		{"search"},
		{"rounds"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestFlagOverrides(t *testing.T) {
	cmd := searchCmd
	require.NoError(t, cmd.Flags().Set("rounds", "4"))
	t.Cleanup(func() { resetFlags(cmd) })

	got := flagOverrides(cmd, map[string]string{
		"rounds":  "search.rounds",
		"samples": "search.samples_per_problem",
	})
	assert.Equal(t, map[string]string{"search.rounds": "4"}, got)

	cfg := config.DefaultConfig()
	for k, v := range got {
		require.NoError(t, config.SetValue(cfg, k, v))
	}
	assert.Equal(t, 4, cfg.Search.Rounds)
}

func TestWorkerOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Worker.Tag = "lean-compiler"
	cfg.Worker.Class = "proof_compiler"
	cfg.Worker.RegisterRetries = 2

	opts := workerOptions(cfg)
	assert.Equal(t, "lean-compiler", opts.Tag)
	assert.Equal(t, types.WorkerClassProofCompiler, opts.Class)
	assert.Equal(t, 2, opts.RegisterRetries)
	assert.Equal(t, cfg.Worker.GracePeriod, opts.GracePeriod)
}

func TestOrchestratorConfigFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Search.ProblemFile = "problems.jsonl"
	cfg.Merge.DropSolved = true

	oc := orchestratorConfig(cfg, "run-7")
	assert.Equal(t, "run-7", oc.RunID)
	assert.Equal(t, "problems.jsonl", oc.ProblemFile)
	assert.Equal(t, cfg.Merge.Cap, oc.Merge.Cap)
	assert.True(t, oc.Merge.DropSolved)
	assert.False(t, oc.Merge.Incremental)
}

func TestMergeCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "round_1.jsonl")
	lines := []string{
		`{"problem_id":"P","attempts":[{"content":"lemma a : 1 = 1 := rfl","verified":true}]}`,
		`{"problem_id":"P","attempts":[{"content":"lemma b : 1 = 1 := rfl","verified":true}]}`,
		`{"problem_id":"Q","attempts":[{"content":"lemma c : 2 = 2 := by sorry","verified":true}]}`,
	}
	require.NoError(t, os.WriteFile(in, []byte(strings.Join(lines, "\n")), 0o644))
	out := filepath.Join(dir, "merged.json")

	stdout, err := execute(t, "merge", "--input", in, "--output", out, "--n", "5", "--dedup", "--skip-incomplete")
	require.NoError(t, err)
	assert.Contains(t, stdout, out)

	set, err := merge.LoadMerged(out)
	require.NoError(t, err)
	assert.Equal(t, 5, set.Cap)
	require.NotNil(t, set.Problem("P"))
	assert.Len(t, set.Problem("P").Attempts, 1)
	assert.Empty(t, set.Problem("Q").Attempts)
}

func TestMergeCommandFlagsDoNotLeak(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "round_1.json")
	require.NoError(t, os.WriteFile(in, []byte(`[{"problem_id":"P","attempts":[]}]`), 0o644))

	_, err := execute(t, "merge", "--input", in, "--output", filepath.Join(dir, "a.json"), "--dedup")
	require.NoError(t, err)
	resetFlags(GetRootCmd())

	assert.Empty(t, mergeInputs)
	assert.False(t, mergeDedup)
	assert.False(t, mergeCmd.Flags().Lookup("input").Changed)
	assert.False(t, mergeCmd.Flags().Lookup("dedup").Changed)

	_, err = execute(t, "merge", "--input", in, "--output", filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{in}, mergeInputs)
}

func TestMergeCommandMissingPrior(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "round_2.json")
	require.NoError(t, os.WriteFile(in, []byte(`[{"problem_id":"P","attempts":[]}]`), 0o644))

	_, err := execute(t, "merge", "--input", in, "--output", filepath.Join(dir, "merged.json"), "--incr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge conflict")
}

// answeringTransport plays generator and compiler workers behind the gateway.
type answeringTransport struct{}

func (answeringTransport) Forward(ctx context.Context, w *types.Worker, req *types.Request) (*types.Response, error) {
	var body string
	switch {
	case strings.HasSuffix(req.Path, "/chat/completions"):
		content := "```lean4\\nlemma helper : 3 = 3 := by rfl\\n```"
		body = fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":"%s"}}]}`, content)
	case strings.HasSuffix(req.Path, "/compile_one"):
		body = `{"code":0,"compilation_result":{"pass":true,"complete":false,"errors":[]}}`
	default:
		return &types.Response{WorkerID: w.ID, StatusCode: 404, Body: []byte("not found")}, nil
	}
	return &types.Response{WorkerID: w.ID, StatusCode: 200, ContentType: "application/json", Body: []byte(body)}, nil
}

func startGateway(t *testing.T) (*gateway.Gateway, string) {
	t.Helper()
	gw, err := gateway.New(gateway.DefaultConfig(), gateway.WithTransport(answeringTransport{}))
	require.NoError(t, err)

	cfg := rest.DefaultConfig()
	cfg.AccessLog = false
	cfg.EnableMetrics = false
	server := rest.NewServer(gw, cfg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.App().Listener(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return gw, "http://" + ln.Addr().String()
}

func TestGatewayWorkersCommand(t *testing.T) {
	gw, url := startGateway(t)
	_, err := gw.Registry().Register(context.Background(), &types.Registration{
		Tag: "solver-8b", Address: "http://127.0.0.1:9101", Class: types.WorkerClassModelServer,
	})
	require.NoError(t, err)

	stdout, err := execute(t, "gateway", "workers", "--gateway", url)
	require.NoError(t, err)
	assert.Contains(t, stdout, "solver-8b")
	assert.Contains(t, stdout, "http://127.0.0.1:9101")
}

func TestSearchCommandOverGateway(t *testing.T) {
	gw, url := startGateway(t)
	ctx := context.Background()
	for i, reg := range []*types.Registration{
		{Tag: "solver-8b", Class: types.WorkerClassModelServer},
		{Tag: "lean-compiler", Class: types.WorkerClassProofCompiler},
	} {
		reg.Address = fmt.Sprintf("http://127.0.0.1:%d", 9201+i)
		_, err := gw.Registry().Register(ctx, reg)
		require.NoError(t, err)
	}

	dir := t.TempDir()
	problems := filepath.Join(dir, "problems.json")
	data, err := sonic.Marshal([]*types.ProblemRecord{
		{ProblemID: "p1", Statement: "theorem p1 : True := by"},
		{ProblemID: "p2", Statement: "theorem p2 : True := by"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(problems, data, 0o644))
	outDir := filepath.Join(dir, "rounds")

	stdout, err := execute(t, "search",
		"--gateway", url,
		"--problems", problems,
		"--output-dir", outDir,
		"--rounds", "2",
		"--samples", "2",
		"--run-id", "cli-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "第 2 轮")

	assert.FileExists(t, filepath.Join(outDir, "round_1.json"))
	assert.FileExists(t, filepath.Join(outDir, "round_2.json"))
	set, err := merge.LoadMerged(filepath.Join(outDir, "merged.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, set.Round)
	for _, p := range set.Problems {
		// every sample produced the same lemma
		assert.Len(t, p.Attempts, 1)
	}
}

func TestRoundsCommandRequiresLedger(t *testing.T) {
	_, err := execute(t, "rounds", "some-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.enabled")
}
