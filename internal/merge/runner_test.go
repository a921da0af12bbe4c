package merge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunRoundsIncrementally(t *testing.T) {
	dir := t.TempDir()
	r1 := filepath.Join(dir, "round_1.json")
	r2 := filepath.Join(dir, "round_2.jsonl")
	out := filepath.Join(dir, "merged.json")

	writeFile(t, r1, `[{"problem_id": "P", "attempts": [
  {"content": "A", "signature": "s1"},
  {"content": "B", "signature": "s2"},
  {"content": "C", "signature": "s1"}
]}]`)
	writeFile(t, r2, `{"problem_id": "P", "attempts": [{"content": "D", "signature": "s3", "round": 2}]}`+"\n")

	ctx := context.Background()
	set, report, err := Run(ctx, RunConfig{Inputs: []string{r1}, Output: out, Options: Options{Cap: 2, Dedup: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, contents(set.Problems[0]))
	assert.Equal(t, 1, report.Duplicates)

	set, _, err = Run(ctx, RunConfig{Inputs: []string{r2}, Output: out, Options: Options{Cap: 2, Dedup: true, Incremental: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, contents(set.Problems[0]))
	assert.Equal(t, 2, set.Round)

	loaded, err := LoadMerged(out)
	require.NoError(t, err)
	assert.Equal(t, set, loaded)
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "round_2.json")
	prior := filepath.Join(dir, "merged_1.json")
	writeFile(t, prior, `{"round": 1, "cap": 3, "problems": [{"problem_id": "P", "attempts": [{"content": "lemma a : 1 = 1 := rfl", "round": 1}]}]}`)
	writeFile(t, in, `[{"problem_id": "P", "attempts": [{"content": "lemma b : 2 = 2 := rfl"}, {"content": "lemma a2 : 1 = 1 := rfl"}]},
{"problem_id": "Q", "attempts": [{"content": "lemma q : 3 = 3 := rfl"}]}]`)

	cfg := RunConfig{Inputs: []string{in}, Prior: prior, Options: Options{Cap: 3, Dedup: true, Incremental: true}}

	cfg.Output = filepath.Join(dir, "a.json")
	_, _, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	cfg.Output = filepath.Join(dir, "b.json")
	_, _, err = Run(context.Background(), cfg)
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	// re-running in place over an unchanged prior is stable too
	cfg.Output = filepath.Join(dir, "a.json")
	_, _, err = Run(context.Background(), cfg)
	require.NoError(t, err)
	again, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(again))
}

func TestRunMissingPriorIsConflict(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "round_2.json")
	out := filepath.Join(dir, "merged.json")
	writeFile(t, in, `[{"problem_id": "P", "attempts": [{"content": "x"}]}]`)

	_, _, err := Run(context.Background(), RunConfig{Inputs: []string{in}, Output: out, Options: Options{Cap: 2, Incremental: true}})
	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, out, conflict.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.NoFileExists(t, out)
}

func TestRunCorruptPriorLeavesOutputUntouched(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "round_2.json")
	out := filepath.Join(dir, "merged.json")
	writeFile(t, in, `[{"problem_id": "P"}]`)
	writeFile(t, out, `{"round": 1, "problems": [`)

	_, _, err := Run(context.Background(), RunConfig{Inputs: []string{in}, Output: out, Options: Options{Cap: 2, Incremental: true}})
	var conflict *MergeConflictError
	require.ErrorAs(t, err, &conflict)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, `{"round": 1, "problems": [`, string(data))
}

func TestRunValidation(t *testing.T) {
	_, _, err := Run(context.Background(), RunConfig{Inputs: []string{"x.json"}})
	assert.Error(t, err)
	_, _, err = Run(context.Background(), RunConfig{Output: "out.json"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = Run(ctx, RunConfig{Inputs: []string{"x.json"}, Output: "out.json"})
	assert.ErrorIs(t, err, context.Canceled)
}
