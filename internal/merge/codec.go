package merge

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"

	"yqhp/proofsearch/pkg/types"
)

// maxLineSize bounds one JSONL record; proof attempts can be long.
const maxLineSize = 64 * 1024 * 1024

// LoadBatch reads problem records from a .jsonl file (one record per line),
// a JSON array of records, or a merged/round file object with "problems".
func LoadBatch(path string) ([]*types.ProblemRecord, error) {
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return loadJSONL(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '{' {
		var set types.MergedResultSet
		if err := sonic.Unmarshal(trimmed, &set); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return set.Problems, nil
	}

	var records []*types.ProblemRecord
	if err := sonic.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

func loadJSONL(path string) ([]*types.ProblemRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var records []*types.ProblemRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec types.ProblemRecord
		if err := sonic.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode %s:%d: %w", path, line, err)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return records, nil
}

// LoadMerged reads a merged result set.
func LoadMerged(path string) (*types.MergedResultSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set types.MergedResultSet
	if err := sonic.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &set, nil
}

// Encode renders a merged set as indented JSON with a trailing newline.
func Encode(set *types.MergedResultSet) ([]byte, error) {
	data, err := sonic.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode merged set: %w", err)
	}
	return append(data, '\n'), nil
}

// SaveMerged writes a merged set atomically.
func SaveMerged(path string, set *types.MergedResultSet) error {
	data, err := Encode(set)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

// WriteFileAtomic writes data to a temp file in path's directory, syncs it
// and renames it over path, so readers see either the old or the new file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	committed = true
	return nil
}
