package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFieldAndGetString(t *testing.T) {
	out, err := SetField([]byte(`{"model":"Qwen3-32B","messages":[]}`), "model", "/scratch/models/qwen3")
	require.NoError(t, err)

	model, ok := GetString(out, "model")
	require.True(t, ok)
	assert.Equal(t, "/scratch/models/qwen3", model)

	_, ok = GetString([]byte(`not json`), "model")
	assert.False(t, ok)

	_, err = SetField([]byte(`[1,2]`), "model", "x")
	assert.Error(t, err)
}

func TestFromJSONBytes(t *testing.T) {
	type payload struct {
		Tag string `json:"tag"`
	}
	p, err := FromJSONBytes[payload]([]byte(`{"tag":"solver-8b"}`))
	require.NoError(t, err)
	assert.Equal(t, "solver-8b", p.Tag)
}

func TestSafeGoWithNameRecovers(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGoWithName("panicker", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
}
