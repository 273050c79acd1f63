package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

func TestNewKey_Deterministic(t *testing.T) {
	src := model.SubscriptionSource{
		URL:       "https://example.com/sub",
		UserAgent: "subpipe/1.0",
		Headers:   map[string]string{"Authorization": "Bearer t", "Accept": "text/plain"},
	}
	k1 := NewKey(src, []string{"b", "a"}, model.ModeTolerant)
	k2 := NewKey(src, []string{"a", "b"}, model.ModeTolerant)
	assert.Equal(t, k1, k2, "tag filter order must not change the key")

	assert.NotEqual(t, k1, NewKey(src, []string{"a"}, model.ModeTolerant))
	assert.NotEqual(t, k1, NewKey(src, []string{"a", "b"}, model.ModeStrict))

	src2 := src
	src2.UserAgent = "other/2.0"
	assert.NotEqual(t, k1, NewKey(src2, []string{"a", "b"}, model.ModeTolerant))
}

func TestGetOrCompute_SecondCallHitsCache(t *testing.T) {
	m := NewManager[int]()
	var calls atomic.Int32
	compute := func() (int, error) {
		calls.Add(1)
		return 42, nil
	}

	v, err := m.GetOrCompute("k", false, compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = m.GetOrCompute("k", false, compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), calls.Load(), "second call must not recompute")
}

func TestGetOrCompute_ErrorsNotCached(t *testing.T) {
	m := NewManager[int]()
	var calls atomic.Int32

	_, err := m.GetOrCompute("k", false, func() (int, error) {
		calls.Add(1)
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())

	v, err := m.GetOrCompute("k", false, func() (int, error) {
		calls.Add(1)
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrCompute_ForceReload(t *testing.T) {
	m := NewManager[int]()
	var calls atomic.Int32
	compute := func() (int, error) {
		return int(calls.Add(1)), nil
	}

	v, err := m.GetOrCompute("k", false, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = m.GetOrCompute("k", true, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "force reload must bypass the read path")

	v, err = m.GetOrCompute("k", false, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "force reload must overwrite the entry")
}

func TestGetOrCompute_BlockAndShare(t *testing.T) {
	m := NewManager[int]()
	var calls atomic.Int32
	gate := make(chan struct{})

	const workers = 16
	var wg sync.WaitGroup
	results := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.GetOrCompute("k", false, func() (int, error) {
				<-gate // hold every concurrent miss on the same computation
				calls.Add(1)
				return 99, nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "one computation per key under concurrent misses")
	for _, v := range results {
		assert.Equal(t, 99, v)
	}
}

func TestInvalidate(t *testing.T) {
	m := NewManager[string]()
	_, _ = m.GetOrCompute("a", false, func() (string, error) { return "x", nil })
	_, _ = m.GetOrCompute("b", false, func() (string, error) { return "y", nil })

	m.Invalidate("a")
	_, ok := m.Get("a")
	assert.False(t, ok)
	_, ok = m.Get("b")
	assert.True(t, ok)

	m.InvalidateAll()
	assert.Equal(t, 0, m.Len())
}
