package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGetExpire(t *testing.T) {
	c := New[string, int](time.Minute)
	defer c.Stop()

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.SetWithTTL("b", 2, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, c.purge())
	assert.Equal(t, 1, c.Len())

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_GetOrLoadCollapsesConcurrentLoads(t *testing.T) {
	c := New[string, string](time.Minute)
	defer c.Stop()

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (string, error) {
		loads.Add(1)
		<-release
		return "value", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, v := range results {
		assert.Equal(t, "value", v)
	}

	// served from cache now
	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) {
		t.Fatal("unexpected load")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string, int](time.Minute)
	defer c.Stop()

	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCache_Clear(t *testing.T) {
	c := New[int, int](0)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	c.Stop()
	c.Stop()
}
