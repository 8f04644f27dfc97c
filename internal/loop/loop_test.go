package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_DrainRunsInOrder(t *testing.T) {
	l := New()
	var got []int
	for i := range 3 {
		l.Post(func() { got = append(got, i) })
	}

	assert.Equal(t, 3, l.Pending())
	assert.Equal(t, 3, l.Drain())
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Zero(t, l.Pending())
}

func TestLoop_DrainIncludesNestedPosts(t *testing.T) {
	l := New()
	var got []string
	l.Post(func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
	})

	assert.Equal(t, 2, l.Drain())
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestLoop_RunProcessesCrossGoroutinePosts(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 10
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestLoop_CloseDropsTasks(t *testing.T) {
	l := New()
	ran := false
	l.Post(func() { ran = true })
	l.Close()
	l.Post(func() { ran = true })

	assert.Zero(t, l.Drain())
	assert.False(t, ran)
	assert.NoError(t, l.Run(context.Background()))
}

func TestAfter_PostsOnExecutor(t *testing.T) {
	l := New()
	clk := clock.NewMock()
	fired := false

	After(l, clk, 2*time.Second, func() { fired = true })
	clk.Add(time.Second)
	l.Drain()
	assert.False(t, fired)

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return l.Pending() == 1 }, time.Second, time.Millisecond)
	l.Drain()
	assert.True(t, fired)
}

func TestAfter_Stop(t *testing.T) {
	l := New()
	clk := clock.NewMock()

	stop := After(l, clk, time.Second, func() {})
	assert.True(t, stop())
	clk.Add(2 * time.Second)
	assert.Zero(t, l.Drain())
}
