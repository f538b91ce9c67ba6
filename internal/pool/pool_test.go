package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

type runnerFunc func(ctx context.Context, name string, args map[string]any) (map[string]any, error)

func (f runnerFunc) Run(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return f(ctx, name, args)
}

func echoRunner() runnerFunc {
	return func(_ context.Context, name string, args map[string]any) (map[string]any, error) {
		return map[string]any{"tool": name, "args": args}, nil
	}
}

func startPool(t *testing.T, cfg Config, r tools.Runner) *Pool {
	t.Helper()
	p := New(cfg, r, zerolog.Nop())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestConfig_ClampsWorkers(t *testing.T) {
	assert.Equal(t, 1, New(Config{Workers: 0}, echoRunner(), zerolog.Nop()).Workers())
	assert.Equal(t, 5, New(Config{Workers: 12}, echoRunner(), zerolog.Nop()).Workers())
	assert.Equal(t, 3, New(Config{Workers: 3}, echoRunner(), zerolog.Nop()).Workers())
}

func TestSubmitAndWait(t *testing.T) {
	p := startPool(t, Config{Workers: 2}, echoRunner())

	require.True(t, p.SubmitJob(Job{ID: "j1", RequestID: "r1", Tool: "get_time"}))
	r := p.WaitForResult(context.Background(), "j1", time.Second)
	require.NotNil(t, r)
	assert.Equal(t, "r1", r.RequestID)
	assert.Equal(t, "get_time", r.Output["tool"])
	assert.Nil(t, r.Err)
}

func TestSubmitBeforeStartIsRejected(t *testing.T) {
	p := New(Config{}, echoRunner(), zerolog.Nop())
	assert.False(t, p.SubmitJob(Job{ID: "x"}))
}

func TestWaitForResult_KeepsOtherResults(t *testing.T) {
	p := startPool(t, Config{Workers: 1}, echoRunner())

	require.True(t, p.SubmitJob(Job{ID: "a", Tool: "first"}))
	require.True(t, p.SubmitJob(Job{ID: "b", Tool: "second"}))

	rb := p.WaitForResult(context.Background(), "b", time.Second)
	require.NotNil(t, rb)
	assert.Equal(t, "second", rb.Tool)

	ra := p.WaitForResult(context.Background(), "a", 100*time.Millisecond)
	require.NotNil(t, ra)
	assert.Equal(t, "first", ra.Tool)
}

func TestConcurrentWaiters(t *testing.T) {
	p := startPool(t, Config{Workers: 3}, echoRunner())

	const n = 20
	var wg sync.WaitGroup
	got := make([]*Result, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		require.True(t, p.SubmitJob(Job{ID: id, Tool: id}))
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			got[i] = p.WaitForResult(context.Background(), id, 2*time.Second)
		}(i, id)
	}
	wg.Wait()
	for i, r := range got {
		require.NotNil(t, r, "waiter %d", i)
		assert.Equal(t, string(rune('a'+i)), r.JobID)
	}
}

func TestExcessSubmissionsYieldNilWithinTimeout(t *testing.T) {
	release := make(chan struct{})
	blocking := runnerFunc(func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})
	p := startPool(t, Config{Workers: 1, TaskQueue: 1}, blocking)
	t.Cleanup(func() { close(release) })

	require.True(t, p.SubmitJob(Job{ID: "busy"}))
	require.Eventually(t, func() bool {
		st := p.Status()
		return len(st.Worker) == 1 && st.Worker[0].CurrentJob == "busy"
	}, time.Second, 5*time.Millisecond)

	require.True(t, p.SubmitJob(Job{ID: "queued"}))
	assert.False(t, p.SubmitJob(Job{ID: "overflow"}))

	start := time.Now()
	assert.Nil(t, p.WaitForResult(context.Background(), "queued", 50*time.Millisecond))
	assert.Nil(t, p.WaitForResult(context.Background(), "overflow", 50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAbandonedResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	r := runnerFunc(func(_ context.Context, name string, _ map[string]any) (map[string]any, error) {
		if name == "slow" {
			<-release
		}
		return map[string]any{"tool": name}, nil
	})
	p := startPool(t, Config{Workers: 1}, r)

	require.True(t, p.SubmitJob(Job{ID: "late", Tool: "slow"}))
	assert.Nil(t, p.WaitForResult(context.Background(), "late", 30*time.Millisecond))
	close(release)

	require.True(t, p.SubmitJob(Job{ID: "next", Tool: "fast"}))
	res := p.WaitForResult(context.Background(), "next", time.Second)
	require.NotNil(t, res)
	assert.Equal(t, "fast", res.Output["tool"])

	st := p.Status()
	assert.Zero(t, st.Parked)
	assert.Zero(t, st.PendingJobs)
	assert.Nil(t, p.PollResult())
}

func TestCrashedJobTimesOutAndPoolSurvives(t *testing.T) {
	r := runnerFunc(func(_ context.Context, name string, _ map[string]any) (map[string]any, error) {
		if name == "crash" {
			panic("worker died")
		}
		return map[string]any{"ok": true}, nil
	})
	p := startPool(t, Config{Workers: 1}, r)

	require.True(t, p.SubmitJob(Job{ID: "c", Tool: "crash"}))
	assert.Nil(t, p.WaitForResult(context.Background(), "c", 100*time.Millisecond))

	require.True(t, p.SubmitJob(Job{ID: "d", Tool: "fine"}))
	res := p.WaitForResult(context.Background(), "d", time.Second)
	require.NotNil(t, res)
	assert.Equal(t, true, res.Output["ok"])
	assert.Equal(t, int64(1), p.Status().Worker[0].Errors)
}

func TestRun_ImplementsRunner(t *testing.T) {
	failing := runnerFunc(func(ctx context.Context, name string, _ map[string]any) (map[string]any, error) {
		if name == "bad" {
			return nil, errors.New("nope")
		}
		return map[string]any{"request": RequestID(ctx)}, nil
	})
	p := startPool(t, Config{Workers: 2, Timeout: time.Second}, failing)

	ctx := WithRequestID(context.Background(), "req-7")
	out, err := p.Run(ctx, "good", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-7", out["request"])

	_, err = p.Run(ctx, "bad", nil)
	var te *tools.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tools.ErrTypeExecution, te.Type)
}

func TestRun_TimeoutIsToolError(t *testing.T) {
	slow := runnerFunc(func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := startPool(t, Config{Workers: 1, Timeout: 30 * time.Millisecond}, slow)

	_, err := p.Run(context.Background(), "slow", nil)
	var te *tools.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tools.ErrTypeTimeout, te.Type)
}

func TestEngineThroughPool(t *testing.T) {
	reg := tools.NewRegistry(tools.GetTime(nil))
	p := startPool(t, Config{Workers: 2}, reg)
	eng := tools.NewEngine(reg, p, zerolog.Nop())

	sum := eng.ExecuteIntents(context.Background(), []tools.Intent{{Tool: "get_time"}})
	require.Len(t, sum.Ran, 1)
	assert.True(t, sum.Ran[0].OK)
	assert.NotEmpty(t, sum.Ran[0].Result["reply"])
}

func TestStatus(t *testing.T) {
	p := startPool(t, Config{Workers: 2}, echoRunner())
	st := p.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Workers)
	require.Len(t, st.Worker, 2)
	for _, w := range st.Worker {
		assert.True(t, w.Healthy)
	}
}
