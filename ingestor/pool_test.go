package ingestor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koliambus/catalog-discovery/index"
	"github.com/koliambus/catalog-discovery/source"
)

type runnerFunc func(ctx context.Context) (CycleReport, error)

func (f runnerFunc) RunCycle(ctx context.Context) (CycleReport, error) { return f(ctx) }

func indexedAll(n int) []index.WriteOutcome {
	out := make([]index.WriteOutcome, n)
	for i := range out {
		out[i] = index.IndexedOutcome()
	}
	return out
}

func TestNewPool_Validation(t *testing.T) {
	ok := runnerFunc(func(context.Context) (CycleReport, error) { return CycleReport{}, nil })

	_, err := NewPool(nil, DefaultPoolConfig, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewPool(ok, PoolConfig{Workers: 0, Cycles: -1, ErrorBackoff: -time.Second}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
	assert.Contains(t, err.Error(), "cycles")
	assert.Contains(t, err.Error(), "backoff")

	_, err = NewPool(ok, DefaultPoolConfig, zerolog.Nop())
	assert.NoError(t, err)
}

func TestPool_RunsExactCycleCount(t *testing.T) {
	var runs atomic.Int32
	runner := runnerFunc(func(context.Context) (CycleReport, error) {
		runs.Add(1)
		return CycleReport{}, nil
	})

	p, err := NewPool(runner, PoolConfig{Workers: 3, Cycles: 25}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, int32(25), runs.Load())
}

func TestPool_RespectsWorkerCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	runner := runnerFunc(func(context.Context) (CycleReport, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return CycleReport{Received: 1}, nil
	})

	p, err := NewPool(runner, PoolConfig{Workers: 4, Cycles: 40}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Positive(t, peak.Load())
}

func TestPool_SurvivesPanicsAndErrors(t *testing.T) {
	var runs atomic.Int32
	runner := runnerFunc(func(context.Context) (CycleReport, error) {
		switch runs.Add(1) % 3 {
		case 0:
			panic("bad cycle")
		case 1:
			return CycleReport{}, errors.New("receive failed")
		}
		return CycleReport{Received: 2}, nil
	})

	p, err := NewPool(runner, PoolConfig{Workers: 2, Cycles: 12, ErrorBackoff: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, int32(12), runs.Load())
}

func TestPool_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context) (CycleReport, error) {
		if runs.Add(1) == 5 {
			cancel()
		}
		return CycleReport{}, nil
	})

	p, err := NewPool(runner, PoolConfig{Workers: 1}, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(5))
}

func TestPool_ShutdownAcknowledgesInFlightCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	src := &fakeSource{batches: [][]source.RawMessage{{song("a"), song("b")}}}
	inWrite := make(chan struct{})
	release := make(chan struct{})
	w := &fakeWriter{respond: func(docs []index.Document) ([]index.WriteOutcome, error) {
		close(inWrite)
		<-release
		return indexedAll(len(docs)), nil
	}}
	r := newReconciler(t, src, w)

	p, err := NewPool(r, PoolConfig{Workers: 1}, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-inWrite
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, []string{"rh-a", "rh-b"}, src.ackedHandles())
}
