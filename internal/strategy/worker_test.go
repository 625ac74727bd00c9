package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	fitness float64
	err     error
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []recordedRun
}

func (r *fakeRecorder) ObserveOptimizerRun(fitness float64, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, recordedRun{fitness: fitness, err: err})
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func staticHistory(h []TradeOutcome) HistoryFunc {
	return func(context.Context) ([]TradeOutcome, error) { return h, nil }
}

func TestParamStore_PublishBumpsVersion(t *testing.T) {
	initial := Genome{StopLossPercent: 5, TakeProfitPercent: 10, TradeAmount: 100}
	s := NewParamStore(initial)

	p := s.Load()
	assert.Equal(t, initial, p.Genome)
	assert.Equal(t, uint64(1), p.Version)
	assert.Equal(t, "config", p.Source)

	next := Genome{StopLossPercent: 3, TakeProfitPercent: 12, TradeAmount: 80}
	published := s.Publish(next, 42, "optimizer")
	assert.Equal(t, uint64(2), published.Version)
	assert.Equal(t, published, s.Load())
}

func TestWorker_RunOncePublishes(t *testing.T) {
	params := NewParamStore(Genome{StopLossPercent: 5, TakeProfitPercent: 10, TradeAmount: 100})
	rec := &fakeRecorder{}
	w := NewWorker(newTestOptimizer(t, WithGenerations(5)), staticHistory(mixedHistory()), params,
		WorkerConfig{Space: testSpace(), MinOutcomes: 5}, rec)

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	live := params.Load()
	assert.Equal(t, res.Best, live.Genome)
	assert.Equal(t, "optimizer", live.Source)
	assert.Equal(t, uint64(2), live.Version)
	assert.Equal(t, int64(1), w.Stats().Published)
	assert.Equal(t, 1, rec.count())
}

func TestWorker_KeepsParamsWithTooLittleHistory(t *testing.T) {
	params := NewParamStore(Genome{StopLossPercent: 5, TakeProfitPercent: 10, TradeAmount: 100})
	w := NewWorker(newTestOptimizer(t, WithGenerations(2)), staticHistory(mixedHistory()[:2]), params,
		WorkerConfig{Space: testSpace(), MinOutcomes: 5}, nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), params.Load().Version)
	assert.Equal(t, int64(0), w.Stats().Published)
}

func TestWorker_LoadFailureCounted(t *testing.T) {
	params := NewParamStore(Genome{})
	rec := &fakeRecorder{}
	boom := errors.New("db down")
	w := NewWorker(newTestOptimizer(t), func(context.Context) ([]TradeOutcome, error) { return nil, boom }, params,
		WorkerConfig{Space: testSpace()}, rec)

	_, err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int64(1), w.Stats().Failures)
	require.Equal(t, 1, rec.count())
	assert.ErrorIs(t, rec.runs[0].err, boom)
}

func TestWorker_StartRunsImmediatelyAndStops(t *testing.T) {
	params := NewParamStore(Genome{StopLossPercent: 5, TakeProfitPercent: 10, TradeAmount: 100})
	w := NewWorker(newTestOptimizer(t, WithGenerations(2), WithPopulationSize(6)), staticHistory(mixedHistory()), params,
		WorkerConfig{Space: testSpace(), Interval: time.Hour}, nil)

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool { return w.Stats().Runs >= 1 }, 5*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.False(t, w.Stats().LastRun.IsZero())
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	params := NewParamStore(Genome{})
	w := NewWorker(newTestOptimizer(t), func(context.Context) ([]TradeOutcome, error) { panic("corrupt row") }, params,
		WorkerConfig{Space: testSpace()}, nil)

	assert.NotPanics(t, func() { w.safeRun(context.Background()) })
	assert.Equal(t, int64(1), w.Stats().Failures)
}
