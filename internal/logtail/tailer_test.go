package logtail_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homelabird/s3desk-telemetry/internal/logtail"
	"github.com/homelabird/s3desk-telemetry/internal/model"
)

var errFetch = errors.New("fetch failed")

type fetchCall struct {
	tail   bool
	offset int64
}

type fetchResult struct {
	chunk model.LogChunk
	err   error
}

// fakeFetcher serves a scripted sequence of results and reports every call.
// When the script runs out it keeps serving empty chunks at the last offset.
type fakeFetcher struct {
	mu      sync.Mutex
	script  []fetchResult
	last    int64
	calls   chan fetchCall
	blockCh chan struct{} // non-nil blocks calls until closed or ctx ends
}

func newFakeFetcher(script ...fetchResult) *fakeFetcher {
	return &fakeFetcher{script: script, calls: make(chan fetchCall, 64)}
}

func (f *fakeFetcher) serve(ctx context.Context, call fetchCall) (model.LogChunk, error) {
	f.mu.Lock()
	block := f.blockCh
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.LogChunk{}, ctx.Err()
		}
	}

	f.calls <- call

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return model.LogChunk{NextOffset: f.last}, nil
	}
	r := f.script[0]
	f.script = f.script[1:]
	if r.err == nil {
		f.last = r.chunk.NextOffset
	}
	return r.chunk, r.err
}

func (f *fakeFetcher) FetchLogRange(ctx context.Context, jobID string, offset, _ int64) (model.LogChunk, error) {
	return f.serve(ctx, fetchCall{offset: offset})
}

func (f *fakeFetcher) FetchLogTail(ctx context.Context, _ string, _ int64) (model.LogChunk, error) {
	return f.serve(ctx, fetchCall{tail: true})
}

func (f *fakeFetcher) waitCall(t *testing.T) fetchCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a fetch")
		return fetchCall{}
	}
}

func (f *fakeFetcher) expectNoCall(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected fetch %+v", c)
	case <-time.After(within):
	}
}

func testConfig() *logtail.Config {
	return &logtail.Config{
		PollBase:       5 * time.Millisecond,
		PollMax:        40 * time.Millisecond,
		PauseThreshold: 3,
		SnapshotBytes:  256,
		ChunkBytes:     128,
	}
}

func collectLines(t *testing.T, out chan []string) []string {
	t.Helper()
	select {
	case lines := <-out:
		return lines
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lines")
		return nil
	}
}

func TestTailerSeedsThenPolls(t *testing.T) {
	fetcher := newFakeFetcher(
		fetchResult{chunk: model.LogChunk{Text: "hello\nworld\npart", NextOffset: 100}},
		fetchResult{chunk: model.LogChunk{Text: "ial\n", NextOffset: 104}},
	)
	tailer := logtail.New(testConfig(), fetcher, nil)
	defer tailer.Close()

	out := make(chan []string, 8)
	require.NoError(t, tailer.OpenTail(context.Background(), "j1", func(lines []string) {
		out <- lines
	}))

	first := fetcher.waitCall(t)
	require.True(t, first.tail, "first fetch must be the tail snapshot")
	require.Equal(t, []string{"hello", "world"}, collectLines(t, out))

	second := fetcher.waitCall(t)
	require.False(t, second.tail)
	require.Equal(t, int64(100), second.offset)
	require.Equal(t, []string{"partial"}, collectLines(t, out))

	cursor, ok := tailer.Cursor("j1")
	require.True(t, ok)
	require.Equal(t, int64(104), cursor.Offset)
	require.Equal(t, "", cursor.Remainder)
}

func TestTailerOpenTwice(t *testing.T) {
	tailer := logtail.New(testConfig(), newFakeFetcher(), nil)
	defer tailer.Close()

	require.NoError(t, tailer.OpenTail(context.Background(), "j1", nil))
	require.ErrorIs(t, tailer.OpenTail(context.Background(), "j1", nil), logtail.ErrTailAlreadyOpen)
}

func TestTailerPausesAfterThreeFailures(t *testing.T) {
	fetcher := newFakeFetcher(
		fetchResult{err: errFetch},
		fetchResult{err: errFetch},
		fetchResult{err: errFetch},
	)
	tailer := logtail.New(testConfig(), fetcher, nil)
	defer tailer.Close()

	out := make(chan []string, 8)
	require.NoError(t, tailer.OpenTail(context.Background(), "j1", func(lines []string) {
		out <- lines
	}))

	for i := 0; i < 3; i++ {
		fetcher.waitCall(t)
	}

	// The third failure pauses polling; no further fetch may be scheduled.
	fetcher.expectNoCall(t, 150*time.Millisecond)

	state, ok := tailer.State("j1")
	require.True(t, ok)
	require.True(t, state.Paused)
	require.Equal(t, 3, state.ConsecutiveFailures)

	// Manual retry resumes and a single success resets the counters.
	fetcher.mu.Lock()
	fetcher.script = []fetchResult{{chunk: model.LogChunk{Text: "back\n", NextOffset: 5}}}
	fetcher.mu.Unlock()

	require.NoError(t, tailer.RetryPolling("j1"))
	fetcher.waitCall(t)
	require.Equal(t, []string{"back"}, collectLines(t, out))

	state, ok = tailer.State("j1")
	require.True(t, ok)
	require.False(t, state.Paused)
	require.Equal(t, 0, state.ConsecutiveFailures)
}

func TestTailerFailureDelayGrowsToCap(t *testing.T) {
	cfg := testConfig()
	cfg.PauseThreshold = 5
	fetcher := newFakeFetcher(
		fetchResult{err: errFetch},
		fetchResult{err: errFetch},
		fetchResult{err: errFetch},
		fetchResult{err: errFetch},
	)
	tailer := logtail.New(cfg, fetcher, nil)
	defer tailer.Close()

	require.NoError(t, tailer.OpenTail(context.Background(), "j1", nil))
	for i := 0; i < 4; i++ {
		fetcher.waitCall(t)
	}
	// Let the fourth failure be recorded before reading the state.
	time.Sleep(20 * time.Millisecond)

	state, ok := tailer.State("j1")
	require.True(t, ok)
	require.False(t, state.Paused)
	require.Equal(t, 4, state.ConsecutiveFailures)
	// 5ms, 10ms, 20ms, then capped at 40ms.
	require.Equal(t, cfg.PollMax, state.CurrentDelay)
}

func TestTailerCloseCancelsInFlight(t *testing.T) {
	fetcher := newFakeFetcher(
		fetchResult{chunk: model.LogChunk{Text: "late\n", NextOffset: 5}},
	)
	fetcher.blockCh = make(chan struct{})
	tailer := logtail.New(testConfig(), fetcher, nil)

	handled := make(chan struct{}, 1)
	require.NoError(t, tailer.OpenTail(context.Background(), "j1", func([]string) {
		handled <- struct{}{}
	}))

	// The first fetch is blocked; closing must cancel it and drop its result.
	time.Sleep(10 * time.Millisecond)
	tailer.CloseTail("j1")

	select {
	case <-handled:
		t.Fatal("handler ran after CloseTail")
	case <-time.After(100 * time.Millisecond):
	}

	_, ok := tailer.State("j1")
	require.False(t, ok)
	_, ok = tailer.Cursor("j1")
	require.False(t, ok)

	// Closing again is a no-op.
	tailer.CloseTail("j1")
}

func TestTailerRemoveJobs(t *testing.T) {
	tailer := logtail.New(testConfig(), newFakeFetcher(), nil)
	defer tailer.Close()

	require.NoError(t, tailer.OpenTail(context.Background(), "j1", nil))
	require.NoError(t, tailer.OpenTail(context.Background(), "j2", nil))

	tailer.RemoveJobs([]string{"j1", "j2", "j3"})

	_, ok := tailer.State("j1")
	require.False(t, ok)
	_, ok = tailer.State("j2")
	require.False(t, ok)
	require.ErrorIs(t, tailer.RetryPolling("j1"), logtail.ErrTailNotOpen)
}
