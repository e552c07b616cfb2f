package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mqlens-go/contracts"
)

// scriptedSource serves one listing per poll, repeating the last one.
type scriptedSource struct {
	listings [][]contracts.QueueInfo
	errs     []error
	calls    int
}

func (s *scriptedSource) ListQueues(ctx context.Context, filter string) ([]contracts.QueueInfo, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.listings) {
		i = len(s.listings) - 1
	}
	return s.listings[i], nil
}

type recordSink struct {
	changes []string
	depths  []int64
}

func (s *recordSink) QueueUpdated(string) {}
func (s *recordSink) DepthChanged(queue string, depth int64) {
	s.changes = append(s.changes, queue)
	s.depths = append(s.depths, depth)
}

func TestDepthWatcherPoll(t *testing.T) {
	t.Run("first poll reports every known depth", func(t *testing.T) {
		source := &scriptedSource{listings: [][]contracts.QueueInfo{{
			{Name: "orders", Depth: 5},
			{Name: "payments", Depth: 0},
			{Name: "opaque", Depth: contracts.DepthUnknown},
		}}}
		sink := &recordSink{}
		w := NewDepthWatcher(source, WithEvents(sink))

		require.NoError(t, w.poll(context.Background()))

		assert.ElementsMatch(t, []string{"orders", "payments"}, sink.changes,
			"unknown depths emit nothing")
	})

	t.Run("only movements emit on later polls", func(t *testing.T) {
		source := &scriptedSource{listings: [][]contracts.QueueInfo{
			{{Name: "orders", Depth: 5}, {Name: "payments", Depth: 1}},
			{{Name: "orders", Depth: 5}, {Name: "payments", Depth: 3}},
		}}
		sink := &recordSink{}
		w := NewDepthWatcher(source, WithEvents(sink))

		require.NoError(t, w.poll(context.Background()))
		sink.changes = nil
		require.NoError(t, w.poll(context.Background()))

		assert.Equal(t, []string{"payments"}, sink.changes)
		assert.Equal(t, int64(3), sink.depths[len(sink.depths)-1])
	})

	t.Run("snapshot is sorted by depth and totalled", func(t *testing.T) {
		source := &scriptedSource{listings: [][]contracts.QueueInfo{{
			{Name: "small", Depth: 1},
			{Name: "big", Depth: 9},
			{Name: "opaque", Depth: contracts.DepthUnknown},
		}}}
		var got Snapshot
		w := NewDepthWatcher(source, OnPoll(func(s Snapshot) { got = s }))

		require.NoError(t, w.poll(context.Background()))

		require.Len(t, got.Queues, 3)
		assert.Equal(t, "big", got.Queues[0].Name)
		assert.Equal(t, int64(10), got.TotalDepth())
	})
}

func TestDepthWatcherRun(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		source := &scriptedSource{listings: [][]contracts.QueueInfo{{}}}
		w := NewDepthWatcher(source, WithInterval(5*time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		err := w.Run(ctx)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, source.calls, 2, "the ticker keeps polling until cancelled")
	})

	t.Run("a failing poll does not stop the watcher", func(t *testing.T) {
		source := &scriptedSource{
			listings: [][]contracts.QueueInfo{{{Name: "orders", Depth: 1}}},
			errs:     []error{errors.New("transient")},
		}
		sink := &recordSink{}
		w := NewDepthWatcher(source, WithInterval(5*time.Millisecond), WithEvents(sink))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_ = w.Run(ctx)

		assert.Contains(t, sink.changes, "orders", "the poll after the failure succeeds")
	})
}
