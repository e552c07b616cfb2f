// Package monitor polls queue listings on an interval and turns depth
// movements into events. It sits on top of any provider; the poll is the
// same ListQueues inquiry the interactive commands use.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mqlens-go/contracts"
	"github.com/glimte/mqlens-go/providers"
)

// DefaultInterval is the poll interval when none is configured.
const DefaultInterval = 5 * time.Second

// Source is the inquiry surface the watcher polls. Satisfied by any
// providers.Provider.
type Source interface {
	ListQueues(ctx context.Context, filter string) ([]contracts.QueueInfo, error)
}

// Snapshot is one poll result, sorted by depth descending.
type Snapshot struct {
	Taken  time.Time
	Queues []contracts.QueueInfo
}

// TotalDepth sums the known depths; unknown depths are skipped.
func (s Snapshot) TotalDepth() int64 {
	var total int64
	for _, q := range s.Queues {
		if q.Depth != contracts.DepthUnknown {
			total += q.Depth
		}
	}
	return total
}

// DepthWatcher polls a source and emits DepthChanged for every queue whose
// depth moved since the previous poll.
type DepthWatcher struct {
	source   Source
	events   providers.EventSink
	logger   *slog.Logger
	interval time.Duration
	filter   string
	onPoll   func(Snapshot)

	mu   sync.Mutex
	last map[string]int64
}

// WatcherOption configures the watcher.
type WatcherOption func(*DepthWatcher)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *DepthWatcher) { w.interval = d }
}

// WithFilter restricts polling to queues whose name contains the substring.
func WithFilter(filter string) WatcherOption {
	return func(w *DepthWatcher) { w.filter = filter }
}

// WithEvents sets the sink receiving DepthChanged notifications.
func WithEvents(sink providers.EventSink) WatcherOption {
	return func(w *DepthWatcher) { w.events = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *DepthWatcher) { w.logger = logger }
}

// OnPoll registers a callback invoked with every successful snapshot.
func OnPoll(fn func(Snapshot)) WatcherOption {
	return func(w *DepthWatcher) { w.onPoll = fn }
}

// NewDepthWatcher creates a watcher over the source.
func NewDepthWatcher(source Source, options ...WatcherOption) *DepthWatcher {
	w := &DepthWatcher{
		source:   source,
		events:   providers.NopEvents{},
		logger:   slog.Default(),
		interval: DefaultInterval,
		last:     make(map[string]int64),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Run polls until the context is cancelled. A failing poll is logged and
// retried on the next tick, it does not stop the watcher.
func (w *DepthWatcher) Run(ctx context.Context) error {
	if err := w.poll(ctx); err != nil {
		w.logger.Warn("poll failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

func (w *DepthWatcher) poll(ctx context.Context) error {
	queues, err := w.source.ListQueues(ctx, w.filter)
	if err != nil {
		return err
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Depth > queues[j].Depth })

	w.mu.Lock()
	current := make(map[string]int64, len(queues))
	for _, q := range queues {
		current[q.Name] = q.Depth
		prev, known := w.last[q.Name]
		if q.Depth == contracts.DepthUnknown {
			continue
		}
		if !known || prev != q.Depth {
			w.events.DepthChanged(q.Name, q.Depth)
		}
	}
	w.last = current
	w.mu.Unlock()

	if w.onPoll != nil {
		w.onPoll(Snapshot{Taken: time.Now(), Queues: queues})
	}
	return nil
}
