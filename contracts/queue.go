package contracts

// DepthUnknown is the sentinel returned when no inquiry path could produce
// a trustworthy message count. Callers must treat it distinctly from zero.
const DepthUnknown int64 = -1

// QueueInfo describes a queue at list/inspect time. It is recomputed on
// every call and never cached across calls.
type QueueInfo struct {
	Name      string
	Depth     int64 // DepthUnknown when the backend could not say
	Consumers int
	Metadata  map[string]string
}

// TopicInfo describes a topic on backends that distinguish topics from
// point-to-point queues.
type TopicInfo struct {
	Name          string
	Partitions    int
	Subscriptions int
	Metadata      map[string]string
}

// SubscriptionInfo describes a named subscription on a topic.
type SubscriptionInfo struct {
	Topic    string
	Name     string
	Depth    int64
	Metadata map[string]string
}

// ChannelInfo describes a broker channel/connection row as reported by the
// backend's management surface.
type ChannelInfo struct {
	Name     string
	State    string
	User     string
	Messages int
	Metadata map[string]string
}

// DefaultBrowseLimit is applied when BrowseOptions.Limit is unset.
const DefaultBrowseLimit = 10

// BrowseOptions bounds a non-destructive browse.
type BrowseOptions struct {
	// Limit is the maximum number of messages to return.
	Limit int
	// StartPosition is the logical offset to begin at. Interpretation is
	// backend-dependent (skip count, log offset, sequence number).
	StartPosition int64
	// MessageID and CorrelationID filter the result when set. Matching is
	// best-effort and backend-dependent.
	MessageID     string
	CorrelationID string
}

// Normalize returns a copy with defaults applied.
func (o BrowseOptions) Normalize() BrowseOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultBrowseLimit
	}
	if o.StartPosition < 0 {
		o.StartPosition = 0
	}
	return o
}

// Matches reports whether a message passes the id/correlation-id filters.
func (o BrowseOptions) Matches(m *Message) bool {
	if o.MessageID != "" && m.ID != o.MessageID {
		return false
	}
	if o.CorrelationID != "" && m.CorrelationID != o.CorrelationID {
		return false
	}
	return true
}

// BulkDeleteResult reports the per-id outcome of a bulk delete. Every id is
// attempted independently; a failure never aborts the remainder.
type BulkDeleteResult struct {
	Deleted []string
	Failed  map[string]error
}

// NewBulkDeleteResult returns an empty result ready for recording.
func NewBulkDeleteResult() *BulkDeleteResult {
	return &BulkDeleteResult{Failed: make(map[string]error)}
}

// RecordSuccess marks id as deleted.
func (r *BulkDeleteResult) RecordSuccess(id string) {
	r.Deleted = append(r.Deleted, id)
}

// RecordFailure marks id as failed with its cause.
func (r *BulkDeleteResult) RecordFailure(id string, err error) {
	r.Failed[id] = err
}

// AllSucceeded reports whether every attempted id was deleted.
func (r *BulkDeleteResult) AllSucceeded() bool {
	return len(r.Failed) == 0
}
