package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrowseOptionsNormalize(t *testing.T) {
	t.Run("applies default limit", func(t *testing.T) {
		opts := BrowseOptions{}.Normalize()
		assert.Equal(t, DefaultBrowseLimit, opts.Limit)
		assert.Equal(t, int64(0), opts.StartPosition)
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		opts := BrowseOptions{Limit: 3, StartPosition: 7}.Normalize()
		assert.Equal(t, 3, opts.Limit)
		assert.Equal(t, int64(7), opts.StartPosition)
	})

	t.Run("clamps negative start position", func(t *testing.T) {
		opts := BrowseOptions{StartPosition: -5}.Normalize()
		assert.Equal(t, int64(0), opts.StartPosition)
	})
}

func TestBrowseOptionsMatches(t *testing.T) {
	msg := NewMessage("m1", []byte("x"), nil)
	msg.CorrelationID = "corr-1"

	t.Run("empty filter matches", func(t *testing.T) {
		assert.True(t, BrowseOptions{}.Matches(msg))
	})

	t.Run("id filter", func(t *testing.T) {
		assert.True(t, BrowseOptions{MessageID: "m1"}.Matches(msg))
		assert.False(t, BrowseOptions{MessageID: "m2"}.Matches(msg))
	})

	t.Run("correlation id filter", func(t *testing.T) {
		assert.True(t, BrowseOptions{CorrelationID: "corr-1"}.Matches(msg))
		assert.False(t, BrowseOptions{CorrelationID: "corr-2"}.Matches(msg))
	})
}

func TestBulkDeleteResult(t *testing.T) {
	result := NewBulkDeleteResult()
	result.RecordSuccess("a")
	result.RecordSuccess("b")
	result.RecordFailure("c", ErrMessageNotFound)

	assert.Len(t, result.Deleted, 2)
	assert.Len(t, result.Failed, 1)
	assert.False(t, result.AllSucceeded())
	assert.ErrorIs(t, result.Failed["c"], ErrMessageNotFound)
}

func TestMessageClone(t *testing.T) {
	payload := []byte("hello")
	msg := NewMessage("m1", payload, map[string]string{"k": "v"})

	clone := msg.Clone()
	payload[0] = 'X'
	clone.Properties["k"] = "other"
	clone.Payload[1] = 'Y'

	assert.Equal(t, []byte("hello"), msg.Payload, "constructor must copy the payload")
	assert.Equal(t, "v", msg.Properties["k"], "clone must not share the property bag")
}

func TestWrapBackend(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, WrapBackend("sqs", "receive", nil))
	})

	t.Run("taxonomy errors pass through", func(t *testing.T) {
		err := WrapBackend("sqs", "delete", ErrMessageNotFound)
		assert.ErrorIs(t, err, ErrMessageNotFound)
		var be *BackendError
		assert.False(t, errors.As(err, &be))
	})

	t.Run("opaque errors are wrapped once", func(t *testing.T) {
		cause := errors.New("boom")
		err := WrapBackend("kafka", "fetch", cause)

		var be *BackendError
		assert.True(t, errors.As(err, &be))
		assert.ErrorIs(t, err, cause)

		again := WrapBackend("kafka", "fetch", err)
		assert.Equal(t, err, again)
	})
}
