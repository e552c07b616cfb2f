package azurebus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mqlens-go/contracts"
	"github.com/glimte/mqlens-go/providers"
)

const testConnectionString = "Endpoint=sb://example.servicebus.windows.net/;SharedAccessKeyName=k;SharedAccessKey=v"

func seqMessage(seq int64, id, body string) *azservicebus.ReceivedMessage {
	s := seq
	enq := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &azservicebus.ReceivedMessage{
		MessageID:      id,
		Body:           []byte(body),
		SequenceNumber: &s,
		EnqueuedTime:   &enq,
	}
}

// fakeReceiver serves queued messages one receive at a time and records
// every settlement. Abandoned messages go back to the tail, so a scan that
// keeps abandoning eventually laps the queue.
type fakeReceiver struct {
	queue  []*azservicebus.ReceivedMessage
	peeked []*azservicebus.ReceivedMessage

	peekErr     error
	lastPeekMax int
	lastPeekOpt *azservicebus.PeekMessagesOptions
	completed   []int64
	abandoned   []int64
	closed      bool
}

func (r *fakeReceiver) PeekMessages(ctx context.Context, maxMessages int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	r.lastPeekMax = maxMessages
	r.lastPeekOpt = options
	if r.peekErr != nil {
		return nil, r.peekErr
	}
	if len(r.peeked) > maxMessages {
		return r.peeked[:maxMessages], nil
	}
	return r.peeked, nil
}

func (r *fakeReceiver) ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	if len(r.queue) == 0 {
		return nil, context.DeadlineExceeded
	}
	n := maxMessages
	if n > len(r.queue) {
		n = len(r.queue)
	}
	batch := r.queue[:n]
	r.queue = append([]*azservicebus.ReceivedMessage(nil), r.queue[n:]...)
	return batch, nil
}

func (r *fakeReceiver) CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error {
	if message.SequenceNumber != nil {
		r.completed = append(r.completed, *message.SequenceNumber)
	}
	return nil
}

func (r *fakeReceiver) AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error {
	if message.SequenceNumber != nil {
		r.abandoned = append(r.abandoned, *message.SequenceNumber)
	}
	r.queue = append(r.queue, message)
	return nil
}

func (r *fakeReceiver) Close(ctx context.Context) error { r.closed = true; return nil }

type fakeSender struct {
	sent   []*azservicebus.Message
	err    error
	closed bool
}

func (s *fakeSender) SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, message)
	return nil
}

func (s *fakeSender) Close(ctx context.Context) error { s.closed = true; return nil }

type fakeClient struct {
	receivers map[string]*fakeReceiver
	senders   map[string]*fakeSender
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		receivers: make(map[string]*fakeReceiver),
		senders:   make(map[string]*fakeSender),
	}
}

func (c *fakeClient) receiver(entity string) *fakeReceiver {
	if r, ok := c.receivers[entity]; ok {
		return r
	}
	r := &fakeReceiver{}
	c.receivers[entity] = r
	return r
}

func (c *fakeClient) sender(entity string) *fakeSender {
	if s, ok := c.senders[entity]; ok {
		return s
	}
	s := &fakeSender{}
	c.senders[entity] = s
	return s
}

func (c *fakeClient) NewReceiver(queue string) (busReceiver, error) {
	return c.receiver(queue), nil
}

func (c *fakeClient) NewSubscriptionReceiver(topic, subscription string) (busReceiver, error) {
	return c.receiver(topic + "/" + subscription), nil
}

func (c *fakeClient) NewSender(entity string) (busSender, error) {
	return c.sender(entity), nil
}

func (c *fakeClient) Close(ctx context.Context) error { c.closed = true; return nil }

type mockAdmin struct {
	mock.Mock
}

func (m *mockAdmin) ListQueues(ctx context.Context) ([]string, error) {
	ret := m.Called(ctx)
	names, _ := ret.Get(0).([]string)
	return names, ret.Error(1)
}

func (m *mockAdmin) ListTopics(ctx context.Context) ([]string, error) {
	ret := m.Called(ctx)
	names, _ := ret.Get(0).([]string)
	return names, ret.Error(1)
}

func (m *mockAdmin) ListSubscriptions(ctx context.Context, topic string) ([]string, error) {
	ret := m.Called(ctx, topic)
	names, _ := ret.Get(0).([]string)
	return names, ret.Error(1)
}

func (m *mockAdmin) QueueRuntime(ctx context.Context, queue string) (int64, error) {
	ret := m.Called(ctx, queue)
	return ret.Get(0).(int64), ret.Error(1)
}

func (m *mockAdmin) QueueProperties(ctx context.Context, queue string) (map[string]string, error) {
	ret := m.Called(ctx, queue)
	props, _ := ret.Get(0).(map[string]string)
	return props, ret.Error(1)
}

func (m *mockAdmin) TopicProperties(ctx context.Context, topic string) (map[string]string, error) {
	ret := m.Called(ctx, topic)
	props, _ := ret.Get(0).(map[string]string)
	return props, ret.Error(1)
}

func (m *mockAdmin) SubscriptionRuntime(ctx context.Context, topic, subscription string) (int64, error) {
	ret := m.Called(ctx, topic, subscription)
	return ret.Get(0).(int64), ret.Error(1)
}

type recordSink struct {
	updated []string
	depths  map[string]int64
}

func newRecordSink() *recordSink { return &recordSink{depths: make(map[string]int64)} }

func (s *recordSink) QueueUpdated(queue string)              { s.updated = append(s.updated, queue) }
func (s *recordSink) DepthChanged(queue string, depth int64) { s.depths[queue] = depth }

func connectedProvider(t *testing.T, client busClient, adm adminAPI) (*Provider, *recordSink) {
	t.Helper()
	sink := newRecordSink()
	p := New(Config{ConnectionString: testConnectionString},
		WithEvents(sink), WithReceiveWait(20*time.Millisecond))
	p.newClients = func(Config) (busClient, adminAPI, error) { return client, adm, nil }
	require.NoError(t, p.Connect(context.Background()))
	return p, sink
}

func TestConnect(t *testing.T) {
	t.Run("client build failure returns connection error", func(t *testing.T) {
		p := New(Config{ConnectionString: testConnectionString})
		p.newClients = func(Config) (busClient, adminAPI, error) {
			return nil, nil, errors.New("bad connection string")
		}

		err := p.Connect(context.Background())

		var connErr *contracts.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "sb://example.servicebus.windows.net/", connErr.Endpoint)
	})

	t.Run("disconnect closes the messaging client", func(t *testing.T) {
		client := newFakeClient()
		p, _ := connectedProvider(t, client, &mockAdmin{})

		require.NoError(t, p.Disconnect(context.Background()))
		assert.True(t, client.closed)
		assert.False(t, p.Connected())
		require.NoError(t, p.Disconnect(context.Background()))
	})
}

func TestBrowse(t *testing.T) {
	t.Run("peek is non-destructive and populates the cache", func(t *testing.T) {
		client := newFakeClient()
		r := client.receiver("orders")
		r.peeked = []*azservicebus.ReceivedMessage{
			seqMessage(11, "m1", "one"),
			seqMessage(12, "m2", "two"),
		}

		p, _ := connectedProvider(t, client, &mockAdmin{})

		msgs, err := p.Browse(context.Background(), "orders", contracts.BrowseOptions{Limit: 2})

		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, "11", msgs[0].Properties[contracts.PropSequenceNumber])
		assert.Empty(t, r.completed, "peek must not settle anything")
		assert.Empty(t, r.abandoned)
		assert.True(t, r.closed)
		assert.NotNil(t, p.Cache().Get("orders", "m2"))
	})

	t.Run("start position maps onto the peek sequence number", func(t *testing.T) {
		client := newFakeClient()
		r := client.receiver("orders")

		p, _ := connectedProvider(t, client, &mockAdmin{})

		_, err := p.Browse(context.Background(), "orders", contracts.BrowseOptions{Limit: 3, StartPosition: 40})

		require.NoError(t, err)
		assert.Equal(t, 3, r.lastPeekMax)
		require.NotNil(t, r.lastPeekOpt.FromSequenceNumber)
		assert.Equal(t, int64(40), *r.lastPeekOpt.FromSequenceNumber)
	})

	t.Run("peek failure closes the receiver", func(t *testing.T) {
		client := newFakeClient()
		r := client.receiver("orders")
		r.peekErr = errors.New("entity not found")

		p, _ := connectedProvider(t, client, &mockAdmin{})

		_, err := p.Browse(context.Background(), "orders", contracts.BrowseOptions{})

		var be *contracts.BackendError
		require.ErrorAs(t, err, &be)
		assert.True(t, r.closed)
	})
}

func TestPut(t *testing.T) {
	client := newFakeClient()
	p, sink := connectedProvider(t, client, &mockAdmin{})

	err := p.Put(context.Background(), "orders", []byte("hello"), map[string]string{
		"messageId":     "m1",
		"correlationId": "corr-1",
		"source":        "cli",
	})

	require.NoError(t, err)
	sender := client.sender("orders")
	require.Len(t, sender.sent, 1)
	sent := sender.sent[0]
	assert.Equal(t, []byte("hello"), sent.Body)
	assert.Equal(t, "m1", *sent.MessageID)
	assert.Equal(t, "corr-1", *sent.CorrelationID)
	assert.Equal(t, "cli", sent.ApplicationProperties["source"])
	assert.True(t, sender.closed)
	assert.Contains(t, sink.updated, "orders")
}

func TestDeleteMessage(t *testing.T) {
	cacheBrowse := func(p *Provider, queue, id string, seq int64) {
		p.Cache().StoreAll(queue, []*contracts.Message{
			contracts.NewMessage(id, []byte("x"), map[string]string{
				contracts.PropSequenceNumber: fmt.Sprintf("%d", seq),
			}),
		})
	}

	t.Run("sequence match is completed, others abandoned", func(t *testing.T) {
		client := newFakeClient()
		r := client.receiver("orders")
		r.queue = []*azservicebus.ReceivedMessage{
			seqMessage(1, "m1", "a"),
			seqMessage(2, "m2", "b"),
			seqMessage(3, "m3", "c"),
		}

		p, sink := connectedProvider(t, client, &mockAdmin{})
		cacheBrowse(p, "orders", "m2", 2)

		require.NoError(t, p.DeleteMessage(context.Background(), "orders", "m2"))

		assert.Equal(t, []int64{2}, r.completed)
		assert.Equal(t, []int64{1}, r.abandoned, "only the messages ahead of the target are touched")
		assert.Nil(t, p.Cache().Get("orders", "m2"))
		assert.Contains(t, sink.updated, "orders")
		assert.True(t, r.closed)
	})

	t.Run("lapping the queue ends the scan as not found", func(t *testing.T) {
		client := newFakeClient()
		r := client.receiver("orders")
		r.queue = []*azservicebus.ReceivedMessage{
			seqMessage(1, "m1", "a"),
			seqMessage(2, "m2", "b"),
		}

		p, _ := connectedProvider(t, client, &mockAdmin{})
		cacheBrowse(p, "orders", "gone", 99)

		err := p.DeleteMessage(context.Background(), "orders", "gone")

		assert.ErrorIs(t, err, contracts.ErrMessageNotFound)
		// Both distinct messages abandoned, plus the one redelivery that
		// proves the lap.
		assert.Equal(t, []int64{1, 2, 1}, r.abandoned)
		assert.Empty(t, r.completed)
		assert.True(t, r.closed)
	})

	t.Run("scan cap bounds the walk", func(t *testing.T) {
		client := newFakeClient()
		r := client.receiver("orders")
		// Distinct sequence numbers well past the cap, so the lap guard
		// never fires.
		for i := int64(1); i <= 50; i++ {
			r.queue = append(r.queue, seqMessage(i, fmt.Sprintf("m%d", i), "x"))
		}

		p, _ := connectedProvider(t, client, &mockAdmin{})
		p.scanCap = 5
		cacheBrowse(p, "orders", "gone", 99)

		err := p.DeleteMessage(context.Background(), "orders", "gone")

		assert.ErrorIs(t, err, contracts.ErrMessageNotFound)
		assert.Len(t, r.abandoned, 5)
	})

	t.Run("drained queue ends the scan as not found", func(t *testing.T) {
		client := newFakeClient()
		p, _ := connectedProvider(t, client, &mockAdmin{})
		cacheBrowse(p, "orders", "m1", 7)

		err := p.DeleteMessage(context.Background(), "orders", "m1")

		assert.ErrorIs(t, err, contracts.ErrMessageNotFound)
		assert.True(t, client.receiver("orders").closed)
	})

	t.Run("uncached id never opens a receiver", func(t *testing.T) {
		client := newFakeClient()
		p, _ := connectedProvider(t, client, &mockAdmin{})

		err := p.DeleteMessage(context.Background(), "orders", "never-browsed")

		assert.ErrorIs(t, err, contracts.ErrMessageNotFound)
		assert.Empty(t, client.receivers)
	})
}

func TestClearQueue(t *testing.T) {
	client := newFakeClient()
	r := client.receiver("orders")
	r.queue = []*azservicebus.ReceivedMessage{
		seqMessage(1, "m1", "a"),
		seqMessage(2, "m2", "b"),
		seqMessage(3, "m3", "c"),
	}

	p, sink := connectedProvider(t, client, &mockAdmin{})
	p.Cache().StoreAll("orders", []*contracts.Message{contracts.NewMessage("m1", []byte("a"), nil)})

	require.NoError(t, p.ClearQueue(context.Background(), "orders"))

	assert.Equal(t, []int64{1, 2, 3}, r.completed)
	assert.Equal(t, 0, p.Cache().Len("orders"))
	assert.Equal(t, int64(0), sink.depths["orders"])
	assert.True(t, r.closed)
}

func TestQueueDepth(t *testing.T) {
	t.Run("admin runtime properties answer", func(t *testing.T) {
		adm := &mockAdmin{}
		adm.On("QueueRuntime", mock.Anything, "orders").Return(int64(12), nil)
		p, _ := connectedProvider(t, newFakeClient(), adm)

		assert.Equal(t, int64(12), p.QueueDepth(context.Background(), "orders"))
	})

	t.Run("inquiry failure yields the unknown sentinel", func(t *testing.T) {
		adm := &mockAdmin{}
		adm.On("QueueRuntime", mock.Anything, "orders").Return(int64(0), errors.New("throttled"))
		p, _ := connectedProvider(t, newFakeClient(), adm)

		assert.Equal(t, contracts.DepthUnknown, p.QueueDepth(context.Background(), "orders"))
	})
}

func TestListQueues(t *testing.T) {
	adm := &mockAdmin{}
	adm.On("ListQueues", mock.Anything).Return([]string{"orders", "payments"}, nil)
	adm.On("QueueRuntime", mock.Anything, mock.Anything).Return(int64(4), nil)

	p, _ := connectedProvider(t, newFakeClient(), adm)

	infos, err := p.ListQueues(context.Background(), "ord")

	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "orders", infos[0].Name)
	assert.Equal(t, int64(4), infos[0].Depth)
}

func TestTopics(t *testing.T) {
	t.Run("list topics with subscription counts", func(t *testing.T) {
		adm := &mockAdmin{}
		adm.On("ListTopics", mock.Anything).Return([]string{"events"}, nil)
		adm.On("ListSubscriptions", mock.Anything, "events").Return([]string{"audit", "billing"}, nil)

		p, _ := connectedProvider(t, newFakeClient(), adm)

		infos, err := p.ListTopics(context.Background(), "")

		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, 2, infos[0].Subscriptions)
	})

	t.Run("publish fans out through the topic sender", func(t *testing.T) {
		client := newFakeClient()
		p, sink := connectedProvider(t, client, &mockAdmin{})

		require.NoError(t, p.Publish(context.Background(), "events", []byte("x"), nil))

		assert.Len(t, client.sender("events").sent, 1)
		assert.Contains(t, sink.updated, "events")
	})

	t.Run("list subscriptions with depths", func(t *testing.T) {
		adm := &mockAdmin{}
		adm.On("ListSubscriptions", mock.Anything, "events").Return([]string{"audit"}, nil)
		adm.On("SubscriptionRuntime", mock.Anything, "events", "audit").Return(int64(6), nil)

		p, _ := connectedProvider(t, newFakeClient(), adm)

		infos, err := p.ListSubscriptions(context.Background(), "events")

		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "events", infos[0].Topic)
		assert.Equal(t, int64(6), infos[0].Depth)
	})

	t.Run("browse subscription caches under the compound key", func(t *testing.T) {
		client := newFakeClient()
		r := client.receiver("events/audit")
		r.peeked = []*azservicebus.ReceivedMessage{seqMessage(5, "m5", "hello")}

		p, _ := connectedProvider(t, client, &mockAdmin{})

		msgs, err := p.BrowseSubscription(context.Background(), "events", "audit", contracts.BrowseOptions{})

		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.NotNil(t, p.Cache().Get("events/audit", "m5"))
		assert.True(t, r.closed)
	})
}

func TestCapabilities(t *testing.T) {
	p := New(Config{ConnectionString: testConnectionString})

	assert.True(t, p.Supports(providers.CapTopics))
	assert.True(t, p.Supports(providers.CapSubscriptions))
	assert.True(t, p.Supports(providers.CapPerMessageDelete))
	assert.False(t, p.Supports(providers.CapChannels))

	_, err := p.ListQueues(context.Background(), "")
	assert.ErrorIs(t, err, contracts.ErrNotConnected)
	assert.ErrorIs(t, p.Put(context.Background(), "q", nil, nil), contracts.ErrNotConnected)
	assert.Equal(t, contracts.DepthUnknown, p.QueueDepth(context.Background(), "q"))
}
