package azurebus

import (
	"context"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
)

// adminAPI is the slice of the Service Bus management surface the provider
// uses. Narrowed so tests can substitute a mock.
type adminAPI interface {
	ListQueues(ctx context.Context) ([]string, error)
	ListTopics(ctx context.Context) ([]string, error)
	ListSubscriptions(ctx context.Context, topic string) ([]string, error)
	QueueRuntime(ctx context.Context, queue string) (int64, error)
	QueueProperties(ctx context.Context, queue string) (map[string]string, error)
	TopicProperties(ctx context.Context, topic string) (map[string]string, error)
	SubscriptionRuntime(ctx context.Context, topic, subscription string) (int64, error)
}

// realClient adapts *azservicebus.Client to the busClient interface.
type realClient struct {
	inner *azservicebus.Client
}

func (c *realClient) NewReceiver(queue string) (busReceiver, error) {
	return c.inner.NewReceiverForQueue(queue, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
}

func (c *realClient) NewSubscriptionReceiver(topic, subscription string) (busReceiver, error) {
	return c.inner.NewReceiverForSubscription(topic, subscription, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
}

func (c *realClient) NewSender(entity string) (busSender, error) {
	return c.inner.NewSender(entity, nil)
}

func (c *realClient) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}

// realAdmin adapts *admin.Client to the adminAPI interface.
type realAdmin struct {
	inner *admin.Client
}

func newRealClients(cfg Config) (busClient, adminAPI, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, nil, err
	}
	adminClient, err := admin.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		// Roll back the messaging client created before the failure.
		_ = client.Close(context.Background())
		return nil, nil, err
	}
	return &realClient{inner: client}, &realAdmin{inner: adminClient}, nil
}

func (a *realAdmin) ListQueues(ctx context.Context) ([]string, error) {
	var names []string
	pager := a.inner.NewListQueuesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, q := range page.Queues {
			names = append(names, q.QueueName)
		}
	}
	return names, nil
}

func (a *realAdmin) ListTopics(ctx context.Context) ([]string, error) {
	var names []string
	pager := a.inner.NewListTopicsPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range page.Topics {
			names = append(names, t.TopicName)
		}
	}
	return names, nil
}

func (a *realAdmin) ListSubscriptions(ctx context.Context, topic string) ([]string, error) {
	var names []string
	pager := a.inner.NewListSubscriptionsPager(topic, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range page.Subscriptions {
			names = append(names, s.SubscriptionName)
		}
	}
	return names, nil
}

func (a *realAdmin) QueueRuntime(ctx context.Context, queue string) (int64, error) {
	resp, err := a.inner.GetQueueRuntimeProperties(ctx, queue, nil)
	if err != nil {
		return 0, err
	}
	return int64(resp.ActiveMessageCount), nil
}

func (a *realAdmin) QueueProperties(ctx context.Context, queue string) (map[string]string, error) {
	resp, err := a.inner.GetQueue(ctx, queue, nil)
	if err != nil {
		return nil, err
	}

	props := make(map[string]string)
	qp := resp.QueueProperties
	if qp.MaxDeliveryCount != nil {
		props["maxDeliveryCount"] = strconv.FormatInt(int64(*qp.MaxDeliveryCount), 10)
	}
	if qp.LockDuration != nil {
		props["lockDuration"] = *qp.LockDuration
	}
	if qp.DefaultMessageTimeToLive != nil {
		props["defaultMessageTimeToLive"] = *qp.DefaultMessageTimeToLive
	}
	if qp.RequiresSession != nil {
		props["requiresSession"] = strconv.FormatBool(*qp.RequiresSession)
	}
	if qp.EnablePartitioning != nil {
		props["enablePartitioning"] = strconv.FormatBool(*qp.EnablePartitioning)
	}
	if qp.Status != nil {
		props["status"] = string(*qp.Status)
	}

	if rt, err := a.inner.GetQueueRuntimeProperties(ctx, queue, nil); err == nil {
		props["activeMessageCount"] = strconv.FormatInt(int64(rt.ActiveMessageCount), 10)
		props["deadLetterMessageCount"] = strconv.FormatInt(int64(rt.DeadLetterMessageCount), 10)
		props["totalMessageCount"] = strconv.FormatInt(rt.TotalMessageCount, 10)
		props["sizeInBytes"] = strconv.FormatInt(rt.SizeInBytes, 10)
	}
	return props, nil
}

func (a *realAdmin) TopicProperties(ctx context.Context, topic string) (map[string]string, error) {
	resp, err := a.inner.GetTopic(ctx, topic, nil)
	if err != nil {
		return nil, err
	}

	props := make(map[string]string)
	tp := resp.TopicProperties
	if tp.DefaultMessageTimeToLive != nil {
		props["defaultMessageTimeToLive"] = *tp.DefaultMessageTimeToLive
	}
	if tp.EnablePartitioning != nil {
		props["enablePartitioning"] = strconv.FormatBool(*tp.EnablePartitioning)
	}
	if tp.Status != nil {
		props["status"] = string(*tp.Status)
	}
	return props, nil
}

func (a *realAdmin) SubscriptionRuntime(ctx context.Context, topic, subscription string) (int64, error) {
	resp, err := a.inner.GetSubscriptionRuntimeProperties(ctx, topic, subscription, nil)
	if err != nil {
		return 0, err
	}
	return int64(resp.ActiveMessageCount), nil
}
