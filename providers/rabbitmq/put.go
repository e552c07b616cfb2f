package rabbitmq

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mqlens-go/contracts"
)

// Put enqueues one message under an explicit channel transaction: publish,
// then commit. Any failure after the publish rolls the transaction back
// before the error surfaces; a rollback failure is logged, never returned,
// so it cannot mask the primary error.
func (p *Provider) Put(ctx context.Context, queue string, payload []byte, props map[string]string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}

	// Tx mode is per-channel state; a fresh channel keeps it away from
	// browse and purge traffic.
	ch, err := p.conn.Channel()
	if err != nil {
		return contracts.WrapBackend(kind, "open put channel", err)
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			p.logger.Warn("put channel close failed", "queue", queue, "error", cerr)
		}
	}()

	if err := ch.Tx(); err != nil {
		return contracts.WrapBackend(kind, "begin transaction", err)
	}

	pub := buildPublishing(payload, props)
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		p.rollback(ch, queue)
		return contracts.WrapBackend(kind, "publish", err)
	}

	if err := ch.TxCommit(); err != nil {
		p.rollback(ch, queue)
		return contracts.WrapBackend(kind, "commit", err)
	}

	// The commit succeeding is the authoritative success signal. Depth is
	// re-checked only to surface the eventual-consistency window; zero
	// here can mean a concurrent consumer already took the message.
	if q, err := ch.QueueInspect(queue); err == nil {
		if q.Messages == 0 {
			p.logger.Warn("post-commit depth is zero, possible concurrent consumption",
				"queue", queue, "messageId", pub.MessageId)
		} else {
			p.events.DepthChanged(queue, int64(q.Messages))
		}
	} else {
		p.logger.Debug("post-commit depth inquiry failed", "queue", queue, "error", err)
	}

	p.events.QueueUpdated(queue)
	return nil
}

func (p *Provider) rollback(ch amqpChannel, queue string) {
	if err := ch.TxRollback(); err != nil {
		p.logger.Error("transaction rollback failed", "queue", queue, "error", err)
	}
}

func buildPublishing(payload []byte, props map[string]string) amqp.Publishing {
	pub := amqp.Publishing{
		Body:         append([]byte(nil), payload...),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    uuid.NewString(),
		ContentType:  "text/plain",
	}

	headers := amqp.Table{}
	for k, v := range props {
		switch k {
		case "messageId":
			pub.MessageId = v
		case "correlationId":
			pub.CorrelationId = v
		case contracts.PropContentType:
			pub.ContentType = v
		case "expiration":
			pub.Expiration = v
		case "priority":
			// Priorities outside 0-9 are clamped by the broker; pass
			// the raw value through the header instead of failing.
			headers[k] = v
		default:
			headers[k] = v
		}
	}
	if len(headers) > 0 {
		pub.Headers = headers
	}
	return pub
}
