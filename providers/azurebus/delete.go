package azurebus

import (
	"context"
	"strconv"

	"github.com/glimte/mqlens-go/contracts"
)

// DeleteMessage locates the message by the sequence number cached from a
// prior browse. No stable handle survives across calls, so a peek-lock
// receiver is re-opened and messages are received one at a time: a
// sequence-number match is completed (the durable delete), everything else
// is abandoned exactly once and returns to the queue unseen. The scan is
// O(queue depth) in the worst case and gives up after the iteration cap.
// The receiver is released on every exit path.
func (p *Provider) DeleteMessage(ctx context.Context, queue, id string) error {
	if !p.Connected() {
		return contracts.ErrNotConnected
	}

	cached := p.cache.Get(queue, id)
	if cached == nil {
		return contracts.ErrMessageNotFound
	}
	seq, err := strconv.ParseInt(cached.Property(contracts.PropSequenceNumber), 10, 64)
	if err != nil {
		return contracts.ErrMessageNotFound
	}

	receiver, err := p.client.NewReceiver(queue)
	if err != nil {
		return contracts.WrapBackend(kind, "open delete receiver", err)
	}
	defer p.closeReceiver(ctx, receiver, queue)

	seen := make(map[int64]bool, p.scanCap)
	for i := 0; i < p.scanCap; i++ {
		rctx, cancel := context.WithTimeout(ctx, p.receiveWait)
		batch, rerr := receiver.ReceiveMessages(rctx, 1, nil)
		cancel()
		if rerr != nil {
			if ctx.Err() != nil {
				return contracts.WrapBackend(kind, "delete scan", ctx.Err())
			}
			// The wait elapsing means the queue has nothing more to
			// offer; the target was not found.
			break
		}
		if len(batch) == 0 {
			break
		}
		m := batch[0]

		if m.SequenceNumber != nil && *m.SequenceNumber == seq {
			if cerr := receiver.CompleteMessage(ctx, m, nil); cerr != nil {
				return contracts.WrapBackend(kind, "complete", cerr)
			}
			p.cache.Remove(queue, id)
			p.logger.Info("message deleted", "queue", queue, "messageId", id, "scanned", i+1)
			p.events.QueueUpdated(queue)
			return nil
		}

		// Not ours: put it back. Abandoning releases the lock without
		// counting as consumption.
		if aerr := receiver.AbandonMessage(ctx, m, nil); aerr != nil {
			return contracts.WrapBackend(kind, "abandon", aerr)
		}
		if m.SequenceNumber != nil {
			if seen[*m.SequenceNumber] {
				// The scan has lapped the queue; the target is gone.
				break
			}
			seen[*m.SequenceNumber] = true
		}
	}

	return contracts.ErrMessageNotFound
}
