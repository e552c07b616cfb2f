package providers

import (
	"context"

	"github.com/glimte/mqlens-go/contracts"
)

// DeleteEach attempts del for every id independently and records the per-id
// outcome. A failure never aborts the remaining ids.
func DeleteEach(ctx context.Context, queue string, ids []string, del func(ctx context.Context, queue, id string) error) *contracts.BulkDeleteResult {
	result := contracts.NewBulkDeleteResult()
	for _, id := range ids {
		if err := del(ctx, queue, id); err != nil {
			result.RecordFailure(id, err)
			continue
		}
		result.RecordSuccess(id)
	}
	return result
}
