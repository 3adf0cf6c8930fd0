package postgres

import (
	"context"
	"time"

	"github.com/birdiecourt/registry-core/internal/pkg/logger"
)

// processedMessageRetention bounds how long a dedupe fence row needs to
// survive: longer than any plausible redelivery window for the
// deposit-confirmation consumer or outbox dispatcher.
const processedMessageRetention = 7 * 24 * time.Hour

// RunProcessedMessageCleanup blocks, pruning processed_messages rows older
// than processedMessageRetention on an hourly tick, so the idempotency
// fence table does not grow unbounded. Adapted from the teacher's
// StartIdempotencyKeyCleanup, retargeted at processed_messages since
// ledger_entries (the system's other idempotency-keyed table) are
// financial records that must never be purged. Returns nil when ctx is
// canceled, so the caller can run it as one leg of an errgroup alongside
// the HTTP server.
func (r *Repository) RunProcessedMessageCleanup(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "processed_message_cleanup").Logger()
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	r.cleanupOldProcessedMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return nil
		case <-ticker.C:
			r.cleanupOldProcessedMessages(ctx)
		}
	}
}

func (r *Repository) cleanupOldProcessedMessages(ctx context.Context) {
	result, err := r.pool.Exec(ctx, `DELETE FROM processed_messages WHERE processed_at < NOW() - $1::interval`, processedMessageRetention.String())
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("processed message cleanup failed")
		return
	}

	rowsAffected := result.RowsAffected()
	if rowsAffected > 0 {
		logger.Logger.Info().Int64("deleted", rowsAffected).Msg("processed messages cleaned up")
	}
}
