// Package worker runs the two standalone stream-consumer loops the async
// registration pipeline depends on: the allocator worker, which drains each
// session's ordered registration-request stream, and the promotion worker,
// which drains the trigger stream nudged after every cancellation or
// capacity increase. Both are grounded on
// original_source/app/workers/registration_mux.py and promotion_mux.py —
// same discover/read/ack loop shape, reimplemented against Redis Streams via
// go-redis instead of redis-py.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	discoverEvery = 5 * time.Second
	readBlock     = 5 * time.Second
	readCount     = int64(10)
)

// SessionDiscoverer lists sessions currently accepting registrations, so a
// worker learns about a newly scheduled session without a restart.
type SessionDiscoverer interface {
	ListScheduledSessionIDs(ctx context.Context) ([]uuid.UUID, error)
}

// knownSessions tracks the sessions a worker has already joined a consumer
// group for, re-synced on discoverEvery against the live set — mirrors
// registration_mux.py's `known: Dict[session_id, stream_key]`.
type knownSessions struct {
	ids  map[uuid.UUID]struct{}
	last time.Time
}

func newKnownSessions() *knownSessions {
	return &knownSessions{ids: make(map[uuid.UUID]struct{})}
}

func (k *knownSessions) maybeRefresh(ctx context.Context, d SessionDiscoverer) error {
	if time.Since(k.last) < discoverEvery {
		return nil
	}
	ids, err := d.ListScheduledSessionIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		k.ids[id] = struct{}{}
	}
	k.last = time.Now()
	return nil
}

func (k *knownSessions) list() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(k.ids))
	for id := range k.ids {
		out = append(out, id)
	}
	return out
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
