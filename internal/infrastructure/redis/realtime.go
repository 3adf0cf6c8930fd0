package redis

import "context"

// Realtime publishes already-serialized outbox payloads to a Pub/Sub
// channel. Split out from Queue/Cache because the outbox dispatcher only
// ever needs this one call — grounded on
// original_source/app/workers/outbox_dispatcher.py's publish step.
type Realtime struct {
	c *Cache
}

func NewRealtime(c *Cache) *Realtime { return &Realtime{c: c} }

func (r *Realtime) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.c.Client.Publish(ctx, channel, payload).Err()
}

// PSubscribe mirrors original_source/app/workers/sms_notifier.py's
// psubscribe("session:*"): every registration/session event the outbox
// dispatcher publishes lands here too, so the notifier worker can filter by
// event type without a second outbox consumer.
func (r *Realtime) PSubscribe(ctx context.Context, pattern string) <-chan []byte {
	sub := r.c.Client.PSubscribe(ctx, pattern)
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
