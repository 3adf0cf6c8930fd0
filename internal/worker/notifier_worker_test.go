package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/birdiecourt/registry-core/internal/contracts/event"
	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	ch      chan []byte
	pattern string
}

func (f *fakeSubscriber) PSubscribe(ctx context.Context, pattern string) <-chan []byte {
	f.pattern = pattern
	return f.ch
}

type fakeLookup struct {
	target domain.NotificationTarget
	err    error
}

func (f *fakeLookup) NotificationTarget(ctx context.Context, registrationID uuid.UUID) (domain.NotificationTarget, error) {
	return f.target, f.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []event.NotificationPayload
}

func (f *fakeNotifier) Notify(ctx context.Context, traceID string, payload event.NotificationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func TestNotifierWorker_SendsOnConfirmedWithPhone(t *testing.T) {
	phone := "+15551234567"
	title := "Pickup Basketball"
	regID := uuid.New()

	sub := &fakeSubscriber{ch: make(chan []byte, 1)}
	lookup := &fakeLookup{target: domain.NotificationTarget{Phone: &phone, SessionTitle: &title}}
	notifier := &fakeNotifier{}

	w := NewNotifierWorker(sub, lookup, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	raw, err := json.Marshal(sessionEvent{Type: "registration_confirmed", SessionID: uuid.New().String(), RegistrationID: regID.String()})
	require.NoError(t, err)
	sub.ch <- raw

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, sessionEventPattern, sub.pattern)
}

func TestNotifierWorker_SkipsGuestRowWithNoPhone(t *testing.T) {
	sub := &fakeSubscriber{ch: make(chan []byte, 1)}
	lookup := &fakeLookup{target: domain.NotificationTarget{}}
	notifier := &fakeNotifier{}

	w := NewNotifierWorker(sub, lookup, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	raw, _ := json.Marshal(sessionEvent{Type: "registration_confirmed", SessionID: uuid.New().String(), RegistrationID: uuid.New().String()})
	sub.ch <- raw

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, notifier.count())
}

func TestNotifierWorker_IgnoresUnknownEventType(t *testing.T) {
	phone := "+15551234567"
	sub := &fakeSubscriber{ch: make(chan []byte, 1)}
	lookup := &fakeLookup{target: domain.NotificationTarget{Phone: &phone}}
	notifier := &fakeNotifier{}

	w := NewNotifierWorker(sub, lookup, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	raw, _ := json.Marshal(sessionEvent{Type: "session_capacity_changed", SessionID: uuid.New().String(), RegistrationID: uuid.New().String()})
	sub.ch <- raw

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, notifier.count())
}

func TestNotifierWorker_DropsMalformedPayload(t *testing.T) {
	sub := &fakeSubscriber{ch: make(chan []byte, 1)}
	lookup := &fakeLookup{}
	notifier := &fakeNotifier{}

	w := NewNotifierWorker(sub, lookup, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	sub.ch <- []byte("not json")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, notifier.count())
}
