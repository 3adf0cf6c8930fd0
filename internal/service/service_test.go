package service

import (
	"context"
	"errors"
	"testing"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	backlog       int64
	backlogErr    error
	enqueueCalls  int
	statusCalls   int
	idempExisting string
}

func (f *fakeQueue) EnqueueRegistration(ctx context.Context, sessionID uuid.UUID, requestID string, userID uuid.UUID, guestNames []string) (string, error) {
	f.enqueueCalls++
	return requestID, nil
}

func (f *fakeQueue) GetRequestStatus(ctx context.Context, requestID string) (map[string]string, error) {
	return nil, nil
}

func (f *fakeQueue) SetRequestStatus(ctx context.Context, requestID string, updates map[string]string) error {
	f.statusCalls++
	return nil
}

func (f *fakeQueue) Backlog(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	return f.backlog, f.backlogErr
}

func (f *fakeQueue) CheckIdempotency(ctx context.Context, sessionID, userID uuid.UUID, key, candidateRequestID string) (string, bool, error) {
	if f.idempExisting != "" {
		return f.idempExisting, false, nil
	}
	return candidateRequestID, true, nil
}

func TestRequestRegistration_RejectsAtBacklogCap(t *testing.T) {
	q := &fakeQueue{backlog: 5}
	svc := NewRegistrationService(q, nil, nil, nil, nil, nil, nil, 5)

	_, err := svc.RequestRegistration(context.Background(), uuid.New(), uuid.New(), "key-12345", 0, nil)
	require.ErrorIs(t, err, domain.ErrBackpressure)
	require.Equal(t, 0, q.enqueueCalls)
}

func TestRequestRegistration_AdmitsBelowBacklogCap(t *testing.T) {
	q := &fakeQueue{backlog: 4}
	svc := NewRegistrationService(q, nil, nil, nil, nil, nil, nil, 5)

	id, err := svc.RequestRegistration(context.Background(), uuid.New(), uuid.New(), "key-12345", 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, q.enqueueCalls)
	require.Equal(t, 1, q.statusCalls)
}

func TestRequestRegistration_NoCapMeansUnbounded(t *testing.T) {
	q := &fakeQueue{backlog: 10_000}
	svc := NewRegistrationService(q, nil, nil, nil, nil, nil, nil, 0)

	_, err := svc.RequestRegistration(context.Background(), uuid.New(), uuid.New(), "key-12345", 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, q.enqueueCalls)
}

func TestRequestRegistration_BacklogLookupErrorFailsOpen(t *testing.T) {
	q := &fakeQueue{backlogErr: errors.New("redis unavailable")}
	svc := NewRegistrationService(q, nil, nil, nil, nil, nil, nil, 5)

	_, err := svc.RequestRegistration(context.Background(), uuid.New(), uuid.New(), "key-12345", 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, q.enqueueCalls)
}

func TestRequestRegistration_RepeatedIdempotencyKeyReturnsSameRequestIDWithoutEnqueuing(t *testing.T) {
	q := &fakeQueue{idempExisting: "existing-request-id"}
	svc := NewRegistrationService(q, nil, nil, nil, nil, nil, nil, 0)

	id, err := svc.RequestRegistration(context.Background(), uuid.New(), uuid.New(), "key-12345", 0, nil)
	require.NoError(t, err)
	require.Equal(t, "existing-request-id", id)
	require.Equal(t, 0, q.enqueueCalls)
	require.Equal(t, 0, q.statusCalls)
}
