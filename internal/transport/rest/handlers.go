package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/birdiecourt/registry-core/internal/domain"
	appCtx "github.com/birdiecourt/registry-core/internal/pkg/context"
	"github.com/birdiecourt/registry-core/internal/service"
	"github.com/birdiecourt/registry-core/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

type Handler struct {
	svc *service.RegistrationService
}

func NewHandler(svc *service.RegistrationService) *Handler {
	return &Handler{svc: svc}
}

func traceID(r *http.Request) string {
	if id := appCtx.GetRequestID(r.Context()); id != "" {
		return id
	}
	return "no-request-id"
}

// RequestRegistration enqueues a host's registration request (with optional
// guests) onto the session's stream and returns a request_id to poll.
func (h *Handler) RequestRegistration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  string   `json:"session_id"`
		Seats      int      `json:"seats"`
		GuestNames []string `json:"guest_names"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid session_id", map[string]string{"session_id": "must be a valid uuid"})
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idempotencyKey) < 6 || len(idempotencyKey) > 120 {
		fail(w, r, http.StatusBadRequest, "request.invalid", "Idempotency-Key header is required (6-120 chars)", map[string]string{"idempotency_key": "required, 6-120 chars"})
		return
	}

	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	requestID, err := h.svc.RequestRegistration(r.Context(), sessionID, auth.UserID, idempotencyKey, req.Seats, req.GuestNames)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusAccepted, map[string]string{"request_id": requestID, "state": "queued"})
}

// GetRequestStatus polls the async outcome of a registration request.
func (h *Handler) GetRequestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	status, err := h.svc.GetRequestStatus(r.Context(), requestID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, status)
}

func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", map[string]string{"registration_id": "must be a valid uuid"})
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	result, err := h.svc.Cancel(r.Context(), traceID(r), registrationID, auth.UserID, auth.Role)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"state":         result.FinalState,
		"refund_cents":  result.RefundCents,
		"penalty_cents": result.PenaltyCents,
	})
}

func (h *Handler) UpdateGuests(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		GuestNames []string `json:"guest_names"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	oldSeats, newSeats, refundCents, penaltyCents, state, err := h.svc.UpdateGuests(r.Context(), traceID(r), registrationID, auth.UserID, auth.Role, req.GuestNames)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"old_seats":     oldSeats,
		"new_seats":     newSeats,
		"refund_cents":  refundCents,
		"penalty_cents": penaltyCents,
		"state":         state,
	})
}

func (h *Handler) AddGuest(w http.ResponseWriter, r *http.Request) {
	hostRegistrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		GuestName string `json:"guest_name"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	guestRegID, state, waitlistPos, err := h.svc.AddGuest(r.Context(), traceID(r), hostRegistrationID, auth.UserID, auth.Role, req.GuestName)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"guest_registration_id": guestRegID,
		"state":                 state,
		"waitlist_pos":          waitlistPos,
	})
}

// CreateSession books a new session and, optionally, a batch of
// pre-registrations against it in the same call (spec's admin session
// create payload).
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		Title        *string `json:"title"`
		StartsAt     string  `json:"starts_at"`
		IANATimezone string  `json:"iana_timezone"`
		Capacity     int     `json:"capacity"`
		FeeCents     int     `json:"fee_cents"`
		Preregs      []struct {
			User           string   `json:"user"`
			Seats          int      `json:"seats"`
			GuestNames     []string `json:"guest_names"`
			IdempotencyKey string   `json:"idempotency_key"`
		} `json:"preregistrations"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	preregs := make([]domain.PreRegistrationItem, 0, len(req.Preregs))
	for _, p := range req.Preregs {
		userID, err := uuid.Parse(p.User)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid preregistration user", nil)
			return
		}
		preregs = append(preregs, domain.PreRegistrationItem{
			UserID: userID, Seats: p.Seats, GuestNames: p.GuestNames, IdempotencyKey: p.IdempotencyKey,
		})
	}

	sess, results, err := h.svc.CreateSession(r.Context(), traceID(r), auth.UserID, auth.Role, req.Title, req.StartsAt, req.IANATimezone, req.Capacity, req.FeeCents, preregs)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusCreated, map[string]any{
		"session":                 sess,
		"preregistration_results": results,
	})
}

func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid sessionID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		Capacity *int    `json:"capacity"`
		Status   *string `json:"status"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	var newStatus *domain.SessionStatus
	if req.Status != nil {
		s := domain.SessionStatus(strings.TrimSpace(*req.Status))
		newStatus = &s
	}

	sess, err := h.svc.UpdateSession(r.Context(), traceID(r), sessionID, auth.UserID, auth.Role, req.Capacity, newStatus)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, sess)
}

func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid sessionID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	items, next, err := h.svc.ListParticipants(r.Context(), sessionID, auth.UserID, auth.Role, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": encodeCursor(next),
	})
}

func (h *Handler) Waitlist(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid sessionID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	items, next, err := h.svc.ListWaitlist(r.Context(), sessionID, auth.UserID, auth.Role, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": encodeCursor(next),
	})
}

func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid sessionID", nil)
		return
	}
	stats, err := h.svc.GetSessionStats(r.Context(), sessionID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, stats)
}

func (h *Handler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	reg, err := h.svc.GetRegistration(r.Context(), registrationID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, reg)
}

func (h *Handler) GetMyWallet(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}
	wallet, err := h.svc.GetWallet(r.Context(), auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, wallet)
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		fail(w, r, http.StatusConflict, "wallet.insufficient_funds", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyHost):
		fail(w, r, http.StatusConflict, "registration.already_host", err.Error(), nil)
	case errors.Is(err, domain.ErrGuestLimitExceeded):
		fail(w, r, http.StatusConflict, "registration.guest_limit_exceeded", err.Error(), nil)
	case errors.Is(err, domain.ErrSeatIncreaseNotAllowed):
		fail(w, r, http.StatusConflict, "registration.seat_increase_not_allowed", err.Error(), nil)
	case errors.Is(err, domain.ErrTooLate):
		fail(w, r, http.StatusGone, "registration.too_late", err.Error(), nil)
	case errors.Is(err, domain.ErrSessionNotScheduled):
		fail(w, r, http.StatusGone, "session.not_scheduled", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		fail(w, r, http.StatusConflict, "session.invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrCapacityBelowConfirmed):
		fail(w, r, http.StatusConflict, "session.capacity_below_confirmed", err.Error(), nil)
	case errors.Is(err, domain.ErrSessionNotFound):
		fail(w, r, http.StatusNotFound, "session.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrRegistrationNotFound):
		fail(w, r, http.StatusNotFound, "registration.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		fail(w, r, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrForbidden):
		fail(w, r, http.StatusForbidden, "auth.forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrNotAuthenticated):
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrBackpressure):
		fail(w, r, http.StatusTooManyRequests, "request.backpressure", err.Error(), nil)
	default:
		// Do not leak internal details by default.
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, traceID(r))
}

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 20
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 20
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}
