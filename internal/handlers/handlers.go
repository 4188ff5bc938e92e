package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/auth"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/ledger"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/payment"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/service"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/settlement"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Stripe payloads stay well below this
const maxWebhookBody = 65536

// Settlement is the payment reconciliation surface the handlers call
type Settlement interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (settlement.Result, error)
	Success(ctx context.Context, sessionID string, fb *settlement.Fallback) (settlement.Result, error)
	Cancel(ctx context.Context, sessionID string) settlement.Result
}

// Accounts is the login and account administration surface
type Accounts interface {
	Login(ctx context.Context, email, password string) (models.Account, error)
	Suspend(ctx context.Context, accountID int64) (models.Account, error)
	Reactivate(ctx context.Context, accountID int64) (models.Account, error)
	RenewSubscription(ctx context.Context, companyID int64, until time.Time) (models.Account, error)
}

// Handler contains HTTP handlers for the API
type Handler struct {
	bookingService service.BookingService
	settlement     Settlement
	accounts       Accounts
	validate       *validator.Validate
	logger         logrus.FieldLogger
}

// NewHandler creates a new Handler instance
func NewHandler(bookingService service.BookingService, settlement Settlement, accounts Accounts, logger logrus.FieldLogger) *Handler {
	return &Handler{
		bookingService: bookingService,
		settlement:     settlement,
		accounts:       accounts,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger.WithField("component", "http"),
	}
}

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse identifies the authenticated account
type LoginResponse struct {
	AccountID int64       `json:"accountId"`
	Name      string      `json:"name"`
	Role      models.Role `json:"role"`
}

// RenewSubscriptionRequest is the body of POST /api/admin/companies/{id}/subscription
type RenewSubscriptionRequest struct {
	ExpiresAt *time.Time `json:"expiresAt"`
}

// AccountResponse is the administrative view of an account
type AccountResponse struct {
	AccountID             int64                   `json:"accountId"`
	Role                  models.Role             `json:"role"`
	Suspended             bool                    `json:"suspended"`
	SuspensionReason      models.SuspensionReason `json:"suspensionReason,omitempty"`
	FailedLoginAttempts   int                     `json:"failedLoginAttempts"`
	SubscriptionExpiresAt *time.Time              `json:"subscriptionExpiresAt,omitempty"`
}

func accountResponse(a models.Account) AccountResponse {
	return AccountResponse{
		AccountID:             a.ID,
		Role:                  a.Role,
		Suspended:             a.Lockout.Suspended,
		SuspensionReason:      a.Lockout.Reason,
		FailedLoginAttempts:   a.Lockout.FailedLoginAttempts,
		SubscriptionExpiresAt: a.SubscriptionExpiresAt,
	}
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// writeError maps domain errors onto HTTP statuses
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		suspended   *models.SuspendedError
		credentials *models.CredentialsError
	)
	switch {
	case errors.As(err, &suspended):
		body := map[string]interface{}{"error": suspended.Error(), "reason": suspended.Reason}
		if suspended.RetryAfter > 0 {
			secs := int(suspended.RetryAfter.Round(time.Second).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			body["retryAfterSeconds"] = secs
		}
		respondJSON(w, http.StatusLocked, body)
		return
	case errors.As(err, &credentials):
		respondJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":             "invalid credentials",
			"remainingAttempts": credentials.RemainingAttempts,
		})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		respondError(w, status, "internal server error")
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrPaymentIncomplete):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInactive), errors.Is(err, models.ErrInsufficientSeats),
		errors.Is(err, models.ErrLateSettlement), errors.Is(err, ledger.ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrGateway):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrAccountSuspended):
		return http.StatusLocked
	case errors.Is(err, models.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
	return err.Error()
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

// GetTrip handles GET /api/trips/{id}
func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok := idParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid trip id")
		return
	}

	trip, err := h.bookingService.GetTrip(r.Context(), tripID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

// CreateBooking handles POST /api/bookings
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req service.CreateBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.TouristID = principal.AccountID

	booking, err := h.bookingService.CreateBooking(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, booking)
}

// StripeWebhook handles POST /api/webhooks/stripe. Anything but a bad signature
// or a transient failure is acknowledged so the provider stops redelivering.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	result, err := h.settlement.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			respondError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
		h.logger.WithError(err).Error("webhook processing failed")
		respondError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"received": true, "outcome": result.Outcome})
}

// PaymentSuccess handles GET /api/webhooks/stripe/success?session_id=
func (h *Handler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	result, err := h.settlement.Success(r.Context(), sessionID, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// PaymentSuccessAlt handles GET /api/webhooks/stripe/success-alt. It carries the
// booking parameters so the settlement can proceed when the provider is unreachable.
func (h *Handler) PaymentSuccessAlt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	result, err := h.settlement.Success(r.Context(), sessionID, &settlement.Fallback{
		TripID:      q.Get("trip_id"),
		TouristID:   q.Get("tourist_id"),
		TicketCount: q.Get("tickets"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// PaymentCancel handles GET /api/webhooks/stripe/cancel?session_id=
func (h *Handler) PaymentCancel(w http.ResponseWriter, r *http.Request) {
	result := h.settlement.Cancel(r.Context(), r.URL.Query().Get("session_id"))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Payment cancelled",
		"outcome": result.Outcome,
	})
}

// Login handles POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, LoginResponse{AccountID: account.ID, Name: account.Name, Role: account.Role})
}

// SuspendAccount handles POST /api/admin/accounts/{id}/suspend
func (h *Handler) SuspendAccount(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.accounts.Suspend)
}

// ReactivateAccount handles POST /api/admin/accounts/{id}/reactivate
func (h *Handler) ReactivateAccount(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.accounts.Reactivate)
}

// RenewSubscription handles POST /api/admin/companies/{id}/subscription
func (h *Handler) RenewSubscription(w http.ResponseWriter, r *http.Request) {
	var req RenewSubscriptionRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	var until time.Time
	if req.ExpiresAt != nil {
		until = *req.ExpiresAt
	}
	h.adminAction(w, r, func(ctx context.Context, id int64) (models.Account, error) {
		return h.accounts.RenewSubscription(ctx, id, until)
	})
}

func (h *Handler) adminAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (models.Account, error)) {
	accountID, ok := idParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	account, err := fn(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, accountResponse(account))
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
