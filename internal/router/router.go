package router

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/auth"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/handlers"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// LiveUpdates serves the per-trip availability stream
type LiveUpdates interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// SetupRouter creates and configures the HTTP router
func SetupRouter(h *handlers.Handler, authn *auth.Authenticator, live LiveUpdates, logger logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware(logger))

	api := r.PathPrefix("/api").Subrouter()

	// Trips
	api.HandleFunc("/trips/{id:[0-9]+}", h.GetTrip).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/trips/{id}/ws", live.ServeWS)

	// Bookings
	bookings := api.PathPrefix("/bookings").Subrouter()
	bookings.Use(authn.Require(models.RoleTourist))
	bookings.HandleFunc("", h.CreateBooking).Methods(http.MethodPost, http.MethodOptions)

	// Payment provider callbacks
	api.HandleFunc("/webhooks/stripe", h.StripeWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/stripe/success", h.PaymentSuccess).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/stripe/success-alt", h.PaymentSuccessAlt).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/stripe/cancel", h.PaymentCancel).Methods(http.MethodGet)

	// Accounts
	api.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost, http.MethodOptions)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(authn.Require(models.RoleAdmin))
	admin.HandleFunc("/accounts/{id}/suspend", h.SuspendAccount).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/reactivate", h.ReactivateAccount).Methods(http.MethodPost)
	admin.HandleFunc("/companies/{id}/subscription", h.RenewSubscription).Methods(http.MethodPost)

	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the recorder
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

const requestIDHeader = "X-Request-ID"

func loggingMiddleware(logger logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get(requestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			entry := logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"duration":   time.Since(start),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("request completed")
			} else {
				entry.Debug("request completed")
			}
		})
	}
}
