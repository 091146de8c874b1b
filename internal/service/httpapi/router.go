package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Router настраивает маршруты и middleware API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/payment", h.PaymentWebhook)

		r.Route("/consultations", func(r chi.Router) {
			r.Post("/", h.CreateConsultation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetConsultation)
				r.Get("/status", h.GetStatus)
				r.Post("/settle/offerings", h.SettleWithOfferings)
				r.Post("/settle/external", h.SelectExternalPayment)
				r.Post("/cancel", h.Cancel)
				r.Post("/refund", h.Refund)
				r.Post("/analysis/retry", h.RetryAnalysis)
			})
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/consultations", h.ListUserConsultations)
			r.Post("/offerings", h.CreditOffering)
			r.Get("/offerings/{offeringID}", h.GetOfferingStock)
		})

		r.Route("/payment-events", func(r chi.Router) {
			r.Get("/unlinked", h.ListUnlinkedEvents)
			r.Post("/{token}/relink", h.RelinkEvent)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound)})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: http.StatusText(http.StatusMethodNotAllowed)})
	})

	return r
}

func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("http request failed")
				return
			}
			entry.Debug("http request")
		})
	}
}
