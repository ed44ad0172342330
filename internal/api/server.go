// Package api provides the HTTP surface of the token bank: read-only
// query endpoints plus the command endpoints that feed the classifier,
// the withdrawal path and the fiat webhook.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fodinet/fodibank/internal/classify"
	"github.com/fodinet/fodibank/internal/domain"
	"github.com/fodinet/fodibank/internal/gateway"
	"github.com/fodinet/fodibank/internal/ledger"
	"github.com/fodinet/fodibank/internal/reward"
)

// Server is the token bank HTTP API server.
type Server struct {
	ledger         *ledger.Ledger
	classifier     *classify.Classifier
	gateway        *gateway.Gateway
	rewards        *reward.Engine
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(l *ledger.Ledger, c *classify.Classifier, g *gateway.Gateway, e *reward.Engine) *Server {
	return &Server{ledger: l, classifier: c, gateway: g, rewards: e}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/balance/{user}", s.handleBalance)
		r.Get("/history/{user}", s.handleHistory)
		r.Get("/recent", s.handleRecent)
		r.Get("/stats", s.handleStats)

		r.Post("/credit", s.handleCredit)
		r.Post("/burn", s.handleBurn)
		r.Post("/transfer", s.handleTransfer)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/webhooks/fiat", s.handleFiatWebhook)

		r.Route("/rewards", func(r chi.Router) {
			r.Post("/order", s.handleRewardOrder)
			r.Post("/cancel", s.handleRewardCancel)
			r.Post("/streak", s.handleRewardStreak)
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response carrying the stable category
// string so clients can branch without parsing messages.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"error": map[string]any{
			"message":  err.Error(),
			"category": domain.Category(err),
		},
	})
}

// statusFor maps error categories to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, gateway.ErrBadSignature) {
		return http.StatusUnauthorized
	}
	switch domain.Category(err) {
	case "invalid_argument", "unsupported":
		return http.StatusBadRequest
	case "insufficient_funds", "conflict":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Cursors are raw store keys; base64 keeps them opaque on the wire.

func encodeCursor(k []byte) string {
	if len(k) == 0 {
		return ""
	}
	return base64.URLEncoding.EncodeToString(k)
}

func decodeCursor(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	k, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, domain.ErrInvalidArgument
	}
	return k, nil
}
