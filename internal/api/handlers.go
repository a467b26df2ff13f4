package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/hub"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/models"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/service"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftwallet_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swiftwallet_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swiftwallet_callbacks_total",
		Help: "Gateway callback deliveries by acknowledgement result",
	}, []string{"result"})

	streamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swiftwallet_stream_subscribers",
		Help: "Currently connected live stream subscribers",
	})
)

// PaymentService is the payment intake and snapshot surface.
type PaymentService interface {
	CreatePayment(ctx context.Context, identity string, amount int64) (*models.PayResponse, error)
	Snapshot(ctx context.Context, identity string) (*models.Snapshot, error)
}

// ReconcileService applies callbacks and manual overrides.
type ReconcileService interface {
	Reconcile(ctx context.Context, payload map[string]any) (models.CallbackAck, error)
	Override(ctx context.Context, reference, status string) (*models.Transaction, bool, error)
}

// Streamer manages live subscriber connections.
type Streamer interface {
	Subscribe(ctx context.Context, identity string) (*hub.Conn, error)
	Unsubscribe(identity string, conn *hub.Conn)
}

type Handler struct {
	payments   PaymentService
	reconciler ReconcileService
	streams    Streamer
	secret     string
	logger     *slog.Logger
}

func NewHandler(payments PaymentService, reconciler ReconcileService, streams Streamer, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		payments:   payments,
		reconciler: reconciler,
		streams:    streams,
		secret:     secret,
		logger:     logger.With("component", "api"),
	}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) PayHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/pay"))
	defer timer.ObserveDuration()

	var req models.PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/pay", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	resp, err := h.payments.CreatePayment(r.Context(), req.Identity, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidIdentity), errors.Is(err, service.ErrInvalidAmount):
			httpRequestsTotal.WithLabelValues("POST", "/pay", "422").Inc()
			respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.Error("payment create failed", "error", err)
			httpRequestsTotal.WithLabelValues("POST", "/pay", "500").Inc()
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	if !resp.Accepted {
		httpRequestsTotal.WithLabelValues("POST", "/pay", "502").Inc()
		respondWithJSON(w, http.StatusBadGateway, resp)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", "/pay", "202").Inc()
	respondWithJSON(w, http.StatusAccepted, resp)
}

// CallbackHandler receives asynchronous gateway deliveries. Every authorized
// delivery is acknowledged with 200 whatever its content, so the gateway does
// not retry forever; only a storage failure returns a retryable 500.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/callback"))
	defer timer.ObserveDuration()

	if !h.authorized(r.URL.Query().Get("secret")) {
		h.logger.Warn("callback with bad secret rejected", "remote", r.RemoteAddr)
		callbacksTotal.WithLabelValues(models.AckUnauthorized).Inc()
		httpRequestsTotal.WithLabelValues("POST", "/callback", "401").Inc()
		respondWithJSON(w, http.StatusUnauthorized, models.CallbackAck{
			Result: models.AckUnauthorized, Message: "bad secret",
		})
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		callbacksTotal.WithLabelValues(models.AckIgnored).Inc()
		httpRequestsTotal.WithLabelValues("POST", "/callback", "200").Inc()
		respondWithJSON(w, http.StatusOK, models.CallbackAck{
			Result: models.AckIgnored, Message: "unparseable payload",
		})
		return
	}

	ack, err := h.reconciler.Reconcile(r.Context(), payload)
	if err != nil {
		h.logger.Error("callback reconcile failed", "error", err)
		httpRequestsTotal.WithLabelValues("POST", "/callback", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Storage unavailable, retry")
		return
	}
	callbacksTotal.WithLabelValues(ack.Result).Inc()
	httpRequestsTotal.WithLabelValues("POST", "/callback", "200").Inc()
	respondWithJSON(w, http.StatusOK, ack)
}

// authorized compares the supplied secret in constant time.
func (h *Handler) authorized(got string) bool {
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(h.secret))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func (h *Handler) OverrideHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/override/{reference}"))
	defer timer.ObserveDuration()

	reference := mux.Vars(r)["reference"]
	var req models.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/override/{reference}", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	txn, applied, err := h.reconciler.Override(r.Context(), reference, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidStatus):
			httpRequestsTotal.WithLabelValues("POST", "/override/{reference}", "422").Inc()
			respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, store.ErrTransactionNotFound):
			httpRequestsTotal.WithLabelValues("POST", "/override/{reference}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Transaction not found")
		default:
			h.logger.Error("override failed", "reference", reference, "error", err)
			httpRequestsTotal.WithLabelValues("POST", "/override/{reference}", "500").Inc()
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/override/{reference}", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"transaction": txn,
		"applied":     applied,
	})
}

func (h *Handler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/snapshot/{identity}"))
	defer timer.ObserveDuration()

	identity := mux.Vars(r)["identity"]
	snap, err := h.payments.Snapshot(r.Context(), identity)
	if err != nil {
		h.logger.Error("snapshot failed", "identity", identity, "error", err)
		httpRequestsTotal.WithLabelValues("GET", "/snapshot/{identity}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/snapshot/{identity}", "200").Inc()
	respondWithJSON(w, http.StatusOK, snap)
}

// StreamHandler serves the live subscription as server-sent events. The hub
// owns the connection; this handler just drains it onto the wire and tears
// it down when the client goes away.
func (h *Handler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpRequestsTotal.WithLabelValues("GET", "/stream/{identity}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	conn, err := h.streams.Subscribe(r.Context(), identity)
	if err != nil {
		h.logger.Error("subscribe failed", "identity", identity, "error", err)
		httpRequestsTotal.WithLabelValues("GET", "/stream/{identity}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer h.streams.Unsubscribe(identity, conn)

	streamSubscribers.Inc()
	defer streamSubscribers.Dec()
	httpRequestsTotal.WithLabelValues("GET", "/stream/{identity}", "200").Inc()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case ev := <-conn.Events():
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
