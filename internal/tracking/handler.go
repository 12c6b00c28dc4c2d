package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/httputil"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
)

// ErrBadSignature is returned when a signed webhook fails verification.
var ErrBadSignature = errors.New("webhook signature mismatch")

// EventApplier applies one normalized event. Processor implements it.
type EventApplier interface {
	Apply(ctx context.Context, ev domain.ProviderEvent) error
}

// EventObserver counts webhook events by provider, event and result.
type EventObserver interface {
	ObserveEvent(provider, event string, applied bool)
}

// Handler receives provider webhooks and applies them. Providers retry on
// non-2xx, so only malformed or unauthenticated bodies are rejected; a
// failed apply is logged and counted.
type Handler struct {
	events            EventApplier
	mailgunSigningKey string
	httpClient        *http.Client
	observer          EventObserver

	received atomic.Int64
	applied  atomic.Int64
	failed   atomic.Int64
}

// NewHandler creates a webhook handler. An empty mailgunSigningKey skips
// Mailgun signature checks.
func NewHandler(events EventApplier, mailgunSigningKey string) *Handler {
	return &Handler{
		events:            events,
		mailgunSigningKey: mailgunSigningKey,
		httpClient:        &http.Client{Timeout: 10 * time.Second},
	}
}

// SetObserver attaches a metrics observer. Call before serving.
func (h *Handler) SetObserver(o EventObserver) { h.observer = o }

// Routes mounts the webhook endpoints. allowedOrigins feeds the CORS
// policy; an empty list allows any origin.
func (h *Handler) Routes(allowedOrigins []string) chi.Router {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/webhooks/sendgrid", h.HandleSendGrid)
	r.Post("/webhooks/mailgun", h.HandleMailgun)
	r.Post("/webhooks/sparkpost", h.HandleSparkPost)
	r.Post("/webhooks/ses", h.HandleSES)
	r.Get("/webhooks/stats", h.HandleStats)
	r.Get("/health", h.HandleHealth)
	return r
}

func (h *Handler) HandleSendGrid(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.ReadBody(w, r)
	if !ok {
		return
	}
	events, err := ParseSendGrid(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	h.applyAll(r.Context(), events)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleMailgun(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.ReadBody(w, r)
	if !ok {
		return
	}
	ev, err := ParseMailgun(body, h.mailgunSigningKey)
	if errors.Is(err, ErrBadSignature) {
		httputil.Unauthorized(w, err.Error())
		return
	}
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	h.applyAll(r.Context(), []domain.ProviderEvent{ev})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleSparkPost(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.ReadBody(w, r)
	if !ok {
		return
	}
	events, err := ParseSparkPost(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	h.applyAll(r.Context(), events)
	w.WriteHeader(http.StatusOK)
}

// HandleSES accepts SNS deliveries. Subscription confirmations are
// confirmed by fetching SubscribeURL.
func (h *Handler) HandleSES(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.ReadBody(w, r)
	if !ok {
		return
	}
	var msg SNSMessage
	if err := json.Unmarshal(body, &msg); err != nil || validate.Struct(msg) != nil {
		httputil.BadRequest(w, "invalid SNS message")
		return
	}

	switch msg.Type {
	case "SubscriptionConfirmation":
		h.confirmSubscription(r.Context(), msg.SubscribeURL)
	case "Notification":
		ev, err := ParseSESNotification(msg.Message)
		if err != nil {
			// SNS retries forever on non-2xx, so unparseable events are dropped.
			logger.Warn("dropping SES notification", "message_id", msg.MessageID, "error", err)
			break
		}
		h.applyAll(r.Context(), []domain.ProviderEvent{ev})
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) confirmSubscription(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Error("SES subscription confirmation", "error", err)
		return
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		logger.Error("SES subscription confirmation", "error", err)
		return
	}
	resp.Body.Close()
	logger.Info("SES subscription confirmed", "status", resp.StatusCode)
}

func (h *Handler) applyAll(ctx context.Context, events []domain.ProviderEvent) {
	for _, ev := range events {
		h.received.Add(1)
		err := h.events.Apply(ctx, ev)
		if h.observer != nil {
			h.observer.ObserveEvent(string(ev.Provider), string(ev.Event), err == nil)
		}
		if err != nil {
			h.failed.Add(1)
			logger.Error("apply provider event",
				"provider", string(ev.Provider),
				"event", string(ev.Event),
				"guid", ev.RecipientGUID,
				"error", err,
			)
			continue
		}
		h.applied.Add(1)
	}
}

// Stats returns webhook counters since start.
func (h *Handler) Stats() map[string]int64 {
	return map[string]int64{
		"events_received": h.received.Load(),
		"events_applied":  h.applied.Load(),
		"errors":          h.failed.Load(),
	}
}

func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, h.Stats())
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}
