// Package webhooks implements the webhook subscriber pipeline:
// registration, HMAC-signed delivery, and retry with jittered exponential
// backoff. Uses an HTTP client pattern (klient.New, client.HTTP.Do) and
// internal/crypto/hmac.go for request signing. Service implements
// service.EventEmitter so internal/outbound and internal/inbound can
// depend on the narrow interface without importing this package.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	gkcrypto "github.com/rakunlabs/gatekit/internal/crypto"
	"github.com/rakunlabs/gatekit/internal/service"
)

// MaxAttempts is the delivery retry ceiling.
const MaxAttempts = 5

// BackoffBase is the exponential backoff base for delivery retries:
// 5000ms * 2^(attempt-1), capped at BackoffCap and jittered ±20%.
const BackoffBase = 5 * time.Second

// BackoffCap bounds the exponential backoff growth.
const BackoffCap = 10 * time.Minute

// DeliveryTimeout bounds a single delivery POST.
const DeliveryTimeout = 10 * time.Second

type delivery struct {
	webhook    service.Webhook
	event      service.Event
	payload    []byte
	attempt    int
	deliveryID string
}

type Service struct {
	store  service.WebhookStorer
	client *klient.Client

	queue chan *delivery
	stop  chan struct{}

	// backoffBase is BackoffBase in production; shrunk by tests.
	backoffBase time.Duration
}

func New(store service.WebhookStorer, workers int) (*Service, error) {
	if workers < 1 {
		workers = 4
	}
	client, err := klient.New(klient.WithDisableBaseURLCheck(true), klient.WithDisableRetry(true))
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}
	s := &Service{
		store:       store,
		client:      client,
		queue:       make(chan *delivery, 512),
		stop:        make(chan struct{}),
		backoffBase: BackoffBase,
	}
	for i := 0; i < workers; i++ {
		go s.runWorker()
	}
	return s, nil
}

func (s *Service) Shutdown() {
	close(s.stop)
}

// Register creates a Webhook subscriber, auto-generating Secret when
// omitted, and validating Events against the closed catalog.
func (s *Service) Register(ctx context.Context, w service.Webhook) (*service.Webhook, error) {
	for _, evt := range w.Events {
		if !service.ValidEvents[evt] {
			return nil, fmt.Errorf("webhooks: unknown event %q", evt)
		}
	}
	if w.Secret == "" {
		secret, err := gkcrypto.GenerateWebhookSecret()
		if err != nil {
			return nil, fmt.Errorf("generate webhook secret: %w", err)
		}
		w.Secret = secret
	}
	w.IsActive = true
	return s.store.CreateWebhook(ctx, w)
}

// Emit implements service.EventEmitter: it fans evt out to every active
// webhook subscribed to it, enqueuing one delivery job per match.
func (s *Service) Emit(ctx context.Context, projectID string, evt service.Event, data any) {
	hooks, err := s.store.ListActiveWebhooksForEvent(ctx, projectID, evt)
	if err != nil {
		slog.Error("list webhooks for event failed", "event", evt, "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	body := map[string]any{
		"event":      evt,
		"timestamp":  time.Now().UTC(),
		"project_id": projectID,
		"data":       data,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("marshal webhook payload failed", "event", evt, "error", err)
		return
	}

	for _, hook := range hooks {
		row, err := s.store.CreateDelivery(ctx, service.WebhookDelivery{
			WebhookID: hook.ID,
			Event:     evt,
			Payload:   payload,
			Status:    service.DeliveryPending,
		})
		if err != nil {
			slog.Error("create webhook delivery row failed", "webhook", hook.ID, "event", evt, "error", err)
			continue
		}

		d := &delivery{webhook: hook, event: evt, payload: payload, attempt: 1, deliveryID: row.ID}
		select {
		case s.queue <- d:
		case <-s.stop:
			return
		default:
			slog.Warn("webhook delivery queue full, dropping", "webhook", hook.ID, "event", evt)
		}
	}
}

func (s *Service) runWorker() {
	for {
		select {
		case <-s.stop:
			return
		case d, ok := <-s.queue:
			if !ok {
				return
			}
			s.attempt(d)
		}
	}
}

func (s *Service) attempt(d *delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), DeliveryTimeout)
	defer cancel()

	status, code, respBody, deliverErr := s.post(ctx, d)

	// One delivery row per enqueued event; each attempt updates its
	// attemptCount. The row stays pending while retries remain; success
	// and failed are the only terminal states.
	if deliverErr != nil && d.attempt < MaxAttempts {
		status = service.DeliveryPending
	}
	if err := s.store.UpdateDelivery(ctx, d.deliveryID, status, d.attempt, code, respBody, time.Now().UTC()); err != nil {
		slog.Error("update webhook delivery row failed", "webhook", d.webhook.ID, "error", err)
	}

	if deliverErr == nil {
		return
	}

	if d.attempt >= MaxAttempts {
		slog.Warn("webhook delivery exhausted retries", "webhook", d.webhook.ID, "event", d.event, "error", deliverErr)
		return
	}

	s.retryAfterBackoff(d)
}

func (s *Service) retryAfterBackoff(d *delivery) {
	backoff := s.backoffBase * time.Duration(1<<uint(d.attempt-1))
	if backoff > BackoffCap {
		backoff = BackoffCap
	}
	jitter := float64(backoff) * (0.8 + rand.Float64()*0.4)
	timer := time.NewTimer(time.Duration(jitter))

	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			d.attempt++
			select {
			case s.queue <- d:
			case <-s.stop:
			}
		case <-s.stop:
		}
	}()
}

// post signs and sends one delivery attempt, returning the terminal
// status it should be recorded under.
func (s *Service) post(ctx context.Context, d *delivery) (service.DeliveryStatus, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook.URL, bytes.NewReader(d.payload))
	if err != nil {
		return service.DeliveryFailed, 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GateKit-Signature", gkcrypto.SignWebhookPayload(d.webhook.Secret, d.payload))

	resp, err := s.client.HTTP.Do(req)
	if err != nil {
		return service.DeliveryFailed, 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 2048)
	n, _ := resp.Body.Read(buf)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return service.DeliverySuccess, resp.StatusCode, string(buf[:n]), nil
	}
	return service.DeliveryFailed, resp.StatusCode, string(buf[:n]), fmt.Errorf("webhook responded %d", resp.StatusCode)
}
