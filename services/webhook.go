package services

import (
	"context"
	"sync"
	"time"

	"coldchain/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookDispatcher batches outbound alerts and POSTs them to the downstream
// webhook on a fixed period. A failed dispatch re-prepends the alerts; after
// maxAttempts consecutive failures the batch is dropped with a loud log so
// the queue cannot grow without bound.
type WebhookDispatcher struct {
	client      *resty.Client
	url         string
	interval    time.Duration
	maxAttempts int
	loc         *time.Location
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	queue    []models.Alert
	attempts int
}

func NewWebhookDispatcher(url string, interval time.Duration, maxAttempts int, loc *time.Location, logger *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		client:      resty.New().SetTimeout(15 * time.Second),
		url:         url,
		interval:    interval,
		maxAttempts: maxAttempts,
		loc:         loc,
		logger:      logger,
		now:         time.Now,
	}
}

// Enqueue queues one alert for the next dispatch. Safe for concurrent use.
func (w *WebhookDispatcher) Enqueue(alert models.Alert) {
	w.mu.Lock()
	w.queue = append(w.queue, alert)
	w.mu.Unlock()

	w.logger.Info("Alert queued for dispatch",
		zap.String("sensor_mac", alert.SensorMAC),
		zap.String("priority", string(alert.Priority)))
}

// Size returns the current queue depth.
func (w *WebhookDispatcher) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Run dispatches queued alerts on the configured period until the context
// ends. Queued alerts remaining at shutdown are abandoned.
func (w *WebhookDispatcher) Run(ctx context.Context) {
	if w.url == "" {
		w.logger.Warn("Webhook URL not configured, alerts will accumulate undelivered")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Dispatch(ctx)
		}
	}
}

// Dispatch sends everything currently queued as one batched POST.
func (w *WebhookDispatcher) Dispatch(ctx context.Context) {
	w.mu.Lock()
	if len(w.queue) == 0 || w.url == "" {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	body := models.WebhookBody{
		Timestamp:    w.now().In(w.loc).Format("2006-01-02T15:04:05-07:00"),
		TotalAlertas: len(batch),
		IsBatched:    true,
		Alertas:      batch,
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(w.url)

	if err == nil && !resp.IsError() {
		w.logger.Info("Alert batch dispatched",
			zap.Int("total", len(batch)),
			zap.Int("status_code", resp.StatusCode()))
		w.mu.Lock()
		w.attempts = 0
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.attempts++
	attempts := w.attempts
	if attempts >= w.maxAttempts {
		w.attempts = 0
		w.mu.Unlock()
		w.logger.Error("Dropping alert batch after repeated webhook failures",
			zap.Int("dropped", len(batch)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return
	}
	w.queue = append(batch, w.queue...)
	w.mu.Unlock()

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	w.logger.Error("Webhook dispatch failed, alerts requeued",
		zap.Int("batch_size", len(batch)),
		zap.Int("attempt", attempts),
		zap.Int("status_code", status),
		zap.Error(err))
}
