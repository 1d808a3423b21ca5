package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/httputil"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
)

// RetryableClient posts payment events with exponential backoff. Deliveries
// run on their own goroutines so the paid request never waits on them.
type RetryableClient struct {
	cfg        config.CallbacksConfig
	httpClient *http.Client
	logger     zerolog.Logger
	tmpl       *template.Template
	dlqStore   DLQStore
	metrics    *metrics.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) { c.logger = logger }
}

// WithDLQStore keeps events that exhausted every attempt.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) { c.dlqStore = store }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RetryOption {
	return func(c *RetryableClient) { c.now = now }
}

// NewRetryableClient constructs a notifier for cfg. An empty
// PaymentSettledURL yields a NoopNotifier.
func NewRetryableClient(cfg config.CallbacksConfig, opts ...RetryOption) (Notifier, error) {
	if cfg.PaymentSettledURL == "" {
		return NoopNotifier{}, nil
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RetryableClient{
		cfg:        cfg,
		httpClient: httputil.NewClient(timeout),
		logger:     zerolog.Nop(),
		dlqStore:   NewMemoryDLQStore(),
		now:        time.Now,
		sleep:      sleepCtx,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.BodyTemplate != "" {
		tmpl, err := template.New("callback").Parse(cfg.BodyTemplate)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("callbacks: parse template: %w", err)
		}
		c.tmpl = tmpl
	}
	return c, nil
}

// PaymentSettled dispatches event asynchronously. The EventID is fixed
// before the first attempt so every retry carries the same key.
func (c *RetryableClient) PaymentSettled(_ context.Context, event PaymentEvent) {
	PreparePaymentEvent(&event, c.now())

	payload, err := c.serialize(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event_id", event.EventID).Msg("callbacks.serialize_failed")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		attempts, err := c.sendWithRetry(c.ctx, payload)
		if err == nil {
			return
		}
		c.logger.Error().
			Err(err).
			Str("event_id", event.EventID).
			Int("attempts", attempts).
			Msg("callbacks.delivery_failed")
		c.saveToDLQ(event.EventID, payload, attempts, err)
	}()
}

// Close waits for pending deliveries. When ctx expires first, the remaining
// backoffs are cancelled and their events land in the DLQ.
func (c *RetryableClient) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

// DLQ returns the dead letter store.
func (c *RetryableClient) DLQ() DLQStore { return c.dlqStore }

func (c *RetryableClient) serialize(event PaymentEvent) ([]byte, error) {
	if c.tmpl != nil {
		var buf bytes.Buffer
		if err := c.tmpl.Execute(&buf, event); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(event)
}

// sendWithRetry returns the number of attempts made.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte) (int, error) {
	retry := c.cfg.Retry
	maxAttempts := 1
	if retry.Enabled && retry.MaxAttempts > 1 {
		maxAttempts = retry.MaxAttempts
	}
	interval := retry.InitialInterval.Duration
	startTime := time.Now()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = c.sendHTTP(ctx, payload)
		if lastErr == nil {
			c.metrics.ObserveCallback("success", attempt, time.Since(startTime))
			if attempt > 1 {
				c.logger.Info().Int("attempt", attempt).Msg("callbacks.delivered_after_retry")
			}
			return attempt, nil
		}

		c.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("next_retry", interval).
			Msg("callbacks.attempt_failed")

		if attempt == maxAttempts {
			break
		}
		if !c.sleep(ctx, interval) {
			c.metrics.ObserveCallback("failed", attempt, time.Since(startTime))
			return attempt, fmt.Errorf("callback cancelled after %d attempts: %w", attempt, lastErr)
		}
		interval = time.Duration(float64(interval) * retry.Multiplier)
		if retry.MaxInterval.Duration > 0 && interval > retry.MaxInterval.Duration {
			interval = retry.MaxInterval.Duration
		}
	}

	c.metrics.ObserveCallback("failed", maxAttempts, time.Since(startTime))
	return maxAttempts, fmt.Errorf("callback failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *RetryableClient) sendHTTP(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PaymentSettledURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	contentType := "application/json"
	for k, v := range c.cfg.Headers {
		if strings.EqualFold(k, "content-type") {
			contentType = v
		}
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range c.cfg.Headers {
		if k == "" || strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, c.cfg.PaymentSettledURL)
	}
	return nil
}

func (c *RetryableClient) saveToDLQ(eventID string, payload []byte, attempts int, lastErr error) {
	now := c.now().UTC()
	failed := FailedWebhook{
		ID:          eventID,
		URL:         c.cfg.PaymentSettledURL,
		Payload:     json.RawMessage(payload),
		Headers:     c.cfg.Headers,
		EventType:   EventTypePaymentSettled,
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}
	// The client context may already be cancelled during shutdown.
	if err := c.dlqStore.SaveFailedWebhook(context.Background(), failed); err != nil {
		c.logger.Error().Err(err).Str("event_id", eventID).Msg("callbacks.dlq_save_failed")
		return
	}
	c.metrics.ObserveCallback("dlq", attempts, 0)
	c.logger.Info().Str("event_id", eventID).Int("attempts", attempts).Msg("callbacks.saved_to_dlq")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
