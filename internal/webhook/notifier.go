package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/call-capture/internal/metrics"
	"github.com/chadiek/call-capture/pkg/logging"
)

// Notifier delivers captured emails to a single endpoint, best effort.
type Notifier struct {
	HTTPClient *http.Client
	endpoint   string
	logger     *zap.Logger
	metrics    *metrics.CallMetrics
	wg         sync.WaitGroup
}

// NewNotifier returns a notifier for endpoint. An empty endpoint disables delivery.
func NewNotifier(endpoint string, timeout time.Duration, logger *zap.Logger, m *metrics.CallMetrics) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &Notifier{
		HTTPClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		logger:     logging.OrNop(logger),
		metrics:    m,
	}
	if endpoint == "" {
		n.logger.Warn("WEBHOOK_URL not set - captured emails will not be delivered")
	}
	return n
}

// Notify fires one delivery in the background. It never blocks and never reports failure.
func (n *Notifier) Notify(email string) {
	if n == nil || n.endpoint == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.deliver(context.Background(), email); err != nil {
			n.metrics.ObserveWebhook("failed")
			n.logger.Warn("webhook delivery failed", zap.Error(err))
			return
		}
		n.metrics.ObserveWebhook("delivered")
		n.logger.Info("webhook delivered")
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, email string) error {
	u, err := url.Parse(n.endpoint)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	q := u.Query()
	q.Set("email", email)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
