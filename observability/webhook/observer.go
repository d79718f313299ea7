// Package webhook forwards workflow audit events to an external HTTP
// endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"guardflow/core/events"
	"guardflow/core/types"
	"guardflow/observability/metrics"
)

// DefaultTimeout bounds a single delivery. Deliveries run inline with the
// transition that produced them, so this is kept short.
const DefaultTimeout = 3 * time.Second

var ErrInvalidURL = errors.New("webhook: url must be absolute http(s)")

// Delivery is the JSON body posted for every audit event.
type Delivery struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Event     types.Event `json:"event"`
}

// Observer posts audit events as JSON. Non-2xx responses are reported as
// errors, which the engine logs and drops.
type Observer struct {
	endpoint    string
	destination string
	client      *http.Client
	nowFn       func() time.Time
}

var _ events.Observer = (*Observer)(nil)

// New validates the endpoint and constructs an observer.
func New(endpoint string, client *http.Client) (*Observer, error) {
	endpoint = strings.TrimSpace(endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, endpoint)
	}
	if client == nil {
		client = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	metrics.Webhook().InitWebhookDestination(parsed.Host)
	return &Observer{
		endpoint:    endpoint,
		destination: parsed.Host,
		client:      client,
		nowFn:       time.Now,
	}, nil
}

// OnTransactionEvent implements events.Observer.
func (o *Observer) OnTransactionEvent(ctx context.Context, evt events.TransactionEvent) error {
	started := o.nowFn()
	body, err := json.Marshal(Delivery{
		ID:        uuid.NewString(),
		Timestamp: started.Unix(),
		Event:     *evt.Event(),
	})
	if err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		metrics.Webhook().IncWebhookFailure(o.destination)
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Webhook().IncWebhookFailure(o.destination)
		return fmt.Errorf("webhook: %s responded %d", o.destination, resp.StatusCode)
	}
	metrics.Webhook().ObserveDelivery(o.destination, time.Since(started))
	return nil
}
