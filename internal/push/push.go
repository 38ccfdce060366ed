// Package push delivers Web Push notifications to registered device
// endpoints and classifies each attempt so callers can prune dead endpoints.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-market-chat/internal/config"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// Delivered means the push service accepted the notification (2xx).
	Delivered Outcome = iota
	// Permanent means the endpoint is gone (404/410) and should be forgotten.
	Permanent
	// Transient covers everything else, network errors included.
	Transient
)

// String returns the metric label for o.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// ErrDisabled is reported by Disabled for every attempt.
var ErrDisabled = errors.New("push disabled")

// Target is one device endpoint with its encryption keys.
type Target struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Notification is the JSON body the service worker receives.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Encode marshals n for delivery.
func (n Notification) Encode() ([]byte, error) { return json.Marshal(n) }

// Deliverer sends an already-encoded payload to one endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, t Target, payload []byte) (Outcome, error)
}

// Classify maps a push service status code to an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Delivered
	case status == http.StatusNotFound || status == http.StatusGone:
		return Permanent
	default:
		return Transient
	}
}

// WebPush is a VAPID-signed, RFC 8291 encrypted Deliverer.
type WebPush struct {
	cfg    config.PushConfig
	client webpush.HTTPClient
}

// Option customizes WebPush.
type Option func(*WebPush)

// WithHTTPClient overrides the HTTP client used to reach push services.
func WithHTTPClient(c webpush.HTTPClient) Option {
	return func(w *WebPush) {
		if c != nil {
			w.client = c
		}
	}
}

// NewWebPush builds a WebPush deliverer. The config must carry both VAPID keys.
func NewWebPush(cfg config.PushConfig, opts ...Option) (*WebPush, error) {
	if !cfg.Enabled() {
		return nil, errors.New("vapid keys are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &WebPush{cfg: cfg, client: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Deliver sends payload to t and classifies the response.
func (w *WebPush) Deliver(ctx context.Context, t Target, payload []byte) (Outcome, error) {
	sub := &webpush.Subscription{
		Endpoint: t.Endpoint,
		Keys:     webpush.Keys{P256dh: t.P256dh, Auth: t.Auth},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		TTL:             int(w.cfg.TTL / time.Second),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return Transient, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	out := Classify(resp.StatusCode)
	if out != Delivered {
		return out, fmt.Errorf("push service responded %d", resp.StatusCode)
	}
	return Delivered, nil
}

// Disabled is used when no VAPID keys are configured. Every attempt is a
// transient failure so subscriptions are kept for when push is enabled.
type Disabled struct{}

// Deliver implements Deliverer.
func (Disabled) Deliver(_ context.Context, t Target, _ []byte) (Outcome, error) {
	log.Debug().Str("endpoint", t.Endpoint).Msg("push disabled; skipping delivery")
	return Transient, ErrDisabled
}

// New returns a WebPush deliverer when cfg is enabled and Disabled otherwise.
func New(cfg config.PushConfig) (Deliverer, error) {
	if !cfg.Enabled() {
		return Disabled{}, nil
	}
	return NewWebPush(cfg)
}
