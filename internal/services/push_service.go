// Package services – PushService
//
// PushService delivers a notification to every registered device of a user
// and keeps the subscription registry healthy: an endpoint reported gone is
// deleted, other failures are logged once per call and otherwise ignored.
package services

import (
	"context"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/push"
	"github.com/tbourn/go-market-chat/internal/repo"
)

var pushDeliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "push_deliveries_total",
		Help: "Web Push delivery attempts by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(pushDeliveries)
}

// PushResult summarizes one SendToUser call.
type PushResult struct {
	Sent   int `json:"sent"`
	Pruned int `json:"pruned"`
	Failed int `json:"failed"`
}

// PushService fans a notification out to a user's subscriptions.
type PushService struct {
	DB        *gorm.DB
	Deliverer push.Deliverer
	Log       *zerolog.Logger
}

// NewPushService constructs a PushService.
func NewPushService(db *gorm.DB, d push.Deliverer) *PushService {
	return &PushService{DB: db, Deliverer: d}
}

// Subscribe registers a device endpoint for userID. An endpoint already
// registered, even by another user, is reassigned.
func (s *PushService) Subscribe(ctx context.Context, userID uint, endpoint, p256dh, auth string) (*domain.Subscription, error) {
	endpoint = strings.TrimSpace(endpoint)
	p256dh = strings.TrimSpace(p256dh)
	auth = strings.TrimSpace(auth)
	if endpoint == "" || p256dh == "" || auth == "" {
		return nil, ErrInvalidSubscription
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, ErrInvalidSubscription
	}
	return repo.UpsertSubscription(ctx, s.DB, userID, endpoint, p256dh, auth)
}

// SendToUser attempts delivery to each subscription of userID. Only a
// storage failure while loading subscriptions is returned; delivery
// failures are reflected in the result.
func (s *PushService) SendToUser(ctx context.Context, userID uint, n push.Notification) (PushResult, error) {
	tr := otel.Tracer("services/PushService")
	ctx, span := tr.Start(ctx, "SendToUser",
		trace.WithAttributes(attribute.Int64("user.id", int64(userID))),
	)
	defer span.End()

	var res PushResult
	if userID == 0 || strings.TrimSpace(n.Title) == "" {
		return res, ErrInvalidNotification
	}
	subs, err := repo.ListSubscriptions(ctx, s.DB, userID)
	if err != nil {
		return res, err
	}
	if len(subs) == 0 {
		return res, nil
	}
	payload, err := n.Encode()
	if err != nil {
		return res, err
	}

	lg := loggerOr(s.Log)
	var failures error
	for _, sub := range subs {
		out, err := s.Deliverer.Deliver(ctx, push.Target{
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		}, payload)
		pushDeliveries.WithLabelValues(out.String()).Inc()

		switch out {
		case push.Delivered:
			res.Sent++
		case push.Permanent:
			if derr := repo.DeleteSubscription(ctx, s.DB, sub.ID); derr != nil {
				failures = multierr.Append(failures, derr)
				res.Failed++
				continue
			}
			res.Pruned++
			lg.Info().Uint("user_id", userID).Uint("subscription_id", sub.ID).Err(err).Msg("pruned gone push endpoint")
		default:
			res.Failed++
			failures = multierr.Append(failures, err)
		}
	}

	if failures != nil {
		lg.Warn().Err(failures).Uint("user_id", userID).Int("failed", res.Failed).Msg("push delivery failures")
	}
	span.SetAttributes(
		attribute.Int("push.sent", res.Sent),
		attribute.Int("push.pruned", res.Pruned),
		attribute.Int("push.failed", res.Failed),
	)
	return res, nil
}
