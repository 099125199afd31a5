// Package webhook receives provider webhook deliveries, authenticates and
// validates them through the provider adapter, and emits canonical payment
// events into the orchestration core.
package webhook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

// Emitter consumes canonical payment events.
type Emitter interface {
	HandlePaymentSucceeded(ctx context.Context, data payments.EventData) error
	HandlePaymentRefunded(ctx context.Context, data payments.EventData) error
}

// Dispatcher routes raw deliveries through the two-phase pipeline: Receive
// authenticates and validates, Process normalizes and emits. The split lets
// the transport acknowledge ack-fast providers between the phases.
type Dispatcher struct {
	registry *payments.Registry
	emitter  Emitter
	logger   *zap.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(registry *payments.Registry, emitter Emitter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, emitter: emitter, logger: logger}
}

// Delivery is an authenticated, validated webhook waiting to be processed.
type Delivery struct {
	Adapter payments.Adapter
	Event   payments.RawEvent
}

// AckFast reports whether the provider needs an acknowledgment before
// processing.
func (delivery Delivery) AckFast() bool {
	return delivery.Adapter.AckFast()
}

// Receive authenticates and validates a delivery. Every delivery is logged,
// accepted or not, so provider disputes can be traced.
func (dispatcher *Dispatcher) Receive(ctx context.Context, provider string, request payments.WebhookRequest) (Delivery, error) {
	adapter, err := dispatcher.registry.Get(provider)
	if err != nil {
		dispatcher.logger.Warn("webhook for unknown provider",
			zap.String("provider", provider))
		return Delivery{}, err
	}
	event, err := adapter.ParseWebhook(request)
	if err != nil {
		dispatcher.logger.Warn("webhook rejected",
			zap.String("provider", provider),
			zap.Error(err))
		return Delivery{}, err
	}
	if err := adapter.ValidateWebhook(event); err != nil {
		dispatcher.logger.Warn("webhook failed validation",
			zap.String("provider", provider),
			zap.String("eventType", event.Type),
			zap.Error(err))
		return Delivery{}, err
	}
	dispatcher.logger.Info("webhook received",
		zap.String("provider", provider),
		zap.String("eventType", event.Type))
	return Delivery{Adapter: adapter, Event: event}, nil
}

// Process normalizes a delivery and emits the canonical event. Events the
// adapter does not normalize are dropped after logging; emitter failures
// propagate so the provider redelivers.
func (dispatcher *Dispatcher) Process(ctx context.Context, delivery Delivery) error {
	canonical, err := delivery.Adapter.NormalizeWebhook(delivery.Event)
	if err != nil {
		dispatcher.logger.Error("webhook normalization failed",
			zap.String("provider", delivery.Event.Provider),
			zap.String("eventType", delivery.Event.Type),
			zap.Error(err))
		return err
	}
	if canonical == nil {
		dispatcher.logger.Info("webhook event dropped",
			zap.String("provider", delivery.Event.Provider),
			zap.String("eventType", delivery.Event.Type))
		return nil
	}
	switch canonical.Type {
	case payments.EventPaymentSucceeded:
		err = dispatcher.emitter.HandlePaymentSucceeded(ctx, canonical.Data)
	case payments.EventPaymentRefunded:
		err = dispatcher.emitter.HandlePaymentRefunded(ctx, canonical.Data)
	default:
		err = fmt.Errorf("unhandled canonical event type %q", canonical.Type)
	}
	if err != nil {
		dispatcher.logger.Error("webhook processing failed",
			zap.String("provider", delivery.Event.Provider),
			zap.String("eventType", canonical.Type),
			zap.String("chargeId", canonical.Data.ChargeID),
			zap.Error(err))
		return err
	}
	dispatcher.logger.Info("webhook processed",
		zap.String("provider", delivery.Event.Provider),
		zap.String("eventType", canonical.Type),
		zap.String("chargeId", canonical.Data.ChargeID))
	return nil
}
