// Package payments defines the provider adapter contract: how the
// orchestration core charges customers, reconciles provider history, and
// turns provider-specific webhooks into canonical payment events.
package payments

import (
	"context"
	"net/http"
	"time"
)

// Canonical event types emitted by NormalizeWebhook.
const (
	EventPaymentSucceeded = "paymentSucceeded"
	EventPaymentRefunded  = "paymentRefunded"
)

// ChargeRequest asks a provider to charge a customer. Metadata is echoed
// back by the provider on webhooks and fetches; it carries the userId and
// intent linkage.
type ChargeRequest struct {
	UserID      string
	CustomerID  string
	Amount      float64
	Currency    string
	Description string
	// Instrument is the provider-specific payment instrument reference
	// (Stripe payment method, Authorize.Net profile, wallet address).
	Instrument string
	Metadata   map[string]string
}

// ChargeResult is the provider's synchronous answer to a charge attempt.
// The authoritative success signal still arrives via webhook.
type ChargeResult struct {
	ChargeID string
	Status   string
	Raw      map[string]any
}

// ChargeSummary is one successful charge from the provider's history,
// used by reconciliation.
type ChargeSummary struct {
	ChargeID       string
	CustomerID     string
	UserID         string
	Amount         float64
	Currency       string
	Metadata       map[string]string
	CreatedUnixUTC int64
}

// RefundSummary is one refunded charge from the provider's history.
type RefundSummary struct {
	ChargeID        string
	Amount          float64
	Currency        string
	RefundedUnixUTC int64
}

// WebhookRequest is the raw inbound webhook delivery.
type WebhookRequest struct {
	Header http.Header
	Body   []byte
}

// RawEvent is a signature-verified, decoded provider event that has not
// been normalized yet.
type RawEvent struct {
	Provider string
	Type     string
	Payload  map[string]any
}

// CanonicalEvent is the provider-independent payment event handed to the
// update pipeline.
type CanonicalEvent struct {
	Type string
	Data EventData
}

// EventData carries the normalized payment facts.
type EventData struct {
	Provider   string
	ChargeID   string
	CustomerID string
	UserID     string
	Amount     float64
	Currency   string
	Metadata   map[string]string
}

// Adapter is implemented once per payment provider. ParseWebhook must
// authenticate the delivery (constant-time signature comparison) before
// decoding; ValidateWebhook applies provider-specific acceptance rules;
// NormalizeWebhook maps accepted events to canonical ones and returns nil
// for event types the pipeline does not act on.
type Adapter interface {
	Name() string
	Charge(ctx context.Context, request ChargeRequest) (ChargeResult, error)
	FetchSuccessfulCharges(ctx context.Context, since time.Time) ([]ChargeSummary, error)
	FetchRefundedCharges(ctx context.Context, since time.Time) ([]RefundSummary, error)
	ParseWebhook(request WebhookRequest) (RawEvent, error)
	ValidateWebhook(event RawEvent) error
	NormalizeWebhook(event RawEvent) (*CanonicalEvent, error)
	// AckFast reports whether the provider requires an HTTP 200 before
	// processing finishes, with processing continuing in the background.
	AckFast() bool
}
