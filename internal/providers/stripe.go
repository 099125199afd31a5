// Package providers implements the payment provider adapters: Stripe,
// Authorize.Net, and a web3 token-transfer gateway.
package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

const (
	ProviderStripe = "stripe"

	stripeDefaultBaseURL   = "https://api.stripe.com"
	stripeSignatureHeader  = "Stripe-Signature"
	stripeDefaultTolerance = 5 * time.Minute

	stripeEventPaymentIntentSucceeded = "payment_intent.succeeded"
	stripeEventChargeRefunded         = "charge.refunded"
)

// ErrBadSignature is returned when a webhook delivery fails authentication.
var ErrBadSignature = errors.New("webhook signature verification failed")

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Tolerance     time.Duration
}

// Stripe charges stored payment methods off-session and verifies
// Stripe-Signature webhook deliveries.
type Stripe struct {
	config     StripeConfig
	httpClient *http.Client
	nowFn      func() time.Time
}

// NewStripe builds the Stripe adapter.
func NewStripe(config StripeConfig, httpClient *http.Client) *Stripe {
	if config.BaseURL == "" {
		config.BaseURL = stripeDefaultBaseURL
	}
	if config.Tolerance <= 0 {
		config.Tolerance = stripeDefaultTolerance
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Stripe{config: config, httpClient: httpClient, nowFn: time.Now}
}

// WithClock overrides the adapter clock.
func (stripe *Stripe) WithClock(now func() time.Time) *Stripe {
	stripe.nowFn = now
	return stripe
}

// Name implements payments.Adapter.
func (stripe *Stripe) Name() string { return ProviderStripe }

// AckFast implements payments.Adapter. Stripe tolerates processing before
// the response as long as it finishes inside its delivery timeout.
func (stripe *Stripe) AckFast() bool { return false }

// Charge creates and confirms an off-session payment intent against the
// customer's stored payment method. Amounts are converted to cents.
func (stripe *Stripe) Charge(ctx context.Context, request payments.ChargeRequest) (payments.ChargeResult, error) {
	if request.CustomerID == "" {
		return payments.ChargeResult{}, fmt.Errorf("stripe charge for user %s: no stored customer", request.UserID)
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(int64(request.Amount*100+0.5), 10))
	form.Set("currency", strings.ToLower(request.Currency))
	form.Set("customer", request.CustomerID)
	form.Set("off_session", "true")
	form.Set("confirm", "true")
	if request.Instrument != "" {
		form.Set("payment_method", request.Instrument)
	}
	if request.Description != "" {
		form.Set("description", request.Description)
	}
	form.Set("metadata[userId]", request.UserID)
	for key, value := range request.Metadata {
		form.Set("metadata["+key+"]", value)
	}

	var intent struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := stripe.post(ctx, "/v1/payment_intents", form, &intent); err != nil {
		return payments.ChargeResult{}, err
	}
	return payments.ChargeResult{ChargeID: intent.ID, Status: intent.Status}, nil
}

// FetchSuccessfulCharges lists paid, non-refunded charges created since the
// given time.
func (stripe *Stripe) FetchSuccessfulCharges(ctx context.Context, since time.Time) ([]payments.ChargeSummary, error) {
	charges, err := stripe.listCharges(ctx, since)
	if err != nil {
		return nil, err
	}
	var summaries []payments.ChargeSummary
	for _, charge := range charges {
		if !charge.Paid || charge.Refunded {
			continue
		}
		summaries = append(summaries, payments.ChargeSummary{
			ChargeID:       charge.ID,
			CustomerID:     charge.Customer,
			UserID:         charge.Metadata["userId"],
			Amount:         float64(charge.Amount) / 100,
			Currency:       strings.ToUpper(charge.Currency),
			Metadata:       charge.Metadata,
			CreatedUnixUTC: charge.Created,
		})
	}
	return summaries, nil
}

// FetchRefundedCharges lists refunded charges created since the given time.
func (stripe *Stripe) FetchRefundedCharges(ctx context.Context, since time.Time) ([]payments.RefundSummary, error) {
	charges, err := stripe.listCharges(ctx, since)
	if err != nil {
		return nil, err
	}
	var summaries []payments.RefundSummary
	for _, charge := range charges {
		if !charge.Refunded {
			continue
		}
		summaries = append(summaries, payments.RefundSummary{
			ChargeID:        charge.ID,
			Amount:          float64(charge.AmountRefunded) / 100,
			Currency:        strings.ToUpper(charge.Currency),
			RefundedUnixUTC: charge.Created,
		})
	}
	return summaries, nil
}

// ParseWebhook authenticates a Stripe-Signature delivery. The signed payload
// is "<timestamp>.<body>"; any v1 candidate may match, compared in constant
// time, and the timestamp must be within the configured tolerance.
func (stripe *Stripe) ParseWebhook(request payments.WebhookRequest) (payments.RawEvent, error) {
	header := request.Header.Get(stripeSignatureHeader)
	if header == "" {
		return payments.RawEvent{}, fmt.Errorf("%w: missing %s header", ErrBadSignature, stripeSignatureHeader)
	}
	var timestamp int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return payments.RawEvent{}, fmt.Errorf("%w: bad timestamp", ErrBadSignature)
			}
			timestamp = parsed
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == 0 || len(candidates) == 0 {
		return payments.RawEvent{}, fmt.Errorf("%w: malformed %s header", ErrBadSignature, stripeSignatureHeader)
	}
	age := stripe.nowFn().UTC().Sub(time.Unix(timestamp, 0).UTC())
	if age > stripe.config.Tolerance || age < -stripe.config.Tolerance {
		return payments.RawEvent{}, fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, []byte(stripe.config.WebhookSecret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(request.Body)
	expected := hex.EncodeToString(mac.Sum(nil))
	matched := false
	for _, candidate := range candidates {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			matched = true
		}
	}
	if !matched {
		return payments.RawEvent{}, ErrBadSignature
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			Object map[string]any `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(request.Body, &event); err != nil {
		return payments.RawEvent{}, fmt.Errorf("decode stripe event: %w", err)
	}
	return payments.RawEvent{
		Provider: ProviderStripe,
		Type:     event.Type,
		Payload:  event.Data.Object,
	}, nil
}

// ValidateWebhook implements payments.Adapter.
func (stripe *Stripe) ValidateWebhook(event payments.RawEvent) error {
	if event.Type == "" {
		return errors.New("stripe event without type")
	}
	if len(event.Payload) == 0 {
		return errors.New("stripe event without data object")
	}
	return nil
}

// NormalizeWebhook maps payment_intent.succeeded and charge.refunded to
// canonical events and drops everything else.
func (stripe *Stripe) NormalizeWebhook(event payments.RawEvent) (*payments.CanonicalEvent, error) {
	switch event.Type {
	case stripeEventPaymentIntentSucceeded:
		data, err := stripeEventData(event.Payload)
		if err != nil {
			return nil, err
		}
		return &payments.CanonicalEvent{Type: payments.EventPaymentSucceeded, Data: data}, nil
	case stripeEventChargeRefunded:
		data, err := stripeEventData(event.Payload)
		if err != nil {
			return nil, err
		}
		return &payments.CanonicalEvent{Type: payments.EventPaymentRefunded, Data: data}, nil
	default:
		return nil, nil
	}
}

func stripeEventData(object map[string]any) (payments.EventData, error) {
	chargeID, _ := object["id"].(string)
	if chargeID == "" {
		return payments.EventData{}, errors.New("stripe object without id")
	}
	amountCents, _ := object["amount"].(float64)
	currency, _ := object["currency"].(string)
	customerID, _ := object["customer"].(string)
	metadata := map[string]string{}
	if rawMetadata, ok := object["metadata"].(map[string]any); ok {
		for key, value := range rawMetadata {
			if text, ok := value.(string); ok {
				metadata[key] = text
			}
		}
	}
	return payments.EventData{
		Provider:   ProviderStripe,
		ChargeID:   chargeID,
		CustomerID: customerID,
		UserID:     metadata["userId"],
		Amount:     amountCents / 100,
		Currency:   strings.ToUpper(currency),
		Metadata:   metadata,
	}, nil
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Customer       string            `json:"customer"`
	Paid           bool              `json:"paid"`
	Refunded       bool              `json:"refunded"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

func (stripe *Stripe) listCharges(ctx context.Context, since time.Time) ([]stripeCharge, error) {
	query := url.Values{}
	query.Set("limit", "100")
	if !since.IsZero() {
		query.Set("created[gte]", strconv.FormatInt(since.Unix(), 10))
	}
	requestURL := stripe.config.BaseURL + "/v1/charges?" + query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+stripe.config.SecretKey)
	response, err := stripe.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("stripe list charges: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stripe list charges: status %d: %s", response.StatusCode, body)
	}
	var page struct {
		Data []stripeCharge `json:"data"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode stripe charges: %w", err)
	}
	return page.Data, nil
}

func (stripe *Stripe) post(ctx context.Context, path string, form url.Values, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, stripe.config.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+stripe.config.SecretKey)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, err := stripe.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("stripe %s: %w", path, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("stripe %s: status %d: %s", path, response.StatusCode, body)
	}
	return json.Unmarshal(body, target)
}
