package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

const (
	ProviderAuthnet = "authnet"

	authnetDefaultBaseURL  = "https://api.authorize.net"
	authnetSignatureHeader = "X-ANET-Signature"
	authnetSignaturePrefix = "sha512="

	authnetEventAuthCapture = "net.authorize.payment.authcapture.created"
	authnetEventRefund      = "net.authorize.payment.refund.created"
)

// AuthnetConfig configures the Authorize.Net adapter.
type AuthnetConfig struct {
	LoginID        string
	TransactionKey string
	SignatureKey   string
	BaseURL        string
}

// Authnet charges stored customer profiles and verifies X-ANET-Signature
// webhook deliveries.
type Authnet struct {
	config     AuthnetConfig
	httpClient *http.Client
}

// NewAuthnet builds the Authorize.Net adapter.
func NewAuthnet(config AuthnetConfig, httpClient *http.Client) *Authnet {
	if config.BaseURL == "" {
		config.BaseURL = authnetDefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Authnet{config: config, httpClient: httpClient}
}

// Name implements payments.Adapter.
func (authnet *Authnet) Name() string { return ProviderAuthnet }

// AckFast implements payments.Adapter. Authorize.Net treats slow responses
// as delivery failures and retries, so the endpoint acknowledges before
// processing.
func (authnet *Authnet) AckFast() bool { return true }

// Charge runs a profile-based authCaptureTransaction.
func (authnet *Authnet) Charge(ctx context.Context, request payments.ChargeRequest) (payments.ChargeResult, error) {
	if request.CustomerID == "" {
		return payments.ChargeResult{}, fmt.Errorf("authnet charge for user %s: no stored customer profile", request.UserID)
	}
	payload := map[string]any{
		"createTransactionRequest": map[string]any{
			"merchantAuthentication": map[string]any{
				"name":           authnet.config.LoginID,
				"transactionKey": authnet.config.TransactionKey,
			},
			"refId": request.UserID,
			"transactionRequest": map[string]any{
				"transactionType": "authCaptureTransaction",
				"amount":          fmt.Sprintf("%.2f", request.Amount),
				"currencyCode":    strings.ToUpper(request.Currency),
				"profile": map[string]any{
					"customerProfileId":        request.CustomerID,
					"customerPaymentProfileId": request.Instrument,
				},
				"order": map[string]any{
					"description": request.Description,
				},
			},
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return payments.ChargeResult{}, err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, authnet.config.BaseURL+"/xml/v1/request.api", bytes.NewReader(encoded))
	if err != nil {
		return payments.ChargeResult{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	response, err := authnet.httpClient.Do(httpRequest)
	if err != nil {
		return payments.ChargeResult{}, fmt.Errorf("authnet charge: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return payments.ChargeResult{}, err
	}
	if response.StatusCode != http.StatusOK {
		return payments.ChargeResult{}, fmt.Errorf("authnet charge: status %d: %s", response.StatusCode, body)
	}
	var decoded struct {
		TransactionResponse struct {
			TransID      string `json:"transId"`
			ResponseCode string `json:"responseCode"`
		} `json:"transactionResponse"`
		Messages struct {
			ResultCode string `json:"resultCode"`
		} `json:"messages"`
	}
	// Authorize.Net prefixes JSON responses with a UTF-8 BOM.
	if err := json.Unmarshal(bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF}), &decoded); err != nil {
		return payments.ChargeResult{}, fmt.Errorf("decode authnet response: %w", err)
	}
	if decoded.Messages.ResultCode != "Ok" || decoded.TransactionResponse.ResponseCode != "1" {
		return payments.ChargeResult{}, fmt.Errorf("authnet charge declined: result %s code %s", decoded.Messages.ResultCode, decoded.TransactionResponse.ResponseCode)
	}
	return payments.ChargeResult{ChargeID: decoded.TransactionResponse.TransID, Status: "captured"}, nil
}

// FetchSuccessfulCharges implements payments.Adapter. Authorize.Net exposes
// no usable cross-customer history endpoint for this integration; webhook
// deliveries are the only ingestion path.
func (authnet *Authnet) FetchSuccessfulCharges(ctx context.Context, since time.Time) ([]payments.ChargeSummary, error) {
	return nil, nil
}

// FetchRefundedCharges implements payments.Adapter.
func (authnet *Authnet) FetchRefundedCharges(ctx context.Context, since time.Time) ([]payments.RefundSummary, error) {
	return nil, nil
}

// ParseWebhook verifies the X-ANET-Signature HMAC-SHA512 over the raw body.
func (authnet *Authnet) ParseWebhook(request payments.WebhookRequest) (payments.RawEvent, error) {
	header := request.Header.Get(authnetSignatureHeader)
	if !strings.HasPrefix(strings.ToLower(header), authnetSignaturePrefix) {
		return payments.RawEvent{}, fmt.Errorf("%w: missing %s header", ErrBadSignature, authnetSignatureHeader)
	}
	provided := strings.ToLower(header[len(authnetSignaturePrefix):])
	mac := hmac.New(sha512.New, []byte(authnet.config.SignatureKey))
	mac.Write(request.Body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return payments.RawEvent{}, ErrBadSignature
	}

	var event struct {
		EventType string         `json:"eventType"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(request.Body, &event); err != nil {
		return payments.RawEvent{}, fmt.Errorf("decode authnet event: %w", err)
	}
	return payments.RawEvent{
		Provider: ProviderAuthnet,
		Type:     event.EventType,
		Payload:  event.Payload,
	}, nil
}

// ValidateWebhook implements payments.Adapter.
func (authnet *Authnet) ValidateWebhook(event payments.RawEvent) error {
	if event.Type == "" {
		return errors.New("authnet event without eventType")
	}
	if len(event.Payload) == 0 {
		return errors.New("authnet event without payload")
	}
	return nil
}

// NormalizeWebhook maps authcapture and refund notifications to canonical
// events.
func (authnet *Authnet) NormalizeWebhook(event payments.RawEvent) (*payments.CanonicalEvent, error) {
	switch event.Type {
	case authnetEventAuthCapture:
		data, err := authnetEventData(event.Payload)
		if err != nil {
			return nil, err
		}
		return &payments.CanonicalEvent{Type: payments.EventPaymentSucceeded, Data: data}, nil
	case authnetEventRefund:
		data, err := authnetEventData(event.Payload)
		if err != nil {
			return nil, err
		}
		return &payments.CanonicalEvent{Type: payments.EventPaymentRefunded, Data: data}, nil
	default:
		return nil, nil
	}
}

func authnetEventData(payload map[string]any) (payments.EventData, error) {
	transactionID, _ := payload["id"].(string)
	if transactionID == "" {
		return payments.EventData{}, errors.New("authnet payload without transaction id")
	}
	amount, _ := payload["authAmount"].(float64)
	userID, _ := payload["merchantReferenceId"].(string)
	var customerID string
	if profile, ok := payload["profile"].(map[string]any); ok {
		customerID, _ = profile["customerProfileId"].(string)
	}
	return payments.EventData{
		Provider:   ProviderAuthnet,
		ChargeID:   transactionID,
		CustomerID: customerID,
		UserID:     userID,
		Amount:     amount,
		Currency:   "USD",
		Metadata:   map[string]string{},
	}, nil
}
