package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

const (
	ProviderWeb3 = "web3"

	web3SignatureHeader = "X-Signature"

	web3EventTokenTransfer = "erc20_transfer"
	web3StatusConfirmed    = "confirmed"
)

// ErrChargeUnsupported is returned by providers that cannot pull funds; the
// user initiates the payment from their own wallet.
var ErrChargeUnsupported = errors.New("provider cannot initiate charges")

// Web3Config configures the web3 transfer-monitor adapter.
type Web3Config struct {
	// SharedSecret signs webhook deliveries from the chain monitor.
	SharedSecret string
	// TreasuryAddress is the receiving wallet; transfers to any other
	// address are rejected.
	TreasuryAddress string
}

// Web3 ingests confirmed on-chain token transfers reported by a chain
// monitor. It cannot charge: wallets only push.
type Web3 struct {
	config Web3Config
}

// NewWeb3 builds the web3 adapter.
func NewWeb3(config Web3Config) *Web3 {
	return &Web3{config: config}
}

// Name implements payments.Adapter.
func (web3 *Web3) Name() string { return ProviderWeb3 }

// AckFast implements payments.Adapter.
func (web3 *Web3) AckFast() bool { return false }

// Charge implements payments.Adapter.
func (web3 *Web3) Charge(ctx context.Context, request payments.ChargeRequest) (payments.ChargeResult, error) {
	return payments.ChargeResult{}, fmt.Errorf("%w: web3 payments are wallet-initiated", ErrChargeUnsupported)
}

// FetchSuccessfulCharges implements payments.Adapter. The chain monitor
// pushes every confirmed transfer; there is no pull API.
func (web3 *Web3) FetchSuccessfulCharges(ctx context.Context, since time.Time) ([]payments.ChargeSummary, error) {
	return nil, nil
}

// FetchRefundedCharges implements payments.Adapter. Token transfers are not
// refundable.
func (web3 *Web3) FetchRefundedCharges(ctx context.Context, since time.Time) ([]payments.RefundSummary, error) {
	return nil, nil
}

// ParseWebhook verifies the X-Signature HMAC-SHA256 over the raw body.
func (web3 *Web3) ParseWebhook(request payments.WebhookRequest) (payments.RawEvent, error) {
	provided := strings.ToLower(request.Header.Get(web3SignatureHeader))
	if provided == "" {
		return payments.RawEvent{}, fmt.Errorf("%w: missing %s header", ErrBadSignature, web3SignatureHeader)
	}
	mac := hmac.New(sha256.New, []byte(web3.config.SharedSecret))
	mac.Write(request.Body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return payments.RawEvent{}, ErrBadSignature
	}

	var event struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(request.Body, &event); err != nil {
		return payments.RawEvent{}, fmt.Errorf("decode web3 event: %w", err)
	}
	return payments.RawEvent{
		Provider: ProviderWeb3,
		Type:     event.Type,
		Payload:  event.Payload,
	}, nil
}

// ValidateWebhook accepts only confirmed transfers into the treasury
// address. Pending and reorged transfers never reach normalization.
func (web3 *Web3) ValidateWebhook(event payments.RawEvent) error {
	if event.Type != web3EventTokenTransfer {
		return nil
	}
	status, _ := event.Payload["status"].(string)
	if status != web3StatusConfirmed {
		return fmt.Errorf("transfer not confirmed: status %q", status)
	}
	destination, _ := event.Payload["to"].(string)
	if !strings.EqualFold(destination, web3.config.TreasuryAddress) {
		return fmt.Errorf("transfer to foreign address %q", destination)
	}
	return nil
}

// NormalizeWebhook maps confirmed token transfers to paymentSucceeded. The
// transaction hash doubles as the charge id.
func (web3 *Web3) NormalizeWebhook(event payments.RawEvent) (*payments.CanonicalEvent, error) {
	if event.Type != web3EventTokenTransfer {
		return nil, nil
	}
	transactionHash, _ := event.Payload["txHash"].(string)
	if transactionHash == "" {
		return nil, errors.New("web3 transfer without txHash")
	}
	amount, _ := event.Payload["amount"].(float64)
	token, _ := event.Payload["token"].(string)
	sender, _ := event.Payload["from"].(string)
	userID, _ := event.Payload["userId"].(string)
	return &payments.CanonicalEvent{
		Type: payments.EventPaymentSucceeded,
		Data: payments.EventData{
			Provider:   ProviderWeb3,
			ChargeID:   transactionHash,
			CustomerID: strings.ToLower(sender),
			UserID:     userID,
			Amount:     amount,
			Currency:   strings.ToUpper(token),
			Metadata:   map[string]string{"from": strings.ToLower(sender)},
		},
	}, nil
}
