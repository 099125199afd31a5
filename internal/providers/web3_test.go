package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

const (
	web3Secret   = "monitor-secret"
	web3Treasury = "0xTREASURY00000000000000000000000000000001"
)

func web3Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func web3WebhookRequest(body []byte, signature string) payments.WebhookRequest {
	header := http.Header{}
	header.Set(web3SignatureHeader, signature)
	return payments.WebhookRequest{Header: header, Body: body}
}

func newTestWeb3() *Web3 {
	return NewWeb3(Web3Config{SharedSecret: web3Secret, TreasuryAddress: web3Treasury})
}

func TestWeb3AcceptsConfirmedTransfer(test *testing.T) {
	adapter := newTestWeb3()
	body := []byte(`{"type":"erc20_transfer","payload":{"status":"confirmed","txHash":"0xabc","to":"` + web3Treasury + `","from":"0xSENDER","amount":12.5,"token":"usdc","userId":"alice"}}`)

	event, err := adapter.ParseWebhook(web3WebhookRequest(body, web3Sign(web3Secret, body)))
	require.NoError(test, err)
	require.NoError(test, adapter.ValidateWebhook(event))

	canonical, err := adapter.NormalizeWebhook(event)
	require.NoError(test, err)
	require.NotNil(test, canonical)
	assert.Equal(test, payments.EventPaymentSucceeded, canonical.Type)
	assert.Equal(test, "0xabc", canonical.Data.ChargeID)
	assert.Equal(test, "alice", canonical.Data.UserID)
	assert.Equal(test, 12.5, canonical.Data.Amount)
	assert.Equal(test, "USDC", canonical.Data.Currency)
}

func TestWeb3RejectsBadSignature(test *testing.T) {
	adapter := newTestWeb3()
	body := []byte(`{"type":"erc20_transfer","payload":{}}`)

	_, err := adapter.ParseWebhook(web3WebhookRequest(body, web3Sign("wrong", body)))
	require.ErrorIs(test, err, ErrBadSignature)
}

func TestWeb3ValidateRejectsUnconfirmedAndForeignTransfers(test *testing.T) {
	adapter := newTestWeb3()

	err := adapter.ValidateWebhook(payments.RawEvent{
		Type:    web3EventTokenTransfer,
		Payload: map[string]any{"status": "pending", "to": web3Treasury},
	})
	require.Error(test, err)

	err = adapter.ValidateWebhook(payments.RawEvent{
		Type:    web3EventTokenTransfer,
		Payload: map[string]any{"status": web3StatusConfirmed, "to": "0xSOMEONEELSE"},
	})
	require.Error(test, err)
}

func TestWeb3ChargeUnsupported(test *testing.T) {
	adapter := newTestWeb3()
	_, err := adapter.Charge(context.Background(), payments.ChargeRequest{UserID: "alice", Amount: 1, Currency: "USD"})
	require.ErrorIs(test, err, ErrChargeUnsupported)
}
