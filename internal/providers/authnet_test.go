package providers

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

const authnetSignatureKey = "anet-signature-key"

func authnetSign(key string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func authnetWebhookRequest(body []byte, signature string) payments.WebhookRequest {
	header := http.Header{}
	header.Set(authnetSignatureHeader, "sha512="+signature)
	return payments.WebhookRequest{Header: header, Body: body}
}

func TestAuthnetParseWebhookAcceptsValidSignature(test *testing.T) {
	adapter := NewAuthnet(AuthnetConfig{SignatureKey: authnetSignatureKey}, nil)
	body := []byte(`{"eventType":"net.authorize.payment.authcapture.created","payload":{"id":"trans-1","authAmount":9.5,"merchantReferenceId":"alice","profile":{"customerProfileId":"prof-1"}}}`)

	event, err := adapter.ParseWebhook(authnetWebhookRequest(body, authnetSign(authnetSignatureKey, body)))
	require.NoError(test, err)
	require.NoError(test, adapter.ValidateWebhook(event))

	canonical, err := adapter.NormalizeWebhook(event)
	require.NoError(test, err)
	require.NotNil(test, canonical)
	assert.Equal(test, payments.EventPaymentSucceeded, canonical.Type)
	assert.Equal(test, "trans-1", canonical.Data.ChargeID)
	assert.Equal(test, "alice", canonical.Data.UserID)
	assert.Equal(test, "prof-1", canonical.Data.CustomerID)
	assert.Equal(test, 9.5, canonical.Data.Amount)
}

func TestAuthnetParseWebhookRejectsBadSignature(test *testing.T) {
	adapter := NewAuthnet(AuthnetConfig{SignatureKey: authnetSignatureKey}, nil)
	body := []byte(`{"eventType":"net.authorize.payment.authcapture.created","payload":{"id":"trans-1"}}`)

	_, err := adapter.ParseWebhook(authnetWebhookRequest(body, authnetSign("wrong-key", body)))
	require.ErrorIs(test, err, ErrBadSignature)

	_, err = adapter.ParseWebhook(payments.WebhookRequest{Header: http.Header{}, Body: body})
	require.ErrorIs(test, err, ErrBadSignature)
}

func TestAuthnetNormalizeRefund(test *testing.T) {
	adapter := NewAuthnet(AuthnetConfig{SignatureKey: authnetSignatureKey}, nil)
	canonical, err := adapter.NormalizeWebhook(payments.RawEvent{
		Provider: ProviderAuthnet,
		Type:     authnetEventRefund,
		Payload:  map[string]any{"id": "trans-1", "authAmount": 9.5},
	})
	require.NoError(test, err)
	require.NotNil(test, canonical)
	assert.Equal(test, payments.EventPaymentRefunded, canonical.Type)
}

func TestAuthnetNormalizeDropsUnknownEvents(test *testing.T) {
	adapter := NewAuthnet(AuthnetConfig{SignatureKey: authnetSignatureKey}, nil)
	canonical, err := adapter.NormalizeWebhook(payments.RawEvent{
		Provider: ProviderAuthnet,
		Type:     "net.authorize.customer.created",
		Payload:  map[string]any{"id": "prof-1"},
	})
	require.NoError(test, err)
	assert.Nil(test, canonical)
}
