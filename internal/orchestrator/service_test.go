package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/intent"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

type memoryLedgerStore struct {
	mu       sync.Mutex
	accounts map[string]ledger.Account
	entries  []ledger.Entry
	txErr    error // fails the next transaction once when set
}

func newMemoryLedgerStore() *memoryLedgerStore {
	return &memoryLedgerStore{accounts: map[string]ledger.Account{}}
}

func ledgerKey(communityID string, ownerID string) string {
	return communityID + "/" + ownerID
}

func (store *memoryLedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.txErr != nil {
		err := store.txErr
		store.txErr = nil
		return err
	}
	snapshot := &memoryLedgerStore{
		accounts: make(map[string]ledger.Account, len(store.accounts)),
		entries:  append([]ledger.Entry(nil), store.entries...),
	}
	for key, account := range store.accounts {
		snapshot.accounts[key] = account
	}
	if err := fn(ctx, snapshot); err != nil {
		return err
	}
	store.accounts = snapshot.accounts
	store.entries = snapshot.entries
	return nil
}

func (store *memoryLedgerStore) GetAccount(ctx context.Context, communityID string, ownerID string) (ledger.Account, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, found := store.accounts[ledgerKey(communityID, ownerID)]
	return account, found, nil
}

func (store *memoryLedgerStore) LockAccount(ctx context.Context, communityID string, ownerID string) (ledger.Account, error) {
	key := ledgerKey(communityID, ownerID)
	account, found := store.accounts[key]
	if !found {
		account = ledger.Account{CommunityID: communityID, OwnerID: ownerID}
		store.accounts[key] = account
	}
	return account, nil
}

func (store *memoryLedgerStore) SaveBalance(ctx context.Context, account ledger.Account) error {
	store.accounts[ledgerKey(account.CommunityID, account.OwnerID)] = account
	return nil
}

func (store *memoryLedgerStore) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	store.entries = append(store.entries, entry)
	return nil
}

func (store *memoryLedgerStore) ListEntries(ctx context.Context, communityID string, ownerID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return nil, nil
}

type memoryIntentStore struct {
	intents map[string]intent.Intent
}

func newMemoryIntentStore() *memoryIntentStore {
	return &memoryIntentStore{intents: map[string]intent.Intent{}}
}

func (store *memoryIntentStore) CreateIntent(ctx context.Context, record intent.Intent) error {
	store.intents[record.ID] = record
	return nil
}

func (store *memoryIntentStore) GetIntent(ctx context.Context, intentID string) (intent.Intent, error) {
	record, found := store.intents[intentID]
	if !found {
		return intent.Intent{}, intent.ErrNotFound
	}
	return record, nil
}

func (store *memoryIntentStore) UpdateIntentState(ctx context.Context, intentID string, from intent.State, to intent.State) error {
	record, found := store.intents[intentID]
	if !found {
		return intent.ErrNotFound
	}
	if record.State != from {
		return intent.ErrClosed
	}
	record.State = to
	store.intents[intentID] = record
	return nil
}

type memoryChargeStore struct {
	charges map[string]Charge
}

func newMemoryChargeStore() *memoryChargeStore {
	return &memoryChargeStore{charges: map[string]Charge{}}
}

func chargeKey(provider string, providerChargeID string) string {
	return provider + "/" + providerChargeID
}

func (store *memoryChargeStore) InsertCharge(ctx context.Context, record Charge) (bool, error) {
	key := chargeKey(record.Provider, record.ProviderChargeID)
	if _, exists := store.charges[key]; exists {
		return false, nil
	}
	store.charges[key] = record
	return true, nil
}

func (store *memoryChargeStore) GetCharge(ctx context.Context, provider string, providerChargeID string) (Charge, bool, error) {
	record, found := store.charges[chargeKey(provider, providerChargeID)]
	return record, found, nil
}

func (store *memoryChargeStore) UpdateChargeStatus(ctx context.Context, provider string, providerChargeID string, from string, to string) (bool, error) {
	key := chargeKey(provider, providerChargeID)
	record, found := store.charges[key]
	if !found || record.Status != from {
		return false, nil
	}
	record.Status = to
	store.charges[key] = record
	return true, nil
}

func (store *memoryChargeStore) LatestChargeUnixUTC(ctx context.Context, provider string) (int64, error) {
	var latest int64
	for _, record := range store.charges {
		if record.Provider == provider && record.CreatedUnixUTC > latest {
			latest = record.CreatedUnixUTC
		}
	}
	return latest, nil
}

type scriptedAdapter struct {
	name        string
	chargeCalls int
	chargeErr   error
	charges     []payments.ChargeSummary
	refunds     []payments.RefundSummary
}

func (adapter *scriptedAdapter) Name() string { return adapter.name }

func (adapter *scriptedAdapter) AckFast() bool { return false }

func (adapter *scriptedAdapter) Charge(ctx context.Context, request payments.ChargeRequest) (payments.ChargeResult, error) {
	adapter.chargeCalls++
	if adapter.chargeErr != nil {
		return payments.ChargeResult{}, adapter.chargeErr
	}
	return payments.ChargeResult{ChargeID: "ch_auto_1", Status: "succeeded"}, nil
}

func (adapter *scriptedAdapter) FetchSuccessfulCharges(ctx context.Context, since time.Time) ([]payments.ChargeSummary, error) {
	return adapter.charges, nil
}

func (adapter *scriptedAdapter) FetchRefundedCharges(ctx context.Context, since time.Time) ([]payments.RefundSummary, error) {
	return adapter.refunds, nil
}

func (adapter *scriptedAdapter) ParseWebhook(request payments.WebhookRequest) (payments.RawEvent, error) {
	return payments.RawEvent{}, nil
}

func (adapter *scriptedAdapter) ValidateWebhook(event payments.RawEvent) error { return nil }

func (adapter *scriptedAdapter) NormalizeWebhook(event payments.RawEvent) (*payments.CanonicalEvent, error) {
	return nil, nil
}

type fixture struct {
	service       *Service
	ledgerService *ledger.Service
	ledgerStore   *memoryLedgerStore
	intentStore   *memoryIntentStore
	chargeStore   *memoryChargeStore
	adapter       *scriptedAdapter
}

func newFixture(test *testing.T, config Config) *fixture {
	test.Helper()
	ledgerStore := newMemoryLedgerStore()
	intentStore := newMemoryIntentStore()
	chargeStore := newMemoryChargeStore()
	adapter := &scriptedAdapter{name: "stripe"}

	var orchestratorService *Service
	topUp := func(ctx context.Context, request ledger.TopUpRequest) error {
		return orchestratorService.TopUp(ctx, request)
	}
	ledgerService, err := ledger.NewService(ledgerStore, ledger.ExchangeRates{"USD": 100},
		func() int64 { return time.Now().Unix() },
		ledger.WithTopUp(topUp))
	require.NoError(test, err)

	intentService, err := intent.NewService(intentStore, []byte("secret"), time.Hour, nil)
	require.NoError(test, err)

	registry, err := payments.NewRegistry(adapter)
	require.NoError(test, err)

	if config.DefaultCommunity == "" {
		config.DefaultCommunity = "community"
	}
	if config.Tokenless == nil {
		config.Tokenless = map[string]AmountRange{
			ledger.ReasonJoinedPaidStream: {Min: 0, Max: 1000},
			ledger.ReasonPaymentToUser:    {Min: 0, Max: 1000},
		}
	}
	customerOf := func(ctx context.Context, provider string, userID string) (string, string, error) {
		return "cus_" + userID, "pm_" + userID, nil
	}
	orchestratorService, err = NewService(ledgerService, intentService, registry, chargeStore, nil, config, nil, customerOf, zap.NewNop())
	require.NoError(test, err)

	return &fixture{
		service:       orchestratorService,
		ledgerService: ledgerService,
		ledgerStore:   ledgerStore,
		intentStore:   intentStore,
		chargeStore:   chargeStore,
		adapter:       adapter,
	}
}

func (f *fixture) grant(test *testing.T, userID string, amount float64) {
	test.Helper()
	_, err := f.ledgerService.Grant(context.Background(), "community", amount, ledger.ReasonBoughtCredits, userID, nil)
	require.NoError(test, err)
}

func (f *fixture) balance(test *testing.T, userID string) float64 {
	test.Helper()
	balance, err := f.ledgerService.Amount(context.Background(), "community", userID)
	require.NoError(test, err)
	return balance
}

func TestPayTokenlessSpendSucceeds(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 100)

	result := f.service.Pay(context.Background(), PayRequest{
		CommunityID:   "community",
		UserID:        "alice",
		Operation:     OperationSpend,
		Amount:        60,
		Reason:        ledger.ReasonJoinedPaidStream,
		ToPublisherID: "publisher",
		ToStreamName:  "concert",
	})
	assert.Equal(test, StatusOK, result.Status)
	assert.Equal(test, 60.0, result.Amount)
	assert.Equal(test, 40.0, f.balance(test, "alice"))
}

func TestPayRejectsNonWhitelistedReasonWithoutIntent(test *testing.T) {
	f := newFixture(test, Config{Tokenless: map[string]AmountRange{}})
	f.grant(test, "alice", 100)

	result := f.service.Pay(context.Background(), PayRequest{
		CommunityID: "community",
		UserID:      "alice",
		Operation:   OperationSpend,
		Amount:      10,
		Reason:      ledger.ReasonJoinedPaidStream,
	})
	assert.Equal(test, StatusNotAuthorized, result.Status)
	assert.Equal(test, 100.0, f.balance(test, "alice"))
}

func TestPayRejectsTokenlessAmountOutOfRange(test *testing.T) {
	f := newFixture(test, Config{Tokenless: map[string]AmountRange{
		ledger.ReasonJoinedPaidStream: {Min: 1, Max: 50},
	}})
	f.grant(test, "alice", 100)

	result := f.service.Pay(context.Background(), PayRequest{
		CommunityID: "community",
		UserID:      "alice",
		Operation:   OperationSpend,
		Amount:      75,
		Reason:      ledger.ReasonJoinedPaidStream,
	})
	assert.Equal(test, StatusNotAuthorized, result.Status)
}

func TestPayShortfallIssuesIntent(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 10)

	result := f.service.Pay(context.Background(), PayRequest{
		CommunityID:   "community",
		UserID:        "alice",
		Operation:     OperationSpend,
		Amount:        50,
		Reason:        ledger.ReasonJoinedPaidStream,
		ToPublisherID: "publisher",
		ToStreamName:  "concert",
	})
	require.Equal(test, StatusIntentRequired, result.Status)
	assert.Equal(test, 40.0, result.MissingCredits)
	assert.Equal(test, 0.4, result.ChargeAmount)
	assert.Equal(test, "USD", result.Currency)
	assert.NotEmpty(test, result.IntentToken)
	assert.Equal(test, 10.0, f.balance(test, "alice"), "balance must be untouched")
	assert.Len(test, f.intentStore.intents, 1)
}

func TestPayWithIntentUsesStoredInstructions(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 10)

	issued := f.service.Pay(context.Background(), PayRequest{
		CommunityID:   "community",
		UserID:        "alice",
		Operation:     OperationSpend,
		Amount:        50,
		Reason:        ledger.ReasonJoinedPaidStream,
		ToPublisherID: "publisher",
		ToStreamName:  "concert",
	})
	require.Equal(test, StatusIntentRequired, issued.Status)

	// Payment lands out of band.
	f.grant(test, "alice", 40)

	// The client echoes a tampered amount; the stored instructions win.
	result := f.service.Pay(context.Background(), PayRequest{
		CommunityID: "community",
		UserID:      "alice",
		Operation:   OperationSpend,
		Amount:      1,
		Reason:      ledger.ReasonJoinedPaidStream,
		IntentToken: issued.IntentToken,
	})
	require.Equal(test, StatusOK, result.Status)
	assert.Equal(test, 50.0, result.Amount)
	assert.Equal(test, 0.0, f.balance(test, "alice"))

	// Second redemption of the same token fails.
	replay := f.service.Pay(context.Background(), PayRequest{
		CommunityID: "community",
		UserID:      "alice",
		IntentToken: issued.IntentToken,
	})
	assert.Equal(test, StatusNotAuthorized, replay.Status)
}

func TestPayWithIntentRejectsOtherUser(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 10)

	issued := f.service.Pay(context.Background(), PayRequest{
		CommunityID: "community",
		UserID:      "alice",
		Operation:   OperationSpend,
		Amount:      50,
		Reason:      ledger.ReasonJoinedPaidStream,
	})
	require.Equal(test, StatusIntentRequired, issued.Status)

	result := f.service.Pay(context.Background(), PayRequest{
		CommunityID: "community",
		UserID:      "mallory",
		IntentToken: issued.IntentToken,
	})
	assert.Equal(test, StatusNotAuthorized, result.Status)
	for _, record := range f.intentStore.intents {
		assert.Equal(test, intent.StatePending, record.State, "intent must stay pending")
	}
}

func TestAutoChargeCompletesOperation(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 10)

	result := f.service.Pay(context.Background(), PayRequest{
		CommunityID:   "community",
		UserID:        "alice",
		Operation:     OperationSpend,
		Amount:        50,
		Reason:        ledger.ReasonJoinedPaidStream,
		ToPublisherID: "publisher",
		ToStreamName:  "concert",
		AutoCharge:    true,
	})
	require.Equal(test, StatusOK, result.Status)
	assert.Equal(test, 1, f.adapter.chargeCalls)
	assert.Equal(test, 0.0, f.balance(test, "alice"))
	// 0.40 USD at 100 credits/USD landed as 40 credits, then 50 were spent.
	_, found, err := f.chargeStore.GetCharge(context.Background(), "stripe", "ch_auto_1")
	require.NoError(test, err)
	assert.True(test, found)
}

func TestAutoChargeFailureFallsBackToIntent(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 10)
	f.adapter.chargeErr = errors.New("card declined")

	result := f.service.Pay(context.Background(), PayRequest{
		CommunityID: "community",
		UserID:      "alice",
		Operation:   OperationSpend,
		Amount:      50,
		Reason:      ledger.ReasonJoinedPaidStream,
		AutoCharge:  true,
	})
	require.Equal(test, StatusIntentRequired, result.Status)
	assert.Equal(test, 1, f.adapter.chargeCalls)
	assert.Equal(test, 10.0, f.balance(test, "alice"))
}

func TestHandlePaymentSucceededIsIdempotent(test *testing.T) {
	f := newFixture(test, Config{})
	data := payments.EventData{
		Provider: "stripe",
		ChargeID: "ch_webhook_1",
		UserID:   "alice",
		Amount:   5,
		Currency: "USD",
		Metadata: map[string]string{"communityId": "community"},
	}

	require.NoError(test, f.service.HandlePaymentSucceeded(context.Background(), data))
	assert.Equal(test, 500.0, f.balance(test, "alice"))

	// Redelivery must not double-credit.
	require.NoError(test, f.service.HandlePaymentSucceeded(context.Background(), data))
	assert.Equal(test, 500.0, f.balance(test, "alice"))
}

func TestPaymentRedeliveryFinishesInterruptedGrant(test *testing.T) {
	f := newFixture(test, Config{})
	f.ledgerStore.txErr = errors.New("connection reset by peer")
	data := payments.EventData{
		Provider: "stripe",
		ChargeID: "ch_interrupted",
		UserID:   "alice",
		Amount:   5,
		Currency: "USD",
		Metadata: map[string]string{"communityId": "community"},
	}

	require.Error(test, f.service.HandlePaymentSucceeded(context.Background(), data))
	record, found, err := f.chargeStore.GetCharge(context.Background(), "stripe", "ch_interrupted")
	require.NoError(test, err)
	require.True(test, found, "charge must stay recorded for the retry")
	assert.Equal(test, ChargeStatusPending, record.Status)
	assert.Equal(test, 0.0, f.balance(test, "alice"))

	// Redelivery finishes the grant instead of short-circuiting on the
	// existing charge row.
	require.NoError(test, f.service.HandlePaymentSucceeded(context.Background(), data))
	assert.Equal(test, 500.0, f.balance(test, "alice"))
	record, _, err = f.chargeStore.GetCharge(context.Background(), "stripe", "ch_interrupted")
	require.NoError(test, err)
	assert.Equal(test, ChargeStatusCredited, record.Status)

	// A third delivery is a plain duplicate.
	require.NoError(test, f.service.HandlePaymentSucceeded(context.Background(), data))
	assert.Equal(test, 500.0, f.balance(test, "alice"))
}

func TestChargedUnknownCurrencyLeavesNoRecord(test *testing.T) {
	f := newFixture(test, Config{})
	err := f.service.HandlePaymentSucceeded(context.Background(), payments.EventData{
		Provider: "stripe",
		ChargeID: "ch_eur",
		UserID:   "alice",
		Amount:   5,
		Currency: "EUR",
		Metadata: map[string]string{"communityId": "community"},
	})
	require.Error(test, err)
	_, found, getErr := f.chargeStore.GetCharge(context.Background(), "stripe", "ch_eur")
	require.NoError(test, getErr)
	assert.False(test, found, "unconvertible charge must not be recorded")
	assert.Equal(test, 0.0, f.balance(test, "alice"))
}

func TestHandlePaymentSucceededResumesIntent(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 10)

	issued := f.service.Pay(context.Background(), PayRequest{
		CommunityID:   "community",
		UserID:        "alice",
		Operation:     OperationSpend,
		Amount:        50,
		Reason:        ledger.ReasonJoinedPaidStream,
		ToPublisherID: "publisher",
		ToStreamName:  "concert",
	})
	require.Equal(test, StatusIntentRequired, issued.Status)
	var intentID string
	for id := range f.intentStore.intents {
		intentID = id
	}

	err := f.service.HandlePaymentSucceeded(context.Background(), payments.EventData{
		Provider: "stripe",
		ChargeID: "ch_webhook_2",
		UserID:   "alice",
		Amount:   issued.ChargeAmount,
		Currency: "USD",
		Metadata: map[string]string{"communityId": "community", "intentId": intentID},
	})
	require.NoError(test, err)
	assert.Equal(test, intent.StateCompleted, f.intentStore.intents[intentID].State)
	// 10 existing + 40 bought - 50 spent by the resumed operation.
	assert.Equal(test, 0.0, f.balance(test, "alice"))
}

func TestHandlePaymentSucceededResumesIntentFromToken(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 10)

	issued := f.service.Pay(context.Background(), PayRequest{
		CommunityID:   "community",
		UserID:        "alice",
		Operation:     OperationSpend,
		Amount:        50,
		Reason:        ledger.ReasonJoinedPaidStream,
		ToPublisherID: "publisher",
		ToStreamName:  "concert",
	})
	require.Equal(test, StatusIntentRequired, issued.Status)

	// Clients echo back the full signed token, not the bare id.
	err := f.service.HandlePaymentSucceeded(context.Background(), payments.EventData{
		Provider: "stripe",
		ChargeID: "ch_webhook_3",
		UserID:   "alice",
		Amount:   issued.ChargeAmount,
		Currency: "USD",
		Metadata: map[string]string{"communityId": "community", "intentToken": issued.IntentToken},
	})
	require.NoError(test, err)
	for _, record := range f.intentStore.intents {
		assert.Equal(test, intent.StateCompleted, record.State)
	}
	assert.Equal(test, 0.0, f.balance(test, "alice"))
}

func TestHandlePaymentSucceededRequiresUserAttribution(test *testing.T) {
	f := newFixture(test, Config{})
	err := f.service.HandlePaymentSucceeded(context.Background(), payments.EventData{
		Provider: "stripe",
		ChargeID: "ch_anonymous",
		Amount:   5,
		Currency: "USD",
		Metadata: map[string]string{},
	})
	require.Error(test, err)
}

func TestHandlePaymentRefundedCancelsIntent(test *testing.T) {
	f := newFixture(test, Config{})
	f.grant(test, "alice", 10)

	issued := f.service.Pay(context.Background(), PayRequest{
		CommunityID: "community",
		UserID:      "alice",
		Operation:   OperationSpend,
		Amount:      50,
		Reason:      ledger.ReasonJoinedPaidStream,
	})
	require.Equal(test, StatusIntentRequired, issued.Status)
	var intentID string
	for id := range f.intentStore.intents {
		intentID = id
	}

	err := f.service.HandlePaymentRefunded(context.Background(), payments.EventData{
		Provider: "stripe",
		ChargeID: "ch_refunded",
		Metadata: map[string]string{"intentId": intentID},
	})
	require.NoError(test, err)
	assert.Equal(test, intent.StateCanceled, f.intentStore.intents[intentID].State)
}

func TestChargedAwardsBonusAndInviterReward(test *testing.T) {
	ledgerStore := newMemoryLedgerStore()
	ledgerService, err := ledger.NewService(ledgerStore, ledger.ExchangeRates{"USD": 100},
		func() int64 { return time.Now().Unix() },
		ledger.WithBonusThresholds(map[float64]float64{400: 50}))
	require.NoError(test, err)

	intentService, err := intent.NewService(newMemoryIntentStore(), []byte("secret"), time.Hour, nil)
	require.NoError(test, err)
	registry, err := payments.NewRegistry(&scriptedAdapter{name: "stripe"})
	require.NoError(test, err)

	inviterOf := func(ctx context.Context, communityID string, userID string) (string, error) {
		return "bob", nil
	}
	config := Config{
		DefaultCommunity: "community",
		RewardRules: []RewardRule{
			{Credits: 20},
			{Fraction: 0.1},
		},
	}
	service, err := NewService(ledgerService, intentService, registry, newMemoryChargeStore(), nil, config, inviterOf, nil, zap.NewNop())
	require.NoError(test, err)

	created, err := service.Charged(context.Background(), Charge{
		Provider:         "stripe",
		ProviderChargeID: "ch_big",
		CommunityID:      "community",
		UserID:           "alice",
		Amount:           5,
		Currency:         "USD",
	})
	require.NoError(test, err)
	require.True(test, created)

	aliceBalance, err := ledgerService.Amount(context.Background(), "community", "alice")
	require.NoError(test, err)
	// 500 bought plus 50 bonus for crossing the 400 threshold.
	assert.Equal(test, 550.0, aliceBalance)

	bobBalance, err := ledgerService.Amount(context.Background(), "community", "bob")
	require.NoError(test, err)
	// max(20, 0.1*500) = 50, rules never stack.
	assert.Equal(test, 50.0, bobBalance)
}

func TestReconcileIngestsMissedCharges(test *testing.T) {
	f := newFixture(test, Config{})
	f.adapter.charges = []payments.ChargeSummary{
		{ChargeID: "ch_missed_1", UserID: "alice", Amount: 2, Currency: "USD", Metadata: map[string]string{"communityId": "community"}},
		{ChargeID: "ch_missed_2", UserID: "alice", Amount: 3, Currency: "USD", Metadata: map[string]string{"communityId": "community"}},
	}

	ingested, err := f.service.Reconcile(context.Background(), "stripe")
	require.NoError(test, err)
	assert.Equal(test, 2, ingested)
	assert.Equal(test, 500.0, f.balance(test, "alice"))

	// A second pass re-fetches the same history but records nothing new.
	_, err = f.service.Reconcile(context.Background(), "stripe")
	require.NoError(test, err)
	assert.Equal(test, 500.0, f.balance(test, "alice"))
}

func TestRunReconciliationIngestsOnInterval(test *testing.T) {
	f := newFixture(test, Config{})
	f.adapter.charges = []payments.ChargeSummary{
		{ChargeID: "ch_ticked", UserID: "alice", Amount: 2, Currency: "USD", Metadata: map[string]string{"communityId": "community"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.service.RunReconciliation(ctx, 5*time.Millisecond)

	require.Eventually(test, func() bool {
		balance, err := f.ledgerService.Amount(context.Background(), "community", "alice")
		return err == nil && balance == 200
	}, 2*time.Second, 5*time.Millisecond)
}
