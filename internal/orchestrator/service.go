// Package orchestrator coordinates payments and the credits ledger: it
// resolves pay requests, drives automatic charges through provider
// adapters, records charges exactly once, and resumes interrupted
// operations when payments land.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/intent"
	"github.com/MarkoPoloResearchLab/credits/internal/quota"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

// Pay operations.
const (
	OperationSpend    = "spend"
	OperationTransfer = "transfer"
)

// Pay result statuses. Pay never returns a Go error; failures come back as
// a structured result the client can act on.
const (
	StatusOK             = "ok"
	StatusIntentRequired = "intentRequired"
	StatusNotAuthorized  = "notAuthorized"
	StatusError          = "error"
)

// AmountRange bounds a tokenless operation. Reasons listed in the tokenless
// whitelist may be paid without an intent token as long as the amount stays
// inside the range.
type AmountRange struct {
	Min float64
	Max float64
}

// Config carries the orchestration policy.
type Config struct {
	// DefaultCommunity receives charges whose metadata names no community.
	DefaultCommunity string
	// DefaultGateway is used when a top-up names no provider.
	DefaultGateway string
	// Tokenless whitelists reasons payable without an intent token.
	Tokenless map[string]AmountRange
	// RewardRules configure inviter rewards on user payments.
	RewardRules []RewardRule
}

// InviterResolver reports who invited a user, empty when nobody did.
type InviterResolver func(ctx context.Context, communityID string, userID string) (string, error)

// CustomerResolver reports the provider customer id and payment instrument
// stored for a user.
type CustomerResolver func(ctx context.Context, provider string, userID string) (customerID string, instrument string, err error)

// Service is the payment orchestration engine.
type Service struct {
	ledgerService *ledger.Service
	intents       *intent.Service
	registry      *payments.Registry
	charges       ChargeStore
	limiter       *quota.Limiter
	config        Config
	inviterOf     InviterResolver
	customerOf    CustomerResolver
	logger        *zap.Logger
	nowFn         func() time.Time
}

// NewService wires the orchestrator.
func NewService(
	ledgerService *ledger.Service,
	intents *intent.Service,
	registry *payments.Registry,
	charges ChargeStore,
	limiter *quota.Limiter,
	config Config,
	inviterOf InviterResolver,
	customerOf CustomerResolver,
	logger *zap.Logger,
) (*Service, error) {
	if ledgerService == nil || intents == nil || registry == nil || charges == nil {
		return nil, fmt.Errorf("%w: missing orchestrator dependency", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultGateway == "" {
		config.DefaultGateway = "stripe"
	}
	return &Service{
		ledgerService: ledgerService,
		intents:       intents,
		registry:      registry,
		charges:       charges,
		limiter:       limiter,
		config:        config,
		inviterOf:     inviterOf,
		customerOf:    customerOf,
		logger:        logger,
		nowFn:         time.Now,
	}, nil
}

// PayRequest is a client-initiated payment. When IntentToken is set, the
// stored intent instructions override every client-supplied value.
type PayRequest struct {
	CommunityID   string
	UserID        string
	Operation     string
	Amount        float64
	Reason        string
	ToUserID      string
	ToPublisherID string
	ToStreamName  string
	Items         []ledger.Item
	Gateway       string
	AutoCharge    bool
	IntentToken   string
	Metadata      map[string]string
}

// PayResult is the structured outcome of Pay.
type PayResult struct {
	Status         string  `json:"status"`
	Amount         float64 `json:"amount,omitempty"`
	MissingCredits float64 `json:"missingCredits,omitempty"`
	ChargeAmount   float64 `json:"chargeAmount,omitempty"`
	Currency       string  `json:"currency,omitempty"`
	IntentToken    string  `json:"intentToken,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// Pay resolves a payment request. It never returns a Go error: every
// failure mode maps to a result status so the transport layer can always
// answer 200 with a decision.
func (service *Service) Pay(ctx context.Context, request PayRequest) PayResult {
	if request.IntentToken != "" {
		return service.payWithIntent(ctx, request)
	}
	if allowed, result := service.checkTokenless(request); !allowed {
		return result
	}
	return service.execute(ctx, request, request.AutoCharge)
}

func (service *Service) payWithIntent(ctx context.Context, request PayRequest) PayResult {
	record, err := service.intents.FromToken(ctx, request.IntentToken)
	if err != nil {
		service.logger.Warn("intent token rejected",
			zap.String("userId", request.UserID),
			zap.Error(err))
		return PayResult{Status: StatusNotAuthorized, Message: "invalid intent"}
	}
	if record.UserID != request.UserID {
		service.logger.Warn("intent user mismatch",
			zap.String("intentId", record.ID),
			zap.String("intentUserId", record.UserID),
			zap.String("requestUserId", request.UserID))
		return PayResult{Status: StatusNotAuthorized, Message: "intent belongs to another user"}
	}
	// Claim the intent before executing: exactly one request can win.
	if err := service.intents.Complete(ctx, record.ID); err != nil {
		return PayResult{Status: StatusNotAuthorized, Message: "intent already used"}
	}
	// Client-sent values are ignored in favor of the stored instructions.
	resumed := instructionsToRequest(record)
	return service.execute(ctx, resumed, false)
}

func (service *Service) checkTokenless(request PayRequest) (bool, PayResult) {
	bounds, listed := service.config.Tokenless[request.Reason]
	if !listed {
		return false, PayResult{Status: StatusNotAuthorized, Message: "operation requires an intent"}
	}
	if request.Amount < bounds.Min || (bounds.Max > 0 && request.Amount > bounds.Max) {
		service.logger.Warn("tokenless amount out of range",
			zap.String("reason", request.Reason),
			zap.Float64("amount", request.Amount))
		return false, PayResult{Status: StatusNotAuthorized, Message: "amount not allowed for this operation"}
	}
	return true, PayResult{}
}

func (service *Service) execute(ctx context.Context, request PayRequest, autoCharge bool) PayResult {
	var moved float64
	var err error
	switch request.Operation {
	case OperationTransfer:
		moved, err = service.ledgerService.Transfer(ctx, request.CommunityID, request.Amount, request.Reason, request.ToUserID, request.UserID, ledger.TransferOptions{
			AutoTopUp: autoCharge,
			Gateway:   service.gateway(request.Gateway),
			Items:     request.Items,
			Metadata:  request.Metadata,
		})
	case OperationSpend:
		destination := ledger.StreamRef{PublisherID: request.ToPublisherID, StreamName: request.ToStreamName}
		moved, err = service.ledgerService.Spend(ctx, request.CommunityID, request.Amount, request.Reason, request.UserID, destination, ledger.SpendOptions{
			AutoTopUp: autoCharge,
			Gateway:   service.gateway(request.Gateway),
			Items:     request.Items,
			Metadata:  request.Metadata,
		})
	case "":
		// Pure top-up intents carry no operation to resume; the charge
		// already granted the credits.
		return PayResult{Status: StatusOK}
	default:
		return PayResult{Status: StatusError, Message: fmt.Sprintf("unknown operation %q", request.Operation)}
	}
	if err == nil {
		return PayResult{Status: StatusOK, Amount: moved}
	}
	if missing, short := ledger.IsNotEnoughCredits(err); short {
		return service.issueIntent(ctx, request, missing)
	}
	service.logger.Error("pay operation failed",
		zap.String("operation", request.Operation),
		zap.String("userId", request.UserID),
		zap.Error(err))
	return PayResult{Status: StatusError, Message: err.Error()}
}

// issueIntent converts a shortfall into a signed intent the client can pay.
func (service *Service) issueIntent(ctx context.Context, request PayRequest, missing float64) PayResult {
	currency := service.ledgerService.Rates().PrimaryRealCurrency()
	chargeAmount, err := service.ledgerService.Convert(missing, ledger.CurrencyCredits, currency)
	if err != nil {
		return PayResult{Status: StatusError, Message: err.Error()}
	}
	chargeAmount = roundUpCents(chargeAmount)
	token, err := service.intents.Create(ctx, intent.Intent{
		CommunityID:    request.CommunityID,
		UserID:         request.UserID,
		MissingCredits: missing,
		Amount:         chargeAmount,
		Currency:       currency,
		Reason:         request.Reason,
		Gateway:        service.gateway(request.Gateway),
		Instructions:   requestToInstructions(request),
	})
	if err != nil {
		service.logger.Error("create intent failed",
			zap.String("userId", request.UserID),
			zap.Error(err))
		return PayResult{Status: StatusError, Message: "could not create payment intent"}
	}
	return PayResult{
		Status:         StatusIntentRequired,
		MissingCredits: missing,
		ChargeAmount:   chargeAmount,
		Currency:       currency,
		IntentToken:    token,
	}
}

// BuyCredits issues an intent to purchase credits outright, with no
// interrupted operation behind it.
func (service *Service) BuyCredits(ctx context.Context, communityID string, userID string, credits float64, gateway string) PayResult {
	if credits <= 0 {
		return PayResult{Status: StatusError, Message: "credits must be positive"}
	}
	request := PayRequest{
		CommunityID: communityID,
		UserID:      userID,
		Reason:      ledger.ReasonBoughtCredits,
		Gateway:     gateway,
	}
	return service.issueIntent(ctx, request, credits)
}

// TopUp bridges a credits shortfall to a real-money charge. It runs outside
// any ledger lock, is gated by the per-user quota, and credits the account
// through the same idempotent choke point webhooks use, so the later
// webhook delivery for the same charge is a no-op.
func (service *Service) TopUp(ctx context.Context, request ledger.TopUpRequest) error {
	gateway := service.gateway(request.Gateway)
	adapter, err := service.registry.Get(gateway)
	if err != nil {
		return err
	}
	currency := service.ledgerService.Rates().PrimaryRealCurrency()
	chargeAmount, err := service.ledgerService.Convert(request.MissingCredits, ledger.CurrencyCredits, currency)
	if err != nil {
		return err
	}
	chargeAmount = roundUpCents(chargeAmount)

	var reservation *quota.Reservation
	if service.limiter != nil {
		reservation, err = service.limiter.Reserve(ctx, request.UserID, chargeAmount)
		if err != nil {
			return err
		}
	}
	var customerID, instrument string
	if service.customerOf != nil {
		customerID, instrument, err = service.customerOf(ctx, gateway, request.UserID)
		if err != nil {
			service.rollbackReservation(ctx, reservation)
			return err
		}
	}
	metadata := map[string]string{
		"userId":      request.UserID,
		"communityId": request.CommunityID,
		"reason":      request.Reason,
	}
	for key, value := range request.Metadata {
		metadata[key] = value
	}
	result, err := adapter.Charge(ctx, payments.ChargeRequest{
		UserID:      request.UserID,
		CustomerID:  customerID,
		Instrument:  instrument,
		Amount:      chargeAmount,
		Currency:    currency,
		Description: request.Reason,
		Metadata:    metadata,
	})
	if err != nil {
		service.rollbackReservation(ctx, reservation)
		service.logger.Warn("auto charge failed",
			zap.String("gateway", gateway),
			zap.String("userId", request.UserID),
			zap.Float64("amount", chargeAmount),
			zap.Error(err))
		return err
	}
	if reservation != nil {
		reservation.Used()
	}
	service.logger.Info("auto charge succeeded",
		zap.String("gateway", gateway),
		zap.String("userId", request.UserID),
		zap.String("chargeId", result.ChargeID),
		zap.Float64("amount", chargeAmount))
	_, err = service.Charged(ctx, Charge{
		Provider:         gateway,
		ProviderChargeID: result.ChargeID,
		CommunityID:      request.CommunityID,
		UserID:           request.UserID,
		CustomerID:       customerID,
		Amount:           chargeAmount,
		Currency:         currency,
		Metadata:         metadata,
		CreatedUnixUTC:   service.nowFn().UTC().Unix(),
	})
	return err
}

// Charged records a provider charge and converts it into credits. Every
// ingestion path funnels through here: synchronous charges, webhook
// deliveries, and reconciliation. The charge row is written pending and
// flipped to credited only after the grant commits, so a delivery that dies
// between the two leaves a pending row the next redelivery finishes. An
// already-credited charge reports false and changes nothing.
func (service *Service) Charged(ctx context.Context, record Charge) (bool, error) {
	if record.CommunityID == "" {
		record.CommunityID = service.config.DefaultCommunity
	}
	// Convert before recording anything: a currency missing from the
	// exchange table must leave no charge row, or the provider's
	// redelivery would find a duplicate and the credits would never land.
	credits, err := service.ledgerService.Convert(record.Amount, record.Currency, ledger.CurrencyCredits)
	if err != nil {
		return false, err
	}
	record.Status = ChargeStatusPending
	if _, err := service.charges.InsertCharge(ctx, record); err != nil {
		return false, err
	}
	claimed, err := service.charges.UpdateChargeStatus(ctx, record.Provider, record.ProviderChargeID, ChargeStatusPending, ChargeStatusCredited)
	if err != nil {
		return false, err
	}
	if !claimed {
		service.logger.Info("duplicate charge ignored",
			zap.String("provider", record.Provider),
			zap.String("chargeId", record.ProviderChargeID))
		return false, nil
	}
	attributes := ledger.Attributes{
		"provider": record.Provider,
		"chargeId": record.ProviderChargeID,
	}
	if _, err := service.ledgerService.Grant(ctx, record.CommunityID, credits, ledger.ReasonBoughtCredits, record.UserID, attributes); err != nil {
		// Release the claim so the provider's redelivery retries the grant.
		if _, revertErr := service.charges.UpdateChargeStatus(ctx, record.Provider, record.ProviderChargeID, ChargeStatusCredited, ChargeStatusPending); revertErr != nil {
			service.logger.Error("charge status revert failed",
				zap.String("provider", record.Provider),
				zap.String("chargeId", record.ProviderChargeID),
				zap.Error(revertErr))
		}
		return false, err
	}
	if _, err := service.ledgerService.AwardBonus(ctx, record.CommunityID, credits, record.UserID); err != nil {
		service.logger.Error("bonus award failed",
			zap.String("userId", record.UserID),
			zap.Error(err))
	}
	service.rewardInviter(ctx, record, credits)
	return true, nil
}

func (service *Service) rewardInviter(ctx context.Context, record Charge, credits float64) {
	if service.inviterOf == nil || len(service.config.RewardRules) == 0 {
		return
	}
	inviterID, err := service.inviterOf(ctx, record.CommunityID, record.UserID)
	if err != nil {
		service.logger.Error("inviter lookup failed",
			zap.String("userId", record.UserID),
			zap.Error(err))
		return
	}
	if inviterID == "" || inviterID == record.UserID {
		return
	}
	reward := RewardCredits(service.config.RewardRules, service.ledgerService.Rates(), credits)
	if reward <= 0 {
		return
	}
	attributes := ledger.Attributes{"invitedUserId": record.UserID, "chargeId": record.ProviderChargeID}
	if _, err := service.ledgerService.Grant(ctx, record.CommunityID, reward, ledger.ReasonInvitedUserPaid, inviterID, attributes); err != nil {
		service.logger.Error("inviter reward failed",
			zap.String("inviterId", inviterID),
			zap.Error(err))
	}
}

// HandlePaymentSucceeded ingests a canonical paymentSucceeded event. Safe
// under redelivery: the charge record is the idempotency barrier, and
// intent completion is single-use.
func (service *Service) HandlePaymentSucceeded(ctx context.Context, data payments.EventData) error {
	userID := data.UserID
	if userID == "" {
		userID = data.Metadata["userId"]
	}
	if userID == "" {
		service.logger.Warn("payment without user attribution dropped",
			zap.String("provider", data.Provider),
			zap.String("chargeId", data.ChargeID))
		return fmt.Errorf("payment %s/%s has no user attribution", data.Provider, data.ChargeID)
	}
	communityID := data.Metadata["communityId"]
	if communityID == "" {
		communityID = service.config.DefaultCommunity
	}
	created, err := service.Charged(ctx, Charge{
		Provider:         data.Provider,
		ProviderChargeID: data.ChargeID,
		CommunityID:      communityID,
		UserID:           userID,
		CustomerID:       data.CustomerID,
		Amount:           data.Amount,
		Currency:         data.Currency,
		Metadata:         data.Metadata,
		CreatedUnixUTC:   service.nowFn().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	if intentID := intentIDFromMetadata(data.Metadata); intentID != "" {
		service.resumeIntent(ctx, intentID, userID)
	}
	return nil
}

// resumeIntent completes a pending intent funded by a charge and replays
// its stored operation with the freshly granted credits.
func (service *Service) resumeIntent(ctx context.Context, intentID string, userID string) {
	record, err := service.intents.Get(ctx, intentID)
	if err != nil {
		service.logger.Warn("intent referenced by charge not found",
			zap.String("intentId", intentID),
			zap.Error(err))
		return
	}
	if record.UserID != userID {
		service.logger.Warn("charge user does not own intent",
			zap.String("intentId", intentID),
			zap.String("intentUserId", record.UserID),
			zap.String("chargeUserId", userID))
		return
	}
	if err := service.intents.Complete(ctx, intentID); err != nil {
		return
	}
	request := instructionsToRequest(record)
	result := service.execute(ctx, request, false)
	if result.Status != StatusOK {
		service.logger.Error("resumed operation did not complete",
			zap.String("intentId", intentID),
			zap.String("status", result.Status),
			zap.String("message", result.Message))
	}
}

// HandlePaymentRefunded cancels any pending intent that was waiting on the
// refunded charge. Credits already granted stay granted; the refund trail
// lives with the provider.
func (service *Service) HandlePaymentRefunded(ctx context.Context, data payments.EventData) error {
	intentID := intentIDFromMetadata(data.Metadata)
	if intentID == "" {
		record, found, err := service.charges.GetCharge(ctx, data.Provider, data.ChargeID)
		if err != nil {
			return err
		}
		if found {
			intentID = intentIDFromMetadata(record.Metadata)
		}
	}
	if intentID == "" {
		service.logger.Info("refund without intent linkage",
			zap.String("provider", data.Provider),
			zap.String("chargeId", data.ChargeID))
		return nil
	}
	err := service.intents.Cancel(ctx, intentID)
	if err != nil && !errors.Is(err, intent.ErrClosed) && !errors.Is(err, intent.ErrNotFound) {
		return err
	}
	service.logger.Info("intent canceled after refund",
		zap.String("intentId", intentID),
		zap.String("chargeId", data.ChargeID))
	return nil
}

// Reconcile pulls the provider's charge history from the last recorded
// charge forward and ingests anything missed, e.g. webhooks lost during an
// outage. Duplicates fall out at the charge record, so overlap with
// already-delivered webhooks is harmless. Returns how many fetched charges
// were processed.
func (service *Service) Reconcile(ctx context.Context, provider string) (int, error) {
	adapter, err := service.registry.Get(provider)
	if err != nil {
		return 0, err
	}
	watermark, err := service.charges.LatestChargeUnixUTC(ctx, provider)
	if err != nil {
		return 0, err
	}
	var since time.Time
	if watermark > 0 {
		since = time.Unix(watermark, 0).UTC()
	}
	summaries, err := adapter.FetchSuccessfulCharges(ctx, since)
	if err != nil {
		return 0, err
	}
	ingested := 0
	for _, summary := range summaries {
		err := service.HandlePaymentSucceeded(ctx, payments.EventData{
			Provider:   provider,
			ChargeID:   summary.ChargeID,
			CustomerID: summary.CustomerID,
			UserID:     summary.UserID,
			Amount:     summary.Amount,
			Currency:   summary.Currency,
			Metadata:   summary.Metadata,
		})
		if err != nil {
			service.logger.Error("reconcile charge failed",
				zap.String("provider", provider),
				zap.String("chargeId", summary.ChargeID),
				zap.Error(err))
			continue
		}
		ingested++
	}
	refunds, err := adapter.FetchRefundedCharges(ctx, since)
	if err != nil {
		return ingested, err
	}
	for _, refund := range refunds {
		err := service.HandlePaymentRefunded(ctx, payments.EventData{
			Provider: provider,
			ChargeID: refund.ChargeID,
			Amount:   refund.Amount,
			Currency: refund.Currency,
			Metadata: map[string]string{},
		})
		if err != nil {
			service.logger.Error("reconcile refund failed",
				zap.String("provider", provider),
				zap.String("chargeId", refund.ChargeID),
				zap.Error(err))
		}
	}
	return ingested, nil
}

// RunReconciliation reconciles every registered provider on a fixed
// interval until the context is canceled. An interval of zero or less
// disables it.
func (service *Service) RunReconciliation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, provider := range service.registry.Names() {
				if _, err := service.Reconcile(ctx, provider); err != nil {
					service.logger.Error("reconciliation pass failed",
						zap.String("provider", provider),
						zap.Error(err))
				}
			}
		}
	}
}

func (service *Service) gateway(requested string) string {
	if requested != "" {
		return requested
	}
	return service.config.DefaultGateway
}

func (service *Service) rollbackReservation(ctx context.Context, reservation *quota.Reservation) {
	if reservation == nil {
		return
	}
	if err := reservation.Rollback(ctx); err != nil {
		service.logger.Error("quota rollback failed", zap.Error(err))
	}
}

// intentIDFromMetadata digs the intent linkage out of charge metadata. It
// accepts the bare id under intentId as well as the signed token form
// (id.signature) under either key; clients typically echo back the token
// they were handed.
func intentIDFromMetadata(metadata map[string]string) string {
	raw := metadata["intentToken"]
	if raw == "" {
		raw = metadata["intentId"]
	}
	intentID, _, _ := strings.Cut(raw, ".")
	return intentID
}

func requestToInstructions(request PayRequest) map[string]any {
	instructions := map[string]any{
		"operation": request.Operation,
		"amount":    request.Amount,
		"reason":    request.Reason,
	}
	if request.ToUserID != "" {
		instructions["toUserId"] = request.ToUserID
	}
	if request.ToPublisherID != "" {
		instructions["toPublisherId"] = request.ToPublisherID
	}
	if request.ToStreamName != "" {
		instructions["toStreamName"] = request.ToStreamName
	}
	return instructions
}

func instructionsToRequest(record intent.Intent) PayRequest {
	request := PayRequest{
		CommunityID: record.CommunityID,
		UserID:      record.UserID,
		Reason:      record.Reason,
		Gateway:     record.Gateway,
	}
	instructions := record.Instructions
	if operation, ok := instructions["operation"].(string); ok {
		request.Operation = operation
	}
	if amount, ok := instructions["amount"].(float64); ok {
		request.Amount = amount
	}
	if reason, ok := instructions["reason"].(string); ok && reason != "" {
		request.Reason = reason
	}
	if toUserID, ok := instructions["toUserId"].(string); ok {
		request.ToUserID = toUserID
	}
	if toPublisherID, ok := instructions["toPublisherId"].(string); ok {
		request.ToPublisherID = toPublisherID
	}
	if toStreamName, ok := instructions["toStreamName"].(string); ok {
		request.ToStreamName = toStreamName
	}
	return request
}

func roundUpCents(amount float64) float64 {
	return math.Ceil(amount*100) / 100
}
