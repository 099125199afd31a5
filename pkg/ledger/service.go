package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// errInsufficientBalance aborts (and rolls back) the locked transaction when
// the payer balance re-check fails; the shortfall travels out of band.
var errInsufficientBalance = errors.New("insufficient balance")

// Service implements the credits ledger over a Store. Correctness relies on
// database row locks, not in-process mutexes: multiple process instances may
// run concurrently against the same database.
type Service struct {
	store           Store
	rates           ExchangeRates
	nowFn           func() int64
	logger          OperationLogger
	topUp           TopUpFunc
	validators      []Validator
	observers       []Observer
	startingGrant   float64
	bonusThresholds map[float64]float64
}

// NewService wires a Service.
func NewService(store Store, rates ExchangeRates, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, rates: rates, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// TransferOptions carries the optional knobs shared by transfer-shaped
// operations.
type TransferOptions struct {
	// Force records a zero-amount audit row instead of treating the
	// operation as a no-op. Used by refunds.
	Force bool
	// AutoTopUp authorizes a real-money top-up when the balance is short.
	AutoTopUp bool
	// Gateway names the payment provider used for a top-up.
	Gateway string
	// Silent suppresses "sent" notifications in observers, not the audit entry.
	Silent bool
	// To and From reference the streams being paid for / consumed from.
	To   StreamRef
	From StreamRef
	// Items itemizes the amount; their sum must equal the total exactly.
	Items []Item
	// Metadata is forwarded to the payment provider on top-up.
	Metadata map[string]string
	// Attributes is stored on the ledger entry.
	Attributes Attributes
}

// SpendOptions carries the optional knobs for Spend.
type SpendOptions struct {
	AutoTopUp  bool
	Gateway    string
	From       StreamRef
	Items      []Item
	Metadata   map[string]string
	Attributes Attributes
}

// Amount returns the user's current balance, zero when no account exists yet.
func (service *Service) Amount(ctx context.Context, communityID string, userID string) (float64, error) {
	account, found, err := service.store.GetAccount(ctx, communityID, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return account.Balance, nil
}

// Convert converts between credits and a configured real currency.
func (service *Service) Convert(amount float64, fromCurrency string, toCurrency string) (float64, error) {
	return service.rates.Convert(amount, fromCurrency, toCurrency)
}

// Rates exposes the configured exchange table.
func (service *Service) Rates() ExchangeRates {
	return service.rates
}

// Grant increases the recipient's balance and writes one ledger entry.
// A non-positive amount is a no-op, not an error.
func (service *Service) Grant(ctx context.Context, communityID string, amount float64, reason string, userID string, attributes Attributes) (bool, error) {
	if amount <= 0 {
		return false, nil
	}
	if reason == "" {
		return false, ErrMissingReason
	}
	event := OperationEvent{
		Operation:   operationGrant,
		CommunityID: communityID,
		Amount:      amount,
		Reason:      reason,
		ToUserID:    userID,
		Attributes:  attributes.Clone(),
	}
	if err := service.runValidators(ctx, event); err != nil {
		return false, err
	}
	entryID := uuid.NewString()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.LockAccount(ctx, communityID, userID)
		if err != nil {
			return err
		}
		entry := Entry{
			ID:              entryID,
			CommunityID:     communityID,
			Amount:          amount,
			Reason:          reason,
			ToUserID:        userID,
			Attributes:      attributes.Clone(),
			InsertedUnixUTC: service.nowFn(),
		}
		if err := txStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		account.Balance += amount
		account.Peak = math.Max(account.Peak, account.Balance)
		return txStore.SaveBalance(ctx, account)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationGrant,
		CommunityID: communityID,
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		Error:       operationError,
	})
	if operationError != nil {
		return false, operationError
	}
	event.EntryID = entryID
	service.notifyObservers(ctx, event)
	return true, nil
}

// Transfer moves credits between two user accounts. The payer account is
// always locked first; receivers are never locked before payers, which keeps
// opposite-direction transfers deadlock-free.
func (service *Service) Transfer(ctx context.Context, communityID string, amount float64, reason string, toUserID string, fromUserID string, options TransferOptions) (float64, error) {
	return service.transfer(ctx, communityID, amount, reason, toUserID, fromUserID, options, operationTransfer, maxTopUpRetries)
}

// Spend debits the payer and records a destination stream reference instead
// of crediting another account.
func (service *Service) Spend(ctx context.Context, communityID string, amount float64, reason string, fromUserID string, destination StreamRef, options SpendOptions) (float64, error) {
	return service.spend(ctx, communityID, amount, reason, fromUserID, destination, options, maxTopUpRetries)
}

// Refund is a transfer that executes even for zero amounts, suppresses the
// "sent" notification side-channel, and never triggers an auto top-up.
func (service *Service) Refund(ctx context.Context, communityID string, amount float64, reason string, fromUserID string, toUserID string, attributes Attributes) (float64, error) {
	options := TransferOptions{
		Force:      true,
		Silent:     true,
		Attributes: attributes,
	}
	return service.transfer(ctx, communityID, amount, reason, toUserID, fromUserID, options, operationRefund, 0)
}

// ListEntries lists ledger entries for a user, newest first.
func (service *Service) ListEntries(ctx context.Context, communityID string, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, communityID, userID, beforeUnixUTC, limit)
}

// AwardBonus grants bonus credits when a purchase crosses a configured
// threshold. The highest threshold not exceeding boughtAmount wins; only one
// bonus is granted.
func (service *Service) AwardBonus(ctx context.Context, communityID string, boughtAmount float64, userID string) (float64, error) {
	if len(service.bonusThresholds) == 0 {
		return 0, nil
	}
	thresholds := make([]float64, 0, len(service.bonusThresholds))
	for threshold := range service.bonusThresholds {
		thresholds = append(thresholds, threshold)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(thresholds)))
	for _, threshold := range thresholds {
		if boughtAmount >= threshold {
			bonus := service.bonusThresholds[threshold]
			if _, err := service.Grant(ctx, communityID, bonus, ReasonBonusCredits, userID, nil); err != nil {
				return 0, err
			}
			return bonus, nil
		}
	}
	return 0, nil
}

// StartAccount grants the configured starting credits the first time a user
// shows up in a community. Safe to call repeatedly.
func (service *Service) StartAccount(ctx context.Context, communityID string, userID string) error {
	if service.startingGrant <= 0 {
		return nil
	}
	_, found, err := service.store.GetAccount(ctx, communityID, userID)
	if err != nil || found {
		return err
	}
	_, err = service.Grant(ctx, communityID, service.startingGrant, ReasonYouHaveCreditsToStart, userID, nil)
	return err
}

// CheckItems validates that itemized amounts sum to the total.
func CheckItems(amount float64, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	var sum float64
	for _, item := range items {
		sum += item.Amount
	}
	if math.Abs(sum-amount) > 1e-9 {
		return fmt.Errorf("%w: items sum to %.2f, amount is %.2f", ErrItemSumMismatch, sum, amount)
	}
	return nil
}

func (service *Service) transfer(ctx context.Context, communityID string, amount float64, reason string, toUserID string, fromUserID string, options TransferOptions, operation string, retries int) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if amount == 0 && !options.Force {
		return 0, nil
	}
	if reason == "" {
		return 0, ErrMissingReason
	}
	if toUserID == fromUserID {
		return 0, ErrSelfTransfer
	}
	if err := CheckItems(amount, options.Items); err != nil {
		return 0, err
	}
	event := OperationEvent{
		Operation:   operation,
		CommunityID: communityID,
		Amount:      amount,
		Reason:      reason,
		FromUserID:  fromUserID,
		ToUserID:    toUserID,
		To:          options.To,
		From:        options.From,
		Attributes:  options.Attributes.Clone(),
		Silent:      options.Silent,
	}
	if err := service.runValidators(ctx, event); err != nil {
		return 0, err
	}

	entryID := uuid.NewString()
	var shortfall float64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		// Fixed global lock order: payer before receiver.
		payer, err := txStore.LockAccount(ctx, communityID, fromUserID)
		if err != nil {
			return err
		}
		if payer.Balance < amount {
			shortfall = amount - payer.Balance
			return errInsufficientBalance
		}
		receiver, err := txStore.LockAccount(ctx, communityID, toUserID)
		if err != nil {
			return err
		}
		entry := Entry{
			ID:              entryID,
			CommunityID:     communityID,
			Amount:          amount,
			Reason:          reason,
			FromUserID:      fromUserID,
			ToUserID:        toUserID,
			ToPublisherID:   options.To.PublisherID,
			ToStreamName:    options.To.StreamName,
			FromPublisherID: options.From.PublisherID,
			FromStreamName:  options.From.StreamName,
			Attributes:      options.Attributes.Clone(),
			InsertedUnixUTC: service.nowFn(),
		}
		if err := txStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		payer.Balance -= amount
		if err := txStore.SaveBalance(ctx, payer); err != nil {
			return err
		}
		receiver.Balance += amount
		receiver.Peak = math.Max(receiver.Peak, receiver.Balance)
		// Final write: the commit rides on this one.
		return txStore.SaveBalance(ctx, receiver)
	})

	if errors.Is(operationError, errInsufficientBalance) {
		retry := func(ctx context.Context) (float64, error) {
			options.AutoTopUp = false
			return service.transfer(ctx, communityID, amount, reason, toUserID, fromUserID, options, operation, retries-1)
		}
		return service.resolveShortfall(ctx, event, shortfall, options.AutoTopUp, options.Gateway, options.Metadata, retries, retry)
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operation,
		CommunityID: communityID,
		UserID:      fromUserID,
		PeerUserID:  toUserID,
		Amount:      amount,
		Reason:      reason,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	event.EntryID = entryID
	service.notifyObservers(ctx, event)
	return amount, nil
}

func (service *Service) spend(ctx context.Context, communityID string, amount float64, reason string, fromUserID string, destination StreamRef, options SpendOptions, retries int) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if amount == 0 {
		return 0, nil
	}
	if reason == "" {
		return 0, ErrMissingReason
	}
	if err := CheckItems(amount, options.Items); err != nil {
		return 0, err
	}
	event := OperationEvent{
		Operation:   operationSpend,
		CommunityID: communityID,
		Amount:      amount,
		Reason:      reason,
		FromUserID:  fromUserID,
		To:          destination,
		From:        options.From,
		Attributes:  options.Attributes.Clone(),
	}
	if err := service.runValidators(ctx, event); err != nil {
		return 0, err
	}

	entryID := uuid.NewString()
	var shortfall float64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		payer, err := txStore.LockAccount(ctx, communityID, fromUserID)
		if err != nil {
			return err
		}
		if payer.Balance < amount {
			shortfall = amount - payer.Balance
			return errInsufficientBalance
		}
		entry := Entry{
			ID:              entryID,
			CommunityID:     communityID,
			Amount:          amount,
			Reason:          reason,
			FromUserID:      fromUserID,
			ToPublisherID:   destination.PublisherID,
			ToStreamName:    destination.StreamName,
			FromPublisherID: options.From.PublisherID,
			FromStreamName:  options.From.StreamName,
			Attributes:      options.Attributes.Clone(),
			InsertedUnixUTC: service.nowFn(),
		}
		if err := txStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		payer.Balance -= amount
		return txStore.SaveBalance(ctx, payer)
	})

	if errors.Is(operationError, errInsufficientBalance) {
		retry := func(ctx context.Context) (float64, error) {
			options.AutoTopUp = false
			return service.spend(ctx, communityID, amount, reason, fromUserID, destination, options, retries-1)
		}
		return service.resolveShortfall(ctx, event, shortfall, options.AutoTopUp, options.Gateway, options.Metadata, retries, retry)
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationSpend,
		CommunityID: communityID,
		UserID:      fromUserID,
		Amount:      amount,
		Reason:      reason,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	event.EntryID = entryID
	service.notifyObservers(ctx, event)
	return amount, nil
}

// resolveShortfall decides what happens after an insufficient-balance
// rollback. The row lock is already released here; the top-up provider call
// must never run inside a locked transaction. On top-up success the
// operation is re-run once from the top under a fresh lock, so the retried
// attempt re-validates the updated balance.
func (service *Service) resolveShortfall(ctx context.Context, event OperationEvent, shortfall float64, autoTopUp bool, gateway string, metadata map[string]string, retries int, retry func(ctx context.Context) (float64, error)) (float64, error) {
	notEnough := NotEnoughCreditsError{Missing: shortfall}
	if !autoTopUp || service.topUp == nil || retries <= 0 {
		service.logOperation(ctx, OperationLog{
			Operation:   event.Operation,
			CommunityID: event.CommunityID,
			UserID:      event.FromUserID,
			PeerUserID:  event.ToUserID,
			Amount:      event.Amount,
			Reason:      event.Reason,
			Error:       notEnough,
		})
		return 0, notEnough
	}
	request := TopUpRequest{
		CommunityID:    event.CommunityID,
		UserID:         event.FromUserID,
		MissingCredits: shortfall,
		Reason:         event.Reason,
		Gateway:        gateway,
		Metadata:       metadata,
	}
	if err := service.topUp(ctx, request); err != nil {
		notEnough.Cause = err
		service.logOperation(ctx, OperationLog{
			Operation:   event.Operation,
			CommunityID: event.CommunityID,
			UserID:      event.FromUserID,
			PeerUserID:  event.ToUserID,
			Amount:      event.Amount,
			Reason:      event.Reason,
			Error:       notEnough,
		})
		return 0, notEnough
	}
	return retry(ctx)
}

func (service *Service) runValidators(ctx context.Context, event OperationEvent) error {
	for _, validator := range service.validators {
		if err := validator.Validate(ctx, event); err != nil {
			return fmt.Errorf("%w: %v", ErrOperationDenied, err)
		}
	}
	return nil
}

func (service *Service) notifyObservers(ctx context.Context, event OperationEvent) {
	for _, observer := range service.observers {
		observer.OperationCommitted(ctx, event)
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
