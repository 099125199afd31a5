// Package gormstore persists accounts, ledger entries, charges, and payment
// intents through GORM, against PostgreSQL in production and SQLite in tests.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/credits/internal/intent"
	"github.com/MarkoPoloResearchLab/credits/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	defaultAttributesJSON = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"
	errorSubjectAccount = "account"
	errorSubjectBalance = "balance"
	errorSubjectEntry   = "entry"
	errorSubjectCharge  = "charge"
	errorSubjectIntent  = "intent"
	errorCodeCreate     = "create"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeLock       = "lock"
	errorCodeUpdate     = "update"
)

// Store implements ledger.Store, intent.Store, and orchestrator.ChargeStore
// using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Intended for SQLite and development databases;
// production PostgreSQL schemas are managed by migrations.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &Charge{}, &Intent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetAccount reads an account without locking it.
func (store *Store) GetAccount(ctx context.Context, communityID string, ownerID string) (ledger.Account, bool, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("community_id = ? AND owner_id = ?", communityID, ownerID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, true, nil
}

// LockAccount takes a row lock on the account for the rest of the enclosing
// transaction, creating it with a zero balance when it does not exist yet.
// A concurrent create loses on the unique (community, owner) index and falls
// through to locking the winner's row.
func (store *Store) LockAccount(ctx context.Context, communityID string, ownerID string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("community_id = ? AND owner_id = ?", communityID, ownerID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fresh := Account{
			CommunityID: communityID,
			OwnerID:     ownerID,
			Attributes:  datatypesJSON(""),
		}
		createErr := store.db.WithContext(ctx).Create(&fresh).Error
		if createErr != nil && !isUniqueViolation(createErr) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("community_id = ? AND owner_id = ?", communityID, ownerID).
			Take(&model).Error
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// SaveBalance writes the balance and peak back to the locked row.
func (store *Store) SaveBalance(ctx context.Context, account ledger.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("community_id = ? AND owner_id = ?", account.CommunityID, account.OwnerID).
		Updates(map[string]interface{}{
			"balance": account.Balance,
			"peak":    account.Peak,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// InsertEntry appends one audit row.
func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	attributes, err := attributesJSON(entry.Attributes)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	model := LedgerEntry{
		EntryID:         entry.ID,
		CommunityID:     entry.CommunityID,
		Amount:          entry.Amount,
		Reason:          entry.Reason,
		FromUserID:      entry.FromUserID,
		ToUserID:        entry.ToUserID,
		ToPublisherID:   entry.ToPublisherID,
		ToStreamName:    entry.ToStreamName,
		FromPublisherID: entry.FromPublisherID,
		FromStreamName:  entry.FromStreamName,
		Attributes:      attributes,
		CreatedAt:       time.Unix(entry.InsertedUnixUTC, 0).UTC(),
	}
	if entry.InsertedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// ListEntries returns entries touching the user, newest first.
func (store *Store) ListEntries(ctx context.Context, communityID string, ownerID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("community_id = ? AND (from_user_id = ? OR to_user_id = ?) AND created_at < ?", communityID, ownerID, ownerID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// InsertCharge records a charge once; a duplicate (provider, chargeId) pair
// reports false without error.
func (store *Store) InsertCharge(ctx context.Context, record orchestrator.Charge) (bool, error) {
	metadata, err := metadataJSON(record.Metadata)
	if err != nil {
		return false, wrapStoreError(errorSubjectCharge, errorCodeInvalid, err)
	}
	status := record.Status
	if status == "" {
		status = orchestrator.ChargeStatusPending
	}
	model := Charge{
		ChargeID:         record.ID,
		Provider:         record.Provider,
		ProviderChargeID: record.ProviderChargeID,
		CommunityID:      record.CommunityID,
		UserID:           record.UserID,
		CustomerID:       record.CustomerID,
		Amount:           record.Amount,
		Currency:         record.Currency,
		Status:           status,
		Metadata:         metadata,
		CreatedAt:        time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if record.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectCharge, errorCodeInsert, err)
	}
	return true, nil
}

// GetCharge loads a recorded charge by its provider identity.
func (store *Store) GetCharge(ctx context.Context, provider string, providerChargeID string) (orchestrator.Charge, bool, error) {
	var model Charge
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_charge_id = ?", provider, providerChargeID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return orchestrator.Charge{}, false, nil
	}
	if err != nil {
		return orchestrator.Charge{}, false, wrapStoreError(errorSubjectCharge, errorCodeGet, err)
	}
	record, err := mapCharge(model)
	if err != nil {
		return orchestrator.Charge{}, false, wrapStoreError(errorSubjectCharge, errorCodeInvalid, err)
	}
	return record, true, nil
}

// UpdateChargeStatus transitions a charge's grant status; the conditional
// WHERE lets exactly one caller win a given transition.
func (store *Store) UpdateChargeStatus(ctx context.Context, provider string, providerChargeID string, from string, to string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Charge{}).
		Where("provider = ? AND provider_charge_id = ? AND status = ?", provider, providerChargeID, from).
		Update("status", to)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectCharge, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// LatestChargeUnixUTC returns the newest recorded charge time for a provider.
func (store *Store) LatestChargeUnixUTC(ctx context.Context, provider string) (int64, error) {
	var row struct {
		Latest *time.Time
	}
	err := store.db.WithContext(ctx).
		Model(&Charge{}).
		Select("max(created_at) as latest").
		Where("provider = ?", provider).
		Scan(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectCharge, errorCodeGet, err)
	}
	if row.Latest == nil {
		return 0, nil
	}
	return row.Latest.Unix(), nil
}

// CreateIntent persists a pending intent.
func (store *Store) CreateIntent(ctx context.Context, record intent.Intent) error {
	instructions, err := json.Marshal(record.Instructions)
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	var expiresAt *time.Time
	if record.ExpiresUnixUTC != 0 {
		value := time.Unix(record.ExpiresUnixUTC, 0).UTC()
		expiresAt = &value
	}
	model := Intent{
		IntentID:       record.ID,
		CommunityID:    record.CommunityID,
		UserID:         record.UserID,
		MissingCredits: record.MissingCredits,
		Amount:         record.Amount,
		Currency:       record.Currency,
		Reason:         record.Reason,
		Gateway:        record.Gateway,
		Instructions:   datatypesJSON(string(instructions)),
		State:          string(record.State),
		CreatedAt:      time.Unix(record.CreatedUnixUTC, 0).UTC(),
		ExpiresAt:      expiresAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

// GetIntent loads an intent by id.
func (store *Store) GetIntent(ctx context.Context, intentID string) (intent.Intent, error) {
	var model Intent
	err := store.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return intent.Intent{}, intent.ErrNotFound
	}
	if err != nil {
		return intent.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	record, err := mapIntent(model)
	if err != nil {
		return intent.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return record, nil
}

// UpdateIntentState transitions an intent atomically; exactly one caller can
// win a given transition.
func (store *Store) UpdateIntentState(ctx context.Context, intentID string, from intent.State, to intent.State) error {
	result := store.db.WithContext(ctx).
		Model(&Intent{}).
		Where("intent_id = ? AND state = ?", intentID, string(from)).
		Update("state", string(to))
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var model Intent
		err := store.db.WithContext(ctx).Where("intent_id = ?", intentID).Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return intent.ErrNotFound
		}
		return intent.ErrClosed
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (ledger.Account, error) {
	attributes, err := parseAttributes(model.Attributes)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		CommunityID: model.CommunityID,
		OwnerID:     model.OwnerID,
		Balance:     model.Balance,
		Peak:        model.Peak,
		Attributes:  attributes,
	}, nil
}

func mapLedgerEntry(model LedgerEntry) (ledger.Entry, error) {
	attributes, err := parseAttributes(model.Attributes)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		ID:              model.EntryID,
		CommunityID:     model.CommunityID,
		Amount:          model.Amount,
		Reason:          model.Reason,
		FromUserID:      model.FromUserID,
		ToUserID:        model.ToUserID,
		ToPublisherID:   model.ToPublisherID,
		ToStreamName:    model.ToStreamName,
		FromPublisherID: model.FromPublisherID,
		FromStreamName:  model.FromStreamName,
		Attributes:      attributes,
		InsertedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapCharge(model Charge) (orchestrator.Charge, error) {
	var metadata map[string]string
	if len(model.Metadata) > 0 {
		if err := json.Unmarshal(model.Metadata, &metadata); err != nil {
			return orchestrator.Charge{}, err
		}
	}
	return orchestrator.Charge{
		ID:               model.ChargeID,
		Provider:         model.Provider,
		ProviderChargeID: model.ProviderChargeID,
		CommunityID:      model.CommunityID,
		UserID:           model.UserID,
		CustomerID:       model.CustomerID,
		Amount:           model.Amount,
		Currency:         model.Currency,
		Status:           model.Status,
		Metadata:         metadata,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func mapIntent(model Intent) (intent.Intent, error) {
	var instructions map[string]any
	if len(model.Instructions) > 0 {
		if err := json.Unmarshal(model.Instructions, &instructions); err != nil {
			return intent.Intent{}, err
		}
	}
	record := intent.Intent{
		ID:             model.IntentID,
		CommunityID:    model.CommunityID,
		UserID:         model.UserID,
		MissingCredits: model.MissingCredits,
		Amount:         model.Amount,
		Currency:       model.Currency,
		Reason:         model.Reason,
		Gateway:        model.Gateway,
		Instructions:   instructions,
		State:          intent.State(model.State),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
	if model.ExpiresAt != nil {
		record.ExpiresUnixUTC = model.ExpiresAt.Unix()
	}
	return record, nil
}

func parseAttributes(raw datatypes.JSON) (ledger.Attributes, error) {
	if len(raw) == 0 {
		return ledger.Attributes{}, nil
	}
	var attributes ledger.Attributes
	if err := json.Unmarshal(raw, &attributes); err != nil {
		return nil, err
	}
	return attributes, nil
}

func attributesJSON(attributes ledger.Attributes) (datatypes.JSON, error) {
	if len(attributes) == 0 {
		return datatypesJSON(""), nil
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func metadataJSON(metadata map[string]string) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypesJSON(""), nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultAttributesJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
