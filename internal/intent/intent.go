// Package intent manages payment intents: signed, single-use tickets issued
// when an operation fails on insufficient credits. The ticket records the
// shortfall and the interrupted operation so a successful payment can resume
// it server-side, ignoring whatever amounts the client sends back.
package intent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// State is the lifecycle state of an intent.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateCanceled  State = "canceled"
)

// Errors returned by the intent service.
var (
	ErrNotFound     = errors.New("intent not found")
	ErrClosed       = errors.New("intent already completed or canceled")
	ErrExpired      = errors.New("intent expired")
	ErrInvalidToken = errors.New("invalid intent token")
)

// Intent describes one interrupted operation waiting on a payment.
// Instructions holds the server-side copy of the operation to resume; its
// values are authoritative over anything the client echoes back.
type Intent struct {
	ID             string
	CommunityID    string
	UserID         string
	MissingCredits float64
	Amount         float64
	Currency       string
	Reason         string
	Gateway        string
	Instructions   map[string]any
	State          State
	CreatedUnixUTC int64
	ExpiresUnixUTC int64
}

// Store is the persistence contract for intents. UpdateState must apply the
// transition atomically and fail when the current state differs from the
// expected one, which is what makes Complete and Cancel single-use.
type Store interface {
	CreateIntent(ctx context.Context, record Intent) error
	GetIntent(ctx context.Context, intentID string) (Intent, error)
	UpdateIntentState(ctx context.Context, intentID string, from State, to State) error
}

// Service issues and resolves intent tickets.
type Service struct {
	store  Store
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewService wires an intent Service. The secret signs tokens; clients hold
// the token, never the intent row.
func NewService(store Store, secret []byte, ttl time.Duration, now func() time.Time) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty signing secret", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{store: store, secret: secret, ttl: ttl, nowFn: now}, nil
}

// Create persists a pending intent and returns the signed token handed to
// the client.
func (service *Service) Create(ctx context.Context, record Intent) (string, error) {
	record.ID = uuid.NewString()
	record.State = StatePending
	issued := service.nowFn().UTC()
	record.CreatedUnixUTC = issued.Unix()
	record.ExpiresUnixUTC = issued.Add(service.ttl).Unix()
	if err := service.store.CreateIntent(ctx, record); err != nil {
		return "", err
	}
	return service.Token(record.ID), nil
}

// Token returns the signed client-facing token for an intent id.
func (service *Service) Token(intentID string) string {
	return intentID + "." + service.sign(intentID)
}

// FromToken verifies a token and loads the referenced intent. It fails for
// tampered tokens, unknown ids, non-pending intents, and expired intents.
func (service *Service) FromToken(ctx context.Context, token string) (Intent, error) {
	intentID, signature, found := strings.Cut(token, ".")
	if !found || intentID == "" {
		return Intent{}, ErrInvalidToken
	}
	expected := service.sign(intentID)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Intent{}, ErrInvalidToken
	}
	record, err := service.store.GetIntent(ctx, intentID)
	if err != nil {
		return Intent{}, err
	}
	if record.State != StatePending {
		return Intent{}, ErrClosed
	}
	if record.ExpiresUnixUTC != 0 && service.nowFn().UTC().Unix() > record.ExpiresUnixUTC {
		return Intent{}, ErrExpired
	}
	return record, nil
}

// Get loads an intent by id without state checks.
func (service *Service) Get(ctx context.Context, intentID string) (Intent, error) {
	return service.store.GetIntent(ctx, intentID)
}

// Complete marks a pending intent completed. Exactly one caller wins; any
// concurrent or repeated completion gets ErrClosed.
func (service *Service) Complete(ctx context.Context, intentID string) error {
	return service.store.UpdateIntentState(ctx, intentID, StatePending, StateCompleted)
}

// Cancel marks a pending intent canceled, e.g. when the backing charge is
// refunded before the intent was redeemed.
func (service *Service) Cancel(ctx context.Context, intentID string) error {
	return service.store.UpdateIntentState(ctx, intentID, StatePending, StateCanceled)
}

func (service *Service) sign(intentID string) string {
	mac := hmac.New(sha256.New, service.secret)
	mac.Write([]byte(intentID))
	return hex.EncodeToString(mac.Sum(nil))
}
