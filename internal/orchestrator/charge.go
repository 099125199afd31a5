package orchestrator

import "context"

// Charge grant states. A charge is recorded pending and flipped to credited
// only after the ledger grant commits; a delivery that finds a pending row
// finishes the grant instead of short-circuiting as a duplicate.
const (
	ChargeStatusPending  = "pending"
	ChargeStatusCredited = "credited"
)

// Charge is one recorded provider charge. Idempotency is keyed on
// (Provider, ProviderChargeID): webhooks, reconciliation, and synchronous
// charge paths all funnel through the same record, so a redelivered event
// can never double-credit.
type Charge struct {
	ID               string
	Provider         string
	ProviderChargeID string
	CommunityID      string
	UserID           string
	CustomerID       string
	Amount           float64
	Currency         string
	Status           string
	Metadata         map[string]string
	CreatedUnixUTC   int64
}

// ChargeStore persists recorded charges.
type ChargeStore interface {
	// InsertCharge records a charge exactly once. It reports false without
	// error when the (provider, providerChargeID) pair already exists.
	InsertCharge(ctx context.Context, record Charge) (bool, error)
	GetCharge(ctx context.Context, provider string, providerChargeID string) (Charge, bool, error)
	// UpdateChargeStatus transitions a charge's grant status; exactly one
	// caller can win a given transition.
	UpdateChargeStatus(ctx context.Context, provider string, providerChargeID string, from string, to string) (bool, error)
	// LatestChargeUnixUTC returns the newest recorded charge time for a
	// provider, zero when none exist. Reconciliation fetches from there.
	LatestChargeUnixUTC(ctx context.Context, provider string) (int64, error)
}
