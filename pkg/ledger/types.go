package ledger

import "context"

// CurrencyCredits is the internal unit of value. Every conversion pair must
// have credits on one side.
const CurrencyCredits = "credits"

// StreamRef identifies a published stream that credits were spent on or
// consumed from. It is a destination reference, not an account.
type StreamRef struct {
	PublisherID string
	StreamName  string
}

// IsZero reports whether the reference is empty.
func (ref StreamRef) IsZero() bool {
	return ref.PublisherID == "" && ref.StreamName == ""
}

// Item is one line of an itemized spend. The sum of item amounts must equal
// the total spend amount.
type Item struct {
	PublisherID string
	StreamName  string
	Amount      float64
}

// Attributes is the free-form metadata bag attached to accounts and entries.
type Attributes map[string]any

// Clone returns a shallow copy so callers cannot mutate stored attributes.
func (attributes Attributes) Clone() Attributes {
	if attributes == nil {
		return Attributes{}
	}
	cloned := make(Attributes, len(attributes))
	for key, value := range attributes {
		cloned[key] = value
	}
	return cloned
}

// Account is a balance bucket keyed by (community, owner). Balance is
// mutated only inside locked ledger transactions; Peak is the highest
// balance ever observed and only grows.
type Account struct {
	CommunityID string
	OwnerID     string
	Balance     float64
	Peak        float64
	Attributes  Attributes
}

// Entry is one immutable audit row. Grants have no FromUserID, spends have
// no ToUserID (only a destination stream reference).
type Entry struct {
	ID              string
	CommunityID     string
	Amount          float64
	Reason          string
	FromUserID      string
	ToUserID        string
	ToPublisherID   string
	ToStreamName    string
	FromPublisherID string
	FromStreamName  string
	Attributes      Attributes
	InsertedUnixUTC int64
}

// Store is the persistence contract used by Service. LockAccount must take a
// row lock (SELECT ... FOR UPDATE) for the rest of the enclosing transaction
// and create the account with a zero balance when it does not exist yet.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, communityID string, ownerID string) (Account, bool, error)
	LockAccount(ctx context.Context, communityID string, ownerID string) (Account, error)
	SaveBalance(ctx context.Context, account Account) error
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, communityID string, ownerID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}

// TopUpRequest describes the shortfall handed to a top-up provider when a
// balance is insufficient and the caller opted into auto top-up.
type TopUpRequest struct {
	CommunityID    string
	UserID         string
	MissingCredits float64
	Reason         string
	Gateway        string
	Metadata       map[string]string
}

// TopUpFunc bridges missing credits to real money. It is invoked only after
// the initial row lock has been released; the ledger retries the operation
// once afterwards under a fresh lock.
type TopUpFunc func(ctx context.Context, request TopUpRequest) error
