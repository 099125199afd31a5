package ledger

import "context"

// OperationEvent describes one committed ledger operation, delivered to
// observers after the transaction has committed. Silent marks refund-style
// operations whose "sent" notifications should be suppressed; the audit
// entry still exists.
type OperationEvent struct {
	Operation   string
	CommunityID string
	Amount      float64
	Reason      string
	FromUserID  string
	ToUserID    string
	To          StreamRef
	From        StreamRef
	EntryID     string
	Attributes  Attributes
	Silent      bool
}

// Validator may deny an operation before any lock is taken. Returning a
// non-nil error aborts the operation; the error is wrapped in
// ErrOperationDenied for the caller.
type Validator interface {
	Validate(ctx context.Context, event OperationEvent) error
}

// Observer reacts to a committed operation. Observers run synchronously, in
// registration order, and cannot veto or mutate the committed state;
// observer errors are reported to the operation logger and otherwise
// swallowed.
type Observer interface {
	OperationCommitted(ctx context.Context, event OperationEvent)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, event OperationEvent) error

// Validate implements Validator.
func (fn ValidatorFunc) Validate(ctx context.Context, event OperationEvent) error {
	return fn(ctx, event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event OperationEvent)

// OperationCommitted implements Observer.
func (fn ObserverFunc) OperationCommitted(ctx context.Context, event OperationEvent) {
	fn(ctx, event)
}
