package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation   string
	CommunityID string
	UserID      string
	PeerUserID  string
	Amount      float64
	Reason      string
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTopUp wires the auto top-up bridge invoked on insufficient balances
// when the caller opted in.
func WithTopUp(topUp TopUpFunc) ServiceOption {
	return func(service *Service) {
		service.topUp = topUp
	}
}

// WithValidators appends before-validators that may deny an operation.
func WithValidators(validators ...Validator) ServiceOption {
	return func(service *Service) {
		service.validators = append(service.validators, validators...)
	}
}

// WithObservers appends after-commit observers.
func WithObservers(observers ...Observer) ServiceOption {
	return func(service *Service) {
		service.observers = append(service.observers, observers...)
	}
}

// WithStartingGrant grants the given credits under YouHaveCreditsToStart the
// first time an account is touched.
func WithStartingGrant(amount float64) ServiceOption {
	return func(service *Service) {
		service.startingGrant = amount
	}
}

// WithBonusThresholds configures bonus credits awarded for large purchases:
// the highest threshold less than or equal to the bought amount wins.
func WithBonusThresholds(thresholds map[float64]float64) ServiceOption {
	return func(service *Service) {
		service.bonusThresholds = thresholds
	}
}
