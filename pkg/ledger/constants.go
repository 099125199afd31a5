package ledger

// Well-known entry reasons.
const (
	ReasonBoughtCredits         = "BoughtCredits"
	ReasonBonusCredits          = "BonusCredits"
	ReasonYouHaveCreditsToStart = "YouHaveCreditsToStart"
	ReasonJoinedPaidStream      = "JoinedPaidStream"
	ReasonLeftPaidStream        = "LeftPaidStream"
	ReasonInvitedUserPaid       = "InvitedUserPaid"
	ReasonPaymentToUser         = "PaymentToUser"
	ReasonCreatedCommunity      = "CreatedCommunity"
)

const (
	operationGrant    = "grant"
	operationTransfer = "transfer"
	operationSpend    = "spend"
	operationRefund   = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// One re-attempt after a successful top-up; never recurse further even
	// if the balance is still short.
	maxTopUpRetries = 1
)
