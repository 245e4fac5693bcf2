package bounty

import "errors"

// Kind classifies ledger failures. Every kind is a terminal rejection of the
// single operation; the ledger state is left untouched.
type Kind string

const (
	KindValidation    Kind = "ValidationError"
	KindNotFound      Kind = "NotFoundError"
	KindState         Kind = "StateError"
	KindAuthorization Kind = "AuthorizationError"
)

// Error is a classified ledger failure. Message is the short compatibility
// string reported to callers.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches another *Error of the same kind. A target without a message
// matches every error of its kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	if other.Kind != e.Kind {
		return false
	}
	return other.Message == "" || other.Message == e.Message
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Kind sentinels for errors.Is checks.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrState        = &Error{Kind: KindState}
	ErrUnauthorized = &Error{Kind: KindAuthorization}
)

var (
	ErrKeyRequired         = newError(KindValidation, "bounty key required")
	ErrKeyTooLong          = newError(KindValidation, "bounty key too long")
	ErrAmountNotPositive   = newError(KindValidation, "amount must be > 0")
	ErrPaymentTarget       = newError(KindValidation, "payment must target contract")
	ErrSenderMismatch      = newError(KindValidation, "sender mismatch")
	ErrAmountOverflow      = newError(KindValidation, "amount overflow")
	ErrNothingToClaim      = newError(KindValidation, "nothing to claim")
	ErrAdminAddressMissing = newError(KindValidation, "admin address required")
	ErrPaymentReplayed     = newError(KindValidation, "payment already applied")

	ErrBountyNotFunded = newError(KindNotFound, "bounty not funded")

	ErrAlreadyInitialized = newError(KindState, "already initialized")
	ErrNotInitialized     = newError(KindState, "ledger not initialized")
	ErrBountyStillOpen    = newError(KindState, "bounty still open")
	ErrAlreadyClaimed     = newError(KindState, "bounty already claimed")
	ErrBountyClosed       = newError(KindState, "bounty closed")
	ErrPayoutPending      = newError(KindState, "payout pending reconciliation")

	ErrAdminRequired       = newError(KindAuthorization, "admin required")
	ErrRecipientNotAllowed = newError(KindAuthorization, "recipient not authorized")
	ErrClaimerNotAssigned  = newError(KindAuthorization, "claimer not assigned")
)

// ErrPayoutFailed wraps failures of the outbound payment channel. It carries
// no Kind: the claim was rejected because the transfer could not be submitted.
var ErrPayoutFailed = errors.New("bounty: payout failed")

var (
	errNilState   = errors.New("bounty engine: state not configured")
	errNilPayer   = errors.New("bounty engine: payout channel not configured")
	errNilHolding = errors.New("bounty engine: holding address not configured")
)

// KindOf returns the Kind of err, or "" when err is not a classified ledger
// error.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}
