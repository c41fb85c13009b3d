package pipeline

import (
	"errors"
	"fmt"

	"creditgen-go/internal/ledger"
	"creditgen-go/internal/store"
)

// Error kinds rendered to clients
const (
	KindValidation               = "ValidationError"
	KindRateLimited              = "RateLimited"
	KindSignInRequired           = "SignInRequired"
	KindInsufficientCredits      = "InsufficientCredits"
	KindProviderError            = "ProviderError"
	KindContention               = "Contention"
	KindReconciliationContention = "ReconciliationContention"
	KindUnknownJobReference      = "UnknownJobReference"
	KindNotFound                 = "NotFound"
	KindConflict                 = "Conflict"
	KindInternal                 = "InternalError"
)

var (
	ErrValidation               = errors.New("validation failed")
	ErrRateLimited              = errors.New("rate limited")
	ErrSignInRequired           = ledger.ErrSignInRequired
	ErrInsufficientCredits      = store.ErrInsufficientCredits
	ErrProviderSubmission       = errors.New("provider submission failed")
	ErrReconciliationContention = errors.New("reconciliation contention")
	ErrUnknownJobReference      = errors.New("unknown job reference")
)

// User-facing reasons
const (
	ReasonSignInRequired      = "Sign in to get free credits."
	ReasonInsufficientCredits = "Not enough credits. Please top up to continue."
	ReasonProviderError       = "The generation service could not accept your request. Your credits have been refunded."
	ReasonContention          = "We could not update your balance. Please try again."
	ReasonInternal            = "Something went wrong. Please try again."
)

// Error is a classified failure. Reason is safe to render directly.
type Error struct {
	Kind   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(reason string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Err: ErrValidation}
}

// Classify returns the classified form of err, deriving the kind from the
// wrapped sentinel when err is not already an *Error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidAmount):
		return &Error{Kind: KindValidation, Reason: "Invalid request.", Err: err}
	case errors.Is(err, ErrRateLimited):
		return &Error{Kind: KindRateLimited, Reason: "Too many requests. Please try again later.", Err: err}
	case errors.Is(err, ErrSignInRequired):
		return &Error{Kind: KindSignInRequired, Reason: ReasonSignInRequired, Err: err}
	case errors.Is(err, ErrInsufficientCredits):
		return &Error{Kind: KindInsufficientCredits, Reason: ReasonInsufficientCredits, Err: err}
	case errors.Is(err, ErrProviderSubmission):
		return &Error{Kind: KindProviderError, Reason: ReasonProviderError, Err: err}
	case errors.Is(err, ledger.ErrContention):
		return &Error{Kind: KindContention, Reason: ReasonContention, Err: err}
	case errors.Is(err, ErrReconciliationContention), errors.Is(err, store.ErrConcurrentModification):
		return &Error{Kind: KindReconciliationContention, Reason: "Job update conflicted, retry later.", Err: err}
	case errors.Is(err, ErrUnknownJobReference):
		return &Error{Kind: KindUnknownJobReference, Reason: "Unknown job reference.", Err: err}
	case errors.Is(err, store.ErrJobNotFound):
		return &Error{Kind: KindNotFound, Reason: "Job not found.", Err: err}
	case errors.Is(err, store.ErrNotOwner):
		return &Error{Kind: KindNotFound, Reason: "Asset not found.", Err: err}
	case errors.Is(err, store.ErrNotOrderable):
		return &Error{Kind: KindConflict, Reason: "Only completed assets can be ordered.", Err: err}
	case errors.Is(err, store.ErrStaleOrder):
		return &Error{Kind: KindConflict, Reason: "Your asset list is out of date. Refresh and try again.", Err: err}
	default:
		return &Error{Kind: KindInternal, Reason: ReasonInternal, Err: err}
	}
}
