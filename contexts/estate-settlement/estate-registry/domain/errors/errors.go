package errors

import "errors"

var (
	ErrEmptyAllocations    = errors.New("allocation set is empty")
	ErrBadShare            = errors.New("allocation share must be within (0, 10000] basis points")
	ErrZeroRecipient       = errors.New("allocation recipient is the null account")
	ErrShareSumMismatch    = errors.New("allocation shares must sum to 10000 basis points")
	ErrInvalidOwner        = errors.New("estate owner is required")
	ErrInvalidGuardians    = errors.New("guardian list is invalid")
	ErrInvalidThreshold    = errors.New("guardian threshold is invalid")
	ErrInvalidSnapshot     = errors.New("asset snapshot is invalid")
	ErrInvalidInput        = errors.New("estate input is invalid")
	ErrNotOwner            = errors.New("caller is not the estate owner")
	ErrNotGuardian         = errors.New("caller is not a guardian of the estate")
	ErrEstateNotFound      = errors.New("estate not found")
	ErrEstateInactive      = errors.New("estate is not active")
	ErrAlreadyExecuted     = errors.New("estate is already executed")
	ErrAttestationOff      = errors.New("estate does not require guardian attestation")
	ErrAlreadyApproved     = errors.New("guardian already approved this estate")
	ErrThresholdNotMet     = errors.New("guardian approval threshold not met")
	ErrReentrantCall       = errors.New("estate execution is already in progress")
	ErrTransferFailed      = errors.New("asset transfer failed")
	ErrConflict            = errors.New("estate record conflict")
	ErrIdempotencyConflict = errors.New("idempotency key already used with different payload")
	ErrCustodyUnavailable  = errors.New("asset custody is not configured")
)

// Kind is the rejection taxonomy shared by every estate operation.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindStateConflict
	KindTransferFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindTransferFailure:
		return "transfer_failure"
	default:
		return "unknown"
	}
}

// KindOf classifies err, following wrapped errors.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrEmptyAllocations),
		errors.Is(err, ErrBadShare),
		errors.Is(err, ErrZeroRecipient),
		errors.Is(err, ErrShareSumMismatch),
		errors.Is(err, ErrInvalidOwner),
		errors.Is(err, ErrInvalidGuardians),
		errors.Is(err, ErrInvalidThreshold),
		errors.Is(err, ErrInvalidSnapshot),
		errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrNotGuardian):
		return KindAuthorization
	case errors.Is(err, ErrEstateNotFound):
		return KindNotFound
	case errors.Is(err, ErrEstateInactive),
		errors.Is(err, ErrAlreadyExecuted),
		errors.Is(err, ErrAttestationOff),
		errors.Is(err, ErrAlreadyApproved),
		errors.Is(err, ErrThresholdNotMet),
		errors.Is(err, ErrReentrantCall),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrIdempotencyConflict):
		return KindStateConflict
	case errors.Is(err, ErrTransferFailed):
		return KindTransferFailure
	default:
		return KindUnknown
	}
}
