package errors

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid claim arbitration input")
	ErrInvalidAccount      = errors.New("account is empty or zero")
	ErrInvalidStake        = errors.New("stake must be a positive whole amount")
	ErrStakeBelowMinimum   = errors.New("stake below minimum")
	ErrVerifierNotFound    = errors.New("verifier not found")
	ErrVerifierInactive    = errors.New("verifier is not active")
	ErrClaimNotFound       = errors.New("claim not found")
	ErrClaimResolved       = errors.New("claim already resolved")
	ErrVotingClosed        = errors.New("voting deadline has passed")
	ErrVotingOpen          = errors.New("voting deadline has not passed")
	ErrAlreadyVoted        = errors.New("verifier already voted on claim")
	ErrReentrantCall       = errors.New("reentrant call rejected")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindStateConflict
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
	default:
		return "unknown"
	}
}

// KindOf classifies err, looking through wrapping.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrInvalidStake),
		errors.Is(err, ErrStakeBelowMinimum),
		errors.Is(err, ErrIdempotencyConflict):
		return KindValidation
	case errors.Is(err, ErrVerifierInactive):
		return KindAuthorization
	case errors.Is(err, ErrVerifierNotFound),
		errors.Is(err, ErrClaimNotFound):
		return KindNotFound
	case errors.Is(err, ErrClaimResolved),
		errors.Is(err, ErrVotingClosed),
		errors.Is(err, ErrVotingOpen),
		errors.Is(err, ErrAlreadyVoted),
		errors.Is(err, ErrReentrantCall),
		errors.Is(err, ErrConflict):
		return KindStateConflict
	default:
		return KindUnknown
	}
}
