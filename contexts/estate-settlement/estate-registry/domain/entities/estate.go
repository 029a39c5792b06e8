package entities

import (
	"fmt"
	"time"

	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
)

type Estate struct {
	EstateID                    uint64
	Owner                       Account
	MetadataRef                 string
	Allocations                 []Allocation
	Guardians                   []Account
	GuardianThreshold           uint32
	RequiresGuardianAttestation bool
	Active                      bool
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
	ExecutedAt                  *time.Time
	RevokedAt                   *time.Time
}

func (e Estate) IsExecuted() bool {
	return e.ExecutedAt != nil
}

// IsTerminal reports whether the estate has been revoked or executed.
func (e Estate) IsTerminal() bool {
	return !e.Active || e.ExecutedAt != nil
}

func (e Estate) IsGuardian(account Account) bool {
	account = account.Normalize()
	for _, guardian := range e.Guardians {
		if guardian == account {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never share slices with callers.
func (e Estate) Clone() Estate {
	out := e
	out.Allocations = CloneAllocations(e.Allocations)
	if e.Guardians != nil {
		out.Guardians = append([]Account(nil), e.Guardians...)
	}
	if e.ExecutedAt != nil {
		executedAt := *e.ExecutedAt
		out.ExecutedAt = &executedAt
	}
	if e.RevokedAt != nil {
		revokedAt := *e.RevokedAt
		out.RevokedAt = &revokedAt
	}
	return out
}

// ValidateGuardianPolicy checks the guardian list and threshold. When
// attestation is required the list must be non-empty and the threshold must
// satisfy 0 < threshold <= len(guardians).
func ValidateGuardianPolicy(guardians []Account, threshold uint32, requiresAttestation bool) error {
	seen := make(map[Account]struct{}, len(guardians))
	for i, guardian := range guardians {
		if guardian.IsZero() {
			return fmt.Errorf("guardian %d: %w", i, domainerrors.ErrInvalidGuardians)
		}
		key := guardian.Normalize()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("guardian %d duplicated: %w", i, domainerrors.ErrInvalidGuardians)
		}
		seen[key] = struct{}{}
	}
	if !requiresAttestation {
		return nil
	}
	if len(guardians) == 0 {
		return domainerrors.ErrInvalidGuardians
	}
	if threshold == 0 || int(threshold) > len(guardians) {
		return domainerrors.ErrInvalidThreshold
	}
	return nil
}

// GuardianApproval records that a guardian authorised release of an estate.
type GuardianApproval struct {
	EstateID   uint64
	Guardian   Account
	ApprovedAt time.Time
}
