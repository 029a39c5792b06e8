package entities

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	InitialReputation uint32 = 500
	MaxReputation     uint32 = 1000
)

type Account string

// IsZero reports whether the account is empty or an all-zero hex address.
func (a Account) IsZero() bool {
	value := strings.TrimSpace(string(a))
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	return strings.Trim(value, "0") == ""
}

func (a Account) Normalize() Account {
	return Account(strings.TrimSpace(string(a)))
}

func (a Account) String() string {
	return string(a)
}

// Verifier is a staked account allowed to vote on claims.
type Verifier struct {
	Account           Account
	Active            bool
	Stake             decimal.Decimal
	Reputation        uint32
	TotalVotesCast    uint64
	CorrectVotesCount uint64
	StakedAt          time.Time
	UnstakedAt        *time.Time
	UpdatedAt         time.Time
}

// VoteWeight is floor(reputation / 10): 0 below reputation 10, 100 at the
// maximum.
func (v Verifier) VoteWeight() uint32 {
	return VoteWeight(v.Reputation)
}

func VoteWeight(reputation uint32) uint32 {
	if reputation > MaxReputation {
		reputation = MaxReputation
	}
	return reputation / 10
}

// ClampReputation applies delta and keeps the result in [0, MaxReputation].
func ClampReputation(current uint32, delta int32) uint32 {
	next := int64(current) + int64(delta)
	if next < 0 {
		return 0
	}
	if next > int64(MaxReputation) {
		return MaxReputation
	}
	return uint32(next)
}

// RegistrationOutcome says what a register call did to the verifier record.
type RegistrationOutcome string

const (
	RegistrationCreated     RegistrationOutcome = "created"
	RegistrationToppedUp    RegistrationOutcome = "topped_up"
	RegistrationReactivated RegistrationOutcome = "reactivated"
)
