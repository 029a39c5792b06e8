package entities

import "strings"

// Account identifies a ledger participant (owner, recipient, guardian).
type Account string

// AssetID identifies a fungible asset or a collectible contract.
type AssetID string

// IsZero reports whether the account is the null account: empty, or a hex
// address made only of zero digits.
func (a Account) IsZero() bool {
	value := strings.TrimSpace(string(a))
	if value == "" {
		return true
	}
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	if value == "" {
		return true
	}
	return strings.Trim(value, "0") == ""
}

func (a Account) Normalize() Account {
	return Account(strings.TrimSpace(string(a)))
}

func (a Account) String() string {
	return string(a)
}

func (id AssetID) IsWildcard() bool {
	return strings.TrimSpace(string(id)) == ""
}
