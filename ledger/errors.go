package ledger

import (
	"errors"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// Contract error kinds. The on-chain ledger reverts with custom errors of
// the same names; chain adapters decode them into these sentinels.
var (
	// ErrIncorrectAmount indicates the paid value differs from the configured price.
	ErrIncorrectAmount = errors.New("ledger: incorrect amount")

	// ErrAlreadyUsed indicates the call identifier is already in the replay set.
	ErrAlreadyUsed = errors.New("ledger: call identifier already used")

	// ErrInsufficientCredits indicates a debit larger than the credit balance.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")

	// ErrInvalidDuration indicates a premium duration that is not offered.
	ErrInvalidDuration = x402.ErrInvalidDuration

	// ErrInvalidPackCount indicates a credit purchase of zero packs.
	ErrInvalidPackCount = x402.ErrInvalidPackCount

	// ErrNotOwner indicates an owner-only operation called by someone else.
	ErrNotOwner = errors.New("ledger: caller is not the owner")

	// ErrNotOperator indicates an operator-only operation called by someone else.
	ErrNotOperator = errors.New("ledger: caller is not the operator")

	// ErrCreditOverflow indicates a credit balance that would exceed the
	// largest representable balance.
	ErrCreditOverflow = errors.New("ledger: credit balance overflow")

	// ErrWithdrawFailed indicates the payout of the collected balance failed.
	ErrWithdrawFailed = errors.New("ledger: withdraw failed")
)

// ErrorByName maps contract error names to sentinels.
var ErrorByName = map[string]error{
	"IncorrectAmount":     ErrIncorrectAmount,
	"AlreadyUsed":         ErrAlreadyUsed,
	"InsufficientCredits": ErrInsufficientCredits,
	"InvalidDuration":     ErrInvalidDuration,
	"InvalidPackCount":    ErrInvalidPackCount,
	"NotOwner":            ErrNotOwner,
	"NotOperator":         ErrNotOperator,
	"WithdrawFailed":      ErrWithdrawFailed,
}
