// Package access resolves whether a caller may run an operation.
//
// Resolution is strictly ordered and the first match wins:
//
//  1. premium active: allow, no debit
//  2. credit balance covers the operation cost: allow, debit the cost
//  3. a per-call identifier was supplied and the ledger reports it paid: allow
//  4. otherwise deny, and the caller receives the pricing table
//
// The decision itself is the pure function Decide over a Snapshot read once
// per request. Engine does the reading, the retrying and the side effects.
package access

import (
	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// Snapshot is the ledger state one decision is made on.
type Snapshot struct {
	Account common.Address
	Status  x402.AccessStatus

	// CallID is the per-call identifier the caller supplied, if any.
	CallID x402.CallID

	// CallIDUsed reports whether the ledger recorded a payment for CallID.
	CallIDUsed bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Allowed bool

	// Tier is the tier an allowed request resolved to.
	Tier x402.Tier

	// Debit is the number of credits to spend before serving.
	Debit uint64
}

// Decide resolves s against an operation costing cost credits.
func Decide(s Snapshot, cost uint64) Decision {
	switch {
	case s.Status.IsPremium:
		return Decision{Allowed: true, Tier: x402.TierPremium}
	case s.Status.CreditBalance >= cost:
		return Decision{Allowed: true, Tier: x402.TierCredits, Debit: cost}
	case !s.CallID.IsZero() && s.CallIDUsed:
		return Decision{Allowed: true, Tier: x402.TierPerCall}
	}
	return Decision{}
}
