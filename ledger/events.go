package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// EventKind names a ledger event.
type EventKind string

const (
	EventPaymentRecorded  EventKind = "PaymentRecorded"
	EventTierPurchased    EventKind = "TierPurchased"
	EventCreditsPurchased EventKind = "CreditsPurchased"
	EventCreditsConsumed  EventKind = "CreditsConsumed"
	EventPremiumGranted   EventKind = "PremiumGranted"
	EventCreditsGranted   EventKind = "CreditsGranted"
	EventWithdrawn        EventKind = "Withdrawn"
	EventOperatorChanged  EventKind = "OperatorChanged"
)

// Event is an entry in the ledger's append-only event log. Fields not
// relevant to Kind are zero.
type Event struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Account   common.Address `json:"account"`
	CallID    x402.CallID    `json:"callId"`
	Amount    *big.Int       `json:"amount,omitempty"`
	Credits   uint64         `json:"credits,omitempty"`
	Days      uint64         `json:"days,omitempty"`
	ExpiresAt int64          `json:"expiresAt,omitempty"`
	Timestamp int64          `json:"timestamp"`
}
