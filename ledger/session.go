package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// Session binds an identity to the ledger's privileged operations, the
// way a keyed transactor binds a key to a contract. The access engine and
// the relay hold a Session for the operator identity.
type Session struct {
	ledger *AccessLedger
	sender common.Address
}

// Session returns a Session acting as sender.
func (l *AccessLedger) Session(sender common.Address) *Session {
	return &Session{ledger: l, sender: sender}
}

// Sender returns the bound identity.
func (s *Session) Sender() common.Address { return s.sender }

func (s *Session) AccessStatus(ctx context.Context, account common.Address) (x402.AccessStatus, error) {
	return s.ledger.AccessStatus(ctx, account)
}

func (s *Session) IsCallIDUsed(ctx context.Context, callID x402.CallID) (bool, error) {
	return s.ledger.IsCallIDUsed(ctx, callID)
}

func (s *Session) Pricing(context.Context) (x402.PricingTable, error) {
	return s.ledger.Pricing(), nil
}

func (s *Session) ConsumeCredits(ctx context.Context, account common.Address, amount uint64) error {
	_, err := s.ledger.ConsumeCredits(ctx, s.sender, account, amount)
	return err
}

func (s *Session) RecordPerCall(ctx context.Context, account common.Address, callID x402.CallID, amount *big.Int) error {
	return s.ledger.RecordPerCall(ctx, s.sender, account, callID, amount)
}

func (s *Session) GrantPremium(ctx context.Context, account common.Address, days uint64) error {
	_, err := s.ledger.GrantPremium(ctx, s.sender, account, days)
	return err
}

func (s *Session) GrantCredits(ctx context.Context, account common.Address, credits uint64) error {
	_, err := s.ledger.GrantCredits(ctx, s.sender, account, credits)
	return err
}

func (s *Session) RecordTierPurchase(ctx context.Context, account common.Address, days uint64, amount *big.Int) error {
	_, err := s.ledger.RecordTierPurchase(ctx, s.sender, account, days, amount)
	return err
}

func (s *Session) RecordCreditPurchase(ctx context.Context, account common.Address, packs uint64, amount *big.Int) error {
	_, err := s.ledger.RecordCreditPurchase(ctx, s.sender, account, packs, amount)
	return err
}
