package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Premium durations a tier purchase may buy.
const (
	PremiumShortDays uint64 = 7
	PremiumLongDays  uint64 = 30
)

// DefaultOperationCost is the credit cost of an operation without an entry
// in PricingTable.OperationCosts.
const DefaultOperationCost uint64 = 1

// PricingTable is the fixed set of tier prices plus per-operation credit
// costs. It is constant for the lifetime of a ledger.
type PricingTable struct {
	// PerCall is the price of one per-call payment.
	PerCall *big.Int

	// Premium7Days is the price of seven days of premium access.
	Premium7Days *big.Int

	// Premium30Days is the price of thirty days of premium access.
	Premium30Days *big.Int

	// CreditPack is the price of one credit pack.
	CreditPack *big.Int

	// CreditsPerPack is how many credits one pack buys.
	CreditsPerPack uint64

	// OperationCosts maps operation names to their credit cost.
	OperationCosts map[string]uint64
}

// DefaultPricing returns the default table for a 6-decimal stablecoin.
func DefaultPricing() PricingTable {
	return PricingTable{
		PerCall:        big.NewInt(10_000),     // 0.01
		Premium7Days:   big.NewInt(5_000_000),  // 5.00
		Premium30Days:  big.NewInt(15_000_000), // 15.00
		CreditPack:     big.NewInt(1_000_000),  // 1.00
		CreditsPerPack: 100,
		OperationCosts: map[string]uint64{
			"generate":      1,
			"generate-long": 3,
		},
	}
}

// Validate ensures every price is set and positive.
func (p PricingTable) Validate() error {
	prices := map[string]*big.Int{
		"perCall":       p.PerCall,
		"premium7Days":  p.Premium7Days,
		"premium30Days": p.Premium30Days,
		"creditPack":    p.CreditPack,
	}
	for name, price := range prices {
		if price == nil || price.Sign() <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidPricing, name)
		}
	}
	if p.CreditsPerPack == 0 {
		return fmt.Errorf("%w: creditsPerPack must be positive", ErrInvalidPricing)
	}
	for op, cost := range p.OperationCosts {
		if cost == 0 {
			return fmt.Errorf("%w: operation %q has zero cost", ErrInvalidPricing, op)
		}
	}
	return nil
}

// PremiumPrice returns the price of a premium duration.
func (p PricingTable) PremiumPrice(days uint64) (*big.Int, error) {
	switch days {
	case PremiumShortDays:
		return new(big.Int).Set(p.Premium7Days), nil
	case PremiumLongDays:
		return new(big.Int).Set(p.Premium30Days), nil
	default:
		return nil, fmt.Errorf("%w: %d days", ErrInvalidDuration, days)
	}
}

// CreditsPrice returns the price of packs credit packs.
func (p PricingTable) CreditsPrice(packs uint64) (*big.Int, error) {
	if packs == 0 {
		return nil, ErrInvalidPackCount
	}
	return new(big.Int).Mul(p.CreditPack, new(big.Int).SetUint64(packs)), nil
}

// CreditCost returns the credit cost of an operation.
func (p PricingTable) CreditCost(operation string) uint64 {
	if cost, ok := p.OperationCosts[operation]; ok && cost > 0 {
		return cost
	}
	return DefaultOperationCost
}

// PriceOf returns the exact price of a purchase.
func (p PricingTable) PriceOf(purchase Purchase) (*big.Int, error) {
	switch purchase.Kind {
	case PurchasePerCall:
		return new(big.Int).Set(p.PerCall), nil
	case PurchasePremium:
		return p.PremiumPrice(purchase.Days)
	case PurchaseCredits:
		return p.CreditsPrice(purchase.Packs)
	default:
		return nil, fmt.Errorf("%w: unknown purchase %q", ErrInvalidPurchase, purchase.Kind)
	}
}

type pricingJSON struct {
	PerCall        string            `json:"perCall"`
	Premium7Days   string            `json:"premium7Days"`
	Premium30Days  string            `json:"premium30Days"`
	CreditPack     string            `json:"creditPack"`
	CreditsPerPack uint64            `json:"creditsPerPack"`
	OperationCosts map[string]uint64 `json:"operationCosts,omitempty"`
	DefaultCost    uint64            `json:"defaultOperationCost"`
}

// MarshalJSON encodes prices as decimal strings in atomic units.
func (p PricingTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(pricingJSON{
		PerCall:        bigString(p.PerCall),
		Premium7Days:   bigString(p.Premium7Days),
		Premium30Days:  bigString(p.Premium30Days),
		CreditPack:     bigString(p.CreditPack),
		CreditsPerPack: p.CreditsPerPack,
		OperationCosts: p.OperationCosts,
		DefaultCost:    DefaultOperationCost,
	})
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (p *PricingTable) UnmarshalJSON(data []byte) error {
	var raw pricingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if p.PerCall, err = ParseAtomic(raw.PerCall); err != nil {
		return fmt.Errorf("perCall: %w", err)
	}
	if p.Premium7Days, err = ParseAtomic(raw.Premium7Days); err != nil {
		return fmt.Errorf("premium7Days: %w", err)
	}
	if p.Premium30Days, err = ParseAtomic(raw.Premium30Days); err != nil {
		return fmt.Errorf("premium30Days: %w", err)
	}
	if p.CreditPack, err = ParseAtomic(raw.CreditPack); err != nil {
		return fmt.Errorf("creditPack: %w", err)
	}
	p.CreditsPerPack = raw.CreditsPerPack
	p.OperationCosts = raw.OperationCosts
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
