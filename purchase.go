package x402

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PurchaseKind names what a payment buys.
type PurchaseKind string

const (
	PurchasePerCall PurchaseKind = "per-call"
	PurchasePremium PurchaseKind = "premium"
	PurchaseCredits PurchaseKind = "credits"
)

// Purchase is the decoded memo of a payment authorization.
type Purchase struct {
	Kind PurchaseKind `json:"kind"`

	// Days is the premium duration (premium only).
	Days uint64 `json:"days,omitempty"`

	// Packs is the number of credit packs (credits only).
	Packs uint64 `json:"packs,omitempty"`

	// CallID is the call identifier paid for (per-call only), 0x-prefixed hex.
	CallID string `json:"callId,omitempty"`
}

// PerCallPurchase returns a per-call purchase for id.
func PerCallPurchase(id CallID) Purchase {
	return Purchase{Kind: PurchasePerCall, CallID: id.Hex()}
}

// Memo encodes the purchase as the signed memo string:
// "per-call:<callId>", "premium:<days>" or "credits:<packs>".
func (p Purchase) Memo() string {
	switch p.Kind {
	case PurchasePerCall:
		return string(PurchasePerCall) + ":" + p.CallID
	case PurchasePremium:
		return string(PurchasePremium) + ":" + strconv.FormatUint(p.Days, 10)
	case PurchaseCredits:
		return string(PurchaseCredits) + ":" + strconv.FormatUint(p.Packs, 10)
	}
	return string(p.Kind)
}

// ParseMemo decodes a memo written by Purchase.Memo.
func ParseMemo(memo string) (Purchase, error) {
	kind, arg, ok := strings.Cut(memo, ":")
	if !ok || arg == "" {
		return Purchase{}, fmt.Errorf("%w: memo %q", ErrInvalidPurchase, memo)
	}

	switch PurchaseKind(kind) {
	case PurchasePerCall:
		id, err := ParseCallID(arg)
		if err != nil {
			return Purchase{}, err
		}
		return PerCallPurchase(id), nil
	case PurchasePremium:
		days, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return Purchase{}, fmt.Errorf("%w: memo %q", ErrInvalidPurchase, memo)
		}
		return Purchase{Kind: PurchasePremium, Days: days}, nil
	case PurchaseCredits:
		packs, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return Purchase{}, fmt.Errorf("%w: memo %q", ErrInvalidPurchase, memo)
		}
		return Purchase{Kind: PurchaseCredits, Packs: packs}, nil
	default:
		return Purchase{}, fmt.Errorf("%w: memo %q", ErrInvalidPurchase, memo)
	}
}

// CallID is the 256-bit identifier of one chargeable operation. It is
// opaque to the ledger.
type CallID [32]byte

// NewCallID derives keccak256(caller ‖ nonce ‖ unix seconds).
func NewCallID(caller common.Address, nonce []byte, at time.Time) CallID {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.Unix()))

	var id CallID
	copy(id[:], crypto.Keccak256(caller.Bytes(), nonce, ts[:]))
	return id
}

// RandomCallID derives a call identifier from a fresh random nonce.
func RandomCallID(caller common.Address) (CallID, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return CallID{}, err
	}
	return NewCallID(caller, nonce, time.Now()), nil
}

// ParseCallID decodes a 0x-prefixed 32-byte hex identifier.
func ParseCallID(s string) (CallID, error) {
	var id CallID
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: %q", ErrInvalidCallID, s)
	}
	copy(id[:], raw)
	return id, nil
}

// Hex returns the 0x-prefixed hex form.
func (c CallID) Hex() string {
	return "0x" + hex.EncodeToString(c[:])
}

// IsZero reports whether c is unset.
func (c CallID) IsZero() bool {
	return c == CallID{}
}

func (c CallID) String() string { return c.Hex() }

func (c CallID) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

func (c *CallID) UnmarshalText(text []byte) error {
	id, err := ParseCallID(string(text))
	if err != nil {
		return err
	}
	*c = id
	return nil
}
