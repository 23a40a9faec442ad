package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/auth"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip3009"
	"github.com/KartikMantri/pay-per-request-prompt-x402/internal/eip712"
	"github.com/KartikMantri/pay-per-request-prompt-x402/processor"
)

type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	chainID    int64
	maxAmount  *big.Int
	now        func() time.Time
}

var _ x402.Signer = (*Signer)(nil)

type Option func(*Signer) error

func NewSigner(network string, privateKeyHex string, opts ...Option) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return NewSignerFromKey(network, privateKey, opts...)
}

func NewSignerFromKey(network string, key *ecdsa.PrivateKey, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, x402.ErrInvalidKey
	}
	s := &Signer{
		privateKey: key,
		network:    network,
		now:        time.Now,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.address = crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := x402.GetChainID(network)
	if err != nil {
		return nil, err
	}
	s.chainID = chainID

	return s, nil
}

func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

func (s *Signer) Network() string {
	return s.network
}

func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

func (s *Signer) Address() common.Address {
	return s.address
}

// NewCallID returns a fresh call identifier for this wallet.
func (s *Signer) NewCallID() (x402.CallID, error) {
	return x402.RandomCallID(s.address)
}

// CanSign reports whether the challenge is on this signer's network.
func (s *Signer) CanSign(challenge *x402.Challenge) bool {
	return challenge != nil && challenge.Network == s.network && challenge.ChainID == s.chainID
}

// SignChallenge signs the payment authorization and the token transfer
// authorization a challenge describes. Both typed-data structures are
// rebuilt from the challenge fields with this wallet as "from", so a
// tampered typed-data section cannot redirect the signature.
func (s *Signer) SignChallenge(challenge *x402.Challenge) (*x402.SettlementRequest, error) {
	if !s.CanSign(challenge) {
		return nil, fmt.Errorf("%w: network %q", x402.ErrInvalidChallenge, challengeNetwork(challenge))
	}

	amount, err := x402.ParseAtomic(challenge.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount %q", x402.ErrInvalidChallenge, challenge.Amount)
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}
	if _, err := x402.ParseMemo(challenge.Memo); err != nil {
		return nil, fmt.Errorf("%w: %w", x402.ErrInvalidChallenge, err)
	}
	if challenge.Deadline <= s.now().Unix() {
		return nil, fmt.Errorf("%w: deadline has passed", x402.ErrInvalidChallenge)
	}
	if challenge.ValidBefore <= challenge.ValidAfter {
		return nil, fmt.Errorf("%w: empty token authorization window", x402.ErrInvalidChallenge)
	}
	for _, addr := range []string{challenge.ProcessorAddress, challenge.Token, challenge.Receiver} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%w: address %q", x402.ErrInvalidChallenge, addr)
		}
	}
	nonce, err := bytes32(challenge.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce", x402.ErrInvalidChallenge)
	}
	tokenNonce, err := bytes32(challenge.TokenNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: token nonce", x402.ErrInvalidChallenge)
	}

	chainID := big.NewInt(s.chainID)
	processorDomain := eip712.Domain{
		Name:              challenge.Payment.Domain.Name,
		Version:           challenge.Payment.Domain.Version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(challenge.ProcessorAddress),
	}
	tokenDomain := eip712.Domain{
		Name:              challenge.TokenAuthorization.Domain.Name,
		Version:           challenge.TokenAuthorization.Domain.Version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(challenge.Token),
	}
	if processorDomain.Name == "" || tokenDomain.Name == "" {
		return nil, fmt.Errorf("%w: missing EIP-712 domain name", x402.ErrInvalidChallenge)
	}

	payment := processor.Authorization{
		From:     s.address,
		Amount:   amount,
		Nonce:    nonce,
		Deadline: big.NewInt(challenge.Deadline),
		Memo:     challenge.Memo,
	}
	paymentSig, err := processor.Sign(s.privateKey, processorDomain, payment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", x402.ErrSigningFailed, err)
	}

	transfer := &eip3009.Authorization{
		From:        s.address,
		To:          common.HexToAddress(challenge.Receiver),
		Value:       amount,
		ValidAfter:  big.NewInt(challenge.ValidAfter),
		ValidBefore: big.NewInt(challenge.ValidBefore),
		Nonce:       tokenNonce,
	}
	transferSig, err := eip3009.SignAuthorization(s.privateKey, tokenDomain, transfer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", x402.ErrSigningFailed, err)
	}

	return &x402.SettlementRequest{
		Address:          s.address.Hex(),
		PaymentSignature: hexutil.Encode(paymentSig),
		USDCAuth: x402.TokenAuthorization{
			ValidAfter:  challenge.ValidAfter,
			ValidBefore: challenge.ValidBefore,
			Nonce:       common.Hash(tokenNonce).Hex(),
			V:           transferSig.V,
			R:           common.Hash(transferSig.R).Hex(),
			S:           common.Hash(transferSig.S).Hex(),
		},
		PaymentData: x402.PaymentData{
			Amount:   amount.String(),
			Nonce:    common.Hash(nonce).Hex(),
			Deadline: challenge.Deadline,
			Memo:     challenge.Memo,
		},
	}, nil
}

// ProveOwnership signs a wallet proof dated now. An empty message gets the
// default proof text; a message without the timestamp has it appended.
func (s *Signer) ProveOwnership(message string) (*x402.WalletProof, error) {
	now := s.now()
	ts := strconv.FormatInt(now.Unix(), 10)
	switch {
	case message == "":
		message = auth.ProofMessage(s.address, now)
	case !strings.Contains(message, ts):
		message = message + " at " + ts
	}

	proof, err := auth.SignProof(s.privateKey, message, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", x402.ErrSigningFailed, err)
	}
	return &proof, nil
}

func bytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

func challengeNetwork(c *x402.Challenge) string {
	if c == nil {
		return ""
	}
	return c.Network
}
