// Package validation provides validation utilities for x402 access data.
// It validates addresses, amounts, networks (CAIP-2 format), challenges
// and settlement requests before they reach the relay or a signer.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// bytes32Regex matches 0x-prefixed 32-byte hex values
	bytes32Regex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

	// signatureRegex matches 0x-prefixed 65-byte signatures
	signatureRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)

	// caip2Regex matches CAIP-2 network identifiers (namespace:reference)
	caip2Regex = regexp.MustCompile(`^[a-z0-9]+:[a-zA-Z0-9]+$`)
)

// ValidateAmount validates that an amount string is a positive integer.
// Every purchase has a non-zero price, so zero is rejected.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be positive, got: %s", amount)
	}

	return nil
}

// ValidateNetwork validates a CAIP-2 network identifier.
// Returns an error if the network is empty, not in CAIP-2 format, or not EVM.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("network cannot be empty")
	}

	if !caip2Regex.MatchString(network) {
		return fmt.Errorf("invalid CAIP-2 network format: %s (expected namespace:reference)", network)
	}

	return x402.ValidateNetwork(network)
}

// ValidateAddress validates an EVM address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

func validateBytes32(name, value string) error {
	if !bytes32Regex.MatchString(value) {
		return fmt.Errorf("%s must be 32 bytes of 0x-prefixed hex, got %q", name, value)
	}
	return nil
}

// ValidateChallenge performs comprehensive validation of a challenge
// before it is signed.
func ValidateChallenge(c x402.Challenge) error {
	if c.X402Version != x402.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", c.X402Version, x402.X402Version)
	}

	if err := ValidateAmount(c.Amount); err != nil {
		return fmt.Errorf("invalid challenge: %w", err)
	}

	if err := ValidateNetwork(c.Network); err != nil {
		return fmt.Errorf("invalid challenge: %w", err)
	}
	chainID, _ := x402.GetChainID(c.Network)
	if c.ChainID != chainID {
		return fmt.Errorf("invalid challenge: chainId %d does not match network %s", c.ChainID, c.Network)
	}

	for name, addr := range map[string]string{
		"receiver":         c.Receiver,
		"token":            c.Token,
		"processorAddress": c.ProcessorAddress,
	} {
		if err := ValidateAddress(addr); err != nil {
			return fmt.Errorf("invalid challenge: %s %w", name, err)
		}
	}

	if err := validateBytes32("nonce", c.Nonce); err != nil {
		return fmt.Errorf("invalid challenge: %w", err)
	}
	if err := validateBytes32("tokenNonce", c.TokenNonce); err != nil {
		return fmt.Errorf("invalid challenge: %w", err)
	}

	purchase, err := x402.ParseMemo(c.Memo)
	if err != nil {
		return fmt.Errorf("invalid challenge: %w", err)
	}
	if purchase != c.Purchase {
		return fmt.Errorf("invalid challenge: memo %q does not match purchase", c.Memo)
	}

	if c.Deadline <= 0 {
		return fmt.Errorf("invalid challenge: deadline cannot be empty")
	}
	if c.ValidBefore <= c.ValidAfter {
		return fmt.Errorf("invalid challenge: validBefore must be after validAfter")
	}

	return nil
}

// ValidateSettlementRequest validates the shape of a signed settlement
// request. It does not check signatures.
func ValidateSettlementRequest(req x402.SettlementRequest) error {
	if err := ValidateAddress(req.Address); err != nil {
		return fmt.Errorf("invalid settlement request: %w", err)
	}

	if !signatureRegex.MatchString(req.PaymentSignature) {
		return fmt.Errorf("invalid settlement request: paymentSignature must be 65 bytes of 0x-prefixed hex")
	}

	if err := ValidateAmount(req.PaymentData.Amount); err != nil {
		return fmt.Errorf("invalid settlement request: %w", err)
	}
	if err := validateBytes32("paymentData.nonce", req.PaymentData.Nonce); err != nil {
		return fmt.Errorf("invalid settlement request: %w", err)
	}
	if req.PaymentData.Deadline <= 0 {
		return fmt.Errorf("invalid settlement request: deadline cannot be empty")
	}
	if _, err := x402.ParseMemo(req.PaymentData.Memo); err != nil {
		return fmt.Errorf("invalid settlement request: %w", err)
	}

	auth := req.USDCAuth
	for name, value := range map[string]string{"usdcAuth.nonce": auth.Nonce, "usdcAuth.r": auth.R, "usdcAuth.s": auth.S} {
		if err := validateBytes32(name, value); err != nil {
			return fmt.Errorf("invalid settlement request: %w", err)
		}
	}
	switch auth.V {
	case 0, 1, 27, 28:
	default:
		return fmt.Errorf("invalid settlement request: usdcAuth.v must be 27 or 28, got %d", auth.V)
	}
	if auth.ValidBefore <= auth.ValidAfter {
		return fmt.Errorf("invalid settlement request: validBefore must be after validAfter")
	}

	return nil
}

// ValidateWalletProof validates the shape of a wallet proof. It does not
// check the signature or its age.
func ValidateWalletProof(p x402.WalletProof) error {
	if err := ValidateAddress(p.Address); err != nil {
		return fmt.Errorf("invalid wallet proof: %w", err)
	}
	if p.Message == "" {
		return fmt.Errorf("invalid wallet proof: message cannot be empty")
	}
	if !signatureRegex.MatchString(p.Signature) {
		return fmt.Errorf("invalid wallet proof: signature must be 65 bytes of 0x-prefixed hex")
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("invalid wallet proof: timestamp cannot be empty")
	}
	return nil
}
