// Package encoding provides utilities for encoding and decoding x402 data
// carried in HTTP headers and MCP metadata: base64 over JSON for signed
// settlement requests, settlement results and challenges, and plain base64
// for wallet proof messages.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// EncodeSettlementRequest converts a SettlementRequest to a base64-encoded
// JSON string. This is the X-PAYMENT header of an inline payment.
//
// Returns an error if JSON marshaling fails.
func EncodeSettlementRequest(req x402.SettlementRequest) (string, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reqJSON), nil
}

// DecodeSettlementRequest converts a base64-encoded JSON string to a
// SettlementRequest.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeSettlementRequest(encoded string) (x402.SettlementRequest, error) {
	var req x402.SettlementRequest

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return req, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &req); err != nil {
		return req, fmt.Errorf("failed to unmarshal settlement request: %w", err)
	}

	return req, nil
}

// EncodeSettlement converts a SettleResponse to base64-encoded JSON string.
// This is used for HTTP X-PAYMENT-RESPONSE headers.
//
// Returns an error if JSON marshaling fails.
func EncodeSettlement(settlement x402.SettleResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to SettleResponse.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeSettlement(encoded string) (x402.SettleResponse, error) {
	var settlement x402.SettleResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}

// EncodeChallenge converts a Challenge to base64-encoded JSON.
//
// Returns an error if JSON marshaling fails.
func EncodeChallenge(challenge x402.Challenge) (string, error) {
	challengeJSON, err := json.Marshal(challenge)
	if err != nil {
		return "", fmt.Errorf("failed to marshal challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(challengeJSON), nil
}

// DecodeChallenge converts base64-encoded JSON to a Challenge.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeChallenge(encoded string) (x402.Challenge, error) {
	var challenge x402.Challenge

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return challenge, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &challenge); err != nil {
		return challenge, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	return challenge, nil
}

// EncodeMessage base64-encodes a wallet proof message so that multi-line
// messages fit in the X-Wallet-Message header.
func EncodeMessage(message string) string {
	return base64.StdEncoding.EncodeToString([]byte(message))
}

// DecodeMessage reverses EncodeMessage.
func DecodeMessage(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	return string(decoded), nil
}
