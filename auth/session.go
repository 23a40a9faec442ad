package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is the lifetime of an issued session token.
const DefaultSessionTTL = 15 * time.Minute

const sessionIssuer = "x402-access"

var (
	ErrInvalidSession = errors.New("auth: invalid session token")
	ErrSessionExpired = errors.New("auth: session token has expired")
	ErrWeakSecret     = errors.New("auth: session secret must be at least 32 bytes")
)

// SessionClaims binds a session token to a wallet address.
type SessionClaims struct {
	Address string `json:"addr"`
	jwt.RegisteredClaims
}

// SessionIssuer trades a verified wallet proof for a short-lived HS256
// token, so a client does not have to sign every request.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a token for address and its expiry.
func (s *SessionIssuer) Issue(address common.Address) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		Address: address.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   address.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expires, nil
}

// Validate returns the address a token was issued for.
func (s *SessionIssuer) Validate(tokenString string) (common.Address, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return common.Address{}, ErrSessionExpired
		}
		return common.Address{}, ErrInvalidSession
	}
	if !token.Valid || !common.IsHexAddress(claims.Address) {
		return common.Address{}, ErrInvalidSession
	}
	return common.HexToAddress(claims.Address), nil
}
