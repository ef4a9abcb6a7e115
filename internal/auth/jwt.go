// Package auth issues and validates the short-lived connection tickets the AS hands
// clients so the DS can route per-user traffic without itself becoming an
// authentication authority. A ticket is purely a transport-routing credential; the
// application-layer Credential described in spec.md stays Ed25519-based and is verified
// independently by every client (see internal/credential and internal/mlsadapter).
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TicketClaims holds the JWT claims for a DS connection ticket.
type TicketClaims struct {
	jwt.RegisteredClaims
}

// NewConnectionTicket creates a signed JWT connection ticket for the given UserId.
func NewConnectionTicket(userID, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("ticket secret must not be empty")
	}
	if userID == "" {
		return "", fmt.Errorf("user id must not be empty")
	}

	now := time.Now()
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign connection ticket: %w", err)
	}

	return signed, nil
}

// ValidateConnectionTicket parses and validates a JWT connection ticket, enforcing HMAC
// signing and an optional issuer check. It returns the UserId carried in the subject.
func ValidateConnectionTicket(tokenStr, secret, issuer string) (string, error) {
	claims := &TicketClaims{}

	var parserOpts []jwt.ParserOption
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, parserOpts...)
	if err != nil {
		return "", err
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid connection ticket")
	}

	return claims.Subject, nil
}
