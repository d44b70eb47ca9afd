package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Role names. Keep these stable; they are part of the auth contract.
const (
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Claims are the only supported JWT claims shape for this service.
// ProviderID identifies the pool member the token acts as; admin tokens
// carry the operator's id in the same field.
type Claims struct {
	jwt.RegisteredClaims

	ProviderID string    `json:"provider_id"`
	Role       string    `json:"role"`
	TokenType  TokenType `json:"token_type"`
}
