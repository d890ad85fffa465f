package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"agreementflow/party"
)

// Principal is the authenticated party behind a request.
type Principal struct {
	PartyID string
	Role    party.Role
}

type claims struct {
	Role party.Role `json:"role"`
	jwt.RegisteredClaims
}
