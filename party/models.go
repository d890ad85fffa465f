package party

import (
	"fmt"
	"time"
)

// Role identifies which side of an agreement a party stands on.
type Role string

const (
	RoleProvider    Role = "provider"
	RoleParticipant Role = "participant"
)

// ParseRole validates raw against the known roles.
func ParseRole(raw string) (Role, error) {
	switch r := Role(raw); r {
	case RoleProvider, RoleParticipant:
		return r, nil
	default:
		return "", fmt.Errorf("party: unknown role %q", raw)
	}
}

// Party is the read-only projection of a provider or participant account.
// Accounts themselves are managed elsewhere.
type Party struct {
	ID          string
	Role        Role
	DisplayName string
	Email       *string
	CreatedAt   time.Time
}
