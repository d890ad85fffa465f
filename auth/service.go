package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agreementflow/party"
)

var (
	// ErrInvalidToken signals a missing, malformed, expired or forged token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUnknownParty signals a token was requested for a party that does not exist.
	ErrUnknownParty = errors.New("auth: unknown party")
)

// PartyLookup resolves party identifiers. party.Directory satisfies it.
type PartyLookup interface {
	Lookup(ctx context.Context, id string) (party.Party, error)
}

// Service issues and verifies party bearer tokens. Accounts and credentials
// are managed outside this system; tokens only carry identity and role.
type Service struct {
	parties   PartyLookup
	jwtSecret []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a token service.
func NewService(parties PartyLookup, jwtSecret, issuer string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		parties:   parties,
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken signs a token for an existing party.
func (s *Service) IssueToken(ctx context.Context, partyID string) (string, error) {
	p, err := s.parties.Lookup(ctx, partyID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownParty, partyID)
		}
		return "", fmt.Errorf("auth: lookup party: %w", err)
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns its principal.
func (s *Service) VerifyToken(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var c claims
	if _, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, opts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, err := party.ParseRole(string(c.Role))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Principal{PartyID: c.Subject, Role: role}, nil
}
