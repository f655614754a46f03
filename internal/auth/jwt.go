// Package auth resolves the calling user from a bearer token.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token format")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrMissingSubject   = errors.New("token has no subject")
)

// Config holds verification configuration
type Config struct {
	Secret    []byte
	Issuer    string
	ClockSkew time.Duration
}

// Identity is the authenticated caller
type Identity struct {
	UserID string
	Email  string
}

type claims struct {
	jwt.Claims
	Email string `json:"email,omitempty"`
}

// Verifier checks HS256 tokens issued by the account service
type Verifier struct {
	config Config
	now    func() time.Time
}

func NewVerifier(config Config) (*Verifier, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{config: config, now: time.Now}, nil
}

// Verify validates the token and returns the caller's identity
func (v *Verifier) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var c claims
	if err := tok.Claims(v.config.Secret, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	expected := jwt.Expected{Time: v.now()}
	if v.config.Issuer != "" {
		expected.Issuer = v.config.Issuer
	}

	if err := c.ValidateWithLeeway(expected, v.config.ClockSkew); err != nil {
		switch {
		case errors.Is(err, jwt.ErrExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrNotValidYet), errors.Is(err, jwt.ErrIssuedInTheFuture):
			return nil, ErrTokenNotYetValid
		case errors.Is(err, jwt.ErrInvalidIssuer):
			return nil, fmt.Errorf("%w: expected '%s', got '%s'", ErrInvalidIssuer, v.config.Issuer, c.Issuer)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if c.Subject == "" {
		return nil, ErrMissingSubject
	}

	return &Identity{UserID: c.Subject, Email: c.Email}, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Sign issues a token for userID; used by tooling and tests
func Sign(secret []byte, issuer, userID string, ttl time.Duration, now time.Time) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	c := jwt.Claims{
		Subject:  userID,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}

	token, err := jwt.Signed(signer).Claims(c).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to create JWT: %w", err)
	}
	return token, nil
}
