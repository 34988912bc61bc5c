package approval

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const capabilityIssuer = "medvault/download"

// capabilityTTLCap bounds how long a download token stays valid regardless
// of the remaining grant window.
const capabilityTTLCap = 5 * time.Minute

// CapabilityClaims scope a download token to exactly one request and sample.
type CapabilityClaims struct {
	RequestID string `json:"request_id"`
	SampleID  string `json:"sample_id"`
	Digest    string `json:"digest"`
	jwt.RegisteredClaims
}

// Capability is a time-bounded credential authorizing one sample download.
type Capability struct {
	Token     string    `json:"token"`
	SampleID  string    `json:"sample_id"`
	RequestID string    `json:"request_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Service) mintCapability(req *Request, digest string, now time.Time) (Capability, error) {
	ttl := capabilityTTLCap
	if req.ExpiresAt != nil {
		if remaining := req.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	exp := now.Add(ttl)
	claims := CapabilityClaims{
		RequestID: req.ID,
		SampleID:  req.SampleID,
		Digest:    digest,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    capabilityIssuer,
			Subject:   req.RequesterID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Capability{}, err
	}
	return Capability{
		Token:     signed,
		SampleID:  req.SampleID,
		RequestID: req.ID,
		ExpiresAt: exp,
	}, nil
}

// VerifyCapability validates a download token and returns its claims. Any
// failure, including expiry, surfaces as ErrGrantExpired so the caller
// re-authorizes through the request instead of retrying the token.
func (s *Service) VerifyCapability(token string) (CapabilityClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return CapabilityClaims{}, ErrGrantExpired
	}
	parsed, err := jwt.ParseWithClaims(token, &CapabilityClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(capabilityIssuer))
	if err != nil {
		return CapabilityClaims{}, ErrGrantExpired
	}
	claims, ok := parsed.Claims.(*CapabilityClaims)
	if !ok || !parsed.Valid || claims.SampleID == "" || claims.RequestID == "" {
		return CapabilityClaims{}, ErrGrantExpired
	}
	return *claims, nil
}
