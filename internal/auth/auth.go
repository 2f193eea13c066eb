package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any signature, expiry, or claim
// verification failure. Callers MUST NOT retry on this error (spec
// §7 class 2: Authentication).
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrWrongTokenType is returned when a token's token_type claim is
// present but not "auth".
var ErrWrongTokenType = errors.New("auth: wrong token_type claim")

// Validator signs and validates tokens using a single HMAC secret.
// A Validator constructed with an empty secret has authentication
// disabled (development only, per spec §4.6).
type Validator struct {
	secret []byte
}

// NewValidator returns a Validator keyed by secret. An empty secret
// disables signature verification entirely — Validate always
// succeeds and IssueToken still works for local testing.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Disabled reports whether this validator has no secret configured.
func (v *Validator) Disabled() bool {
	return len(v.secret) == 0
}

// IssueToken signs a new JWT from p.
func (v *Validator) IssueToken(p TokenParams) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    p.Issuer,
			Audience:  jwt.ClaimStrings{p.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.TTL)),
		},
		TokenType:        TokenTypeAuth,
		UserID:           p.UserID,
		ReverseTunnel:    p.ReverseTunnel,
		AllowedAgents:    p.AllowedAgents,
		AllowedAddresses: p.AllowedAddresses,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature + expiry, then checks token_type if
// present equals "auth". If the validator is Disabled, it returns a
// zero-value Claims with no error (auth disabled).
func (v *Validator) Validate(raw string) (Claims, error) {
	if v.Disabled() {
		return Claims{}, nil
	}
	if raw == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.TokenType != "" && claims.TokenType != TokenTypeAuth {
		return Claims{}, fmt.Errorf("%w: %v", ErrWrongTokenType, claims.TokenType)
	}

	return claims, nil
}

// DeriveTunnelID deterministically maps an auth token to a tunnel_id:
// clients with no explicit identity derive one from their token so a
// reconnect lands on the same routing identity instead of minting a
// fresh one (spec §3 — this is what makes S3's stable-port-on-reconnect
// and the registry's reconnect force-replace path meaningful). An
// empty token still derives a (stable, but shared) id rather than
// panicking; callers needing per-client isolation must supply a
// non-empty token.
func DeriveTunnelID(authToken string) string {
	sum := sha256.Sum256([]byte(authToken))
	return "t-" + hex.EncodeToString(sum[:])[:16]
}
