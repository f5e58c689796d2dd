// Package auth implements the identity side of the core: credential
// validation against the provider's signing keys, the at-rest token vault,
// the authentication gateway, and the role-based authorization policy.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/keys"
	"github.com/recordwise/regent/internal/logging"
)

// maxTokenSize bounds accepted credentials (8 KB).
const maxTokenSize = 8192

// DefaultExpiryBuffer is the window before expiry in which a credential is
// reported as expiring soon.
const DefaultExpiryBuffer = 5 * time.Minute

// Claims is the decoded, verified claim set of a credential.
type Claims map[string]any

// Subject returns the stable subject identifier, failing when absent.
func (c Claims) Subject() (string, error) {
	sub, _ := c["sub"].(string)
	if sub == "" {
		return "", domain.E(domain.CodeInvalidCredential, "credential has no sub claim")
	}
	return sub, nil
}

// Email returns the email claim, or "".
func (c Claims) Email() string {
	email, _ := c["email"].(string)
	return email
}

// Name returns the display-name claim, or "".
func (c Claims) Name() string {
	name, _ := c["name"].(string)
	return name
}

// ExpiresAt returns the expiry time and whether the claim is present.
func (c Claims) ExpiresAt() (time.Time, bool) {
	exp, err := jwt.MapClaims(c).GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Identity builds the verified caller identity from the claims.
func (c Claims) Identity() (domain.Identity, error) {
	sub, err := c.Subject()
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{UserID: sub, Email: c.Email(), Name: c.Name()}, nil
}

// Validator verifies bearer credentials: signature via the key cache,
// then issuer, audience, and expiry as hard requirements.
type Validator struct {
	keys     *keys.Cache
	issuer   string
	audience string
	leeway   time.Duration
	log      *logging.Logger
	now      func() time.Time
}

// NewValidator creates a credential validator bound to the expected issuer
// and audience.
func NewValidator(kc *keys.Cache, issuer, audience string, log *logging.Logger) *Validator {
	return &Validator{
		keys:     kc,
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
		log:      log.Sub("validator"),
		now:      time.Now,
	}
}

// SetLeeway overrides the default clock-skew allowance.
func (v *Validator) SetLeeway(d time.Duration) {
	v.leeway = d
}

// Validate verifies token and returns its claims. Failures carry
// domain.CodeMalformedCredential (unparseable), domain.CodeInvalidCredential
// (signature, issuer, audience, or expiry), domain.CodeKeyNotFound (signing
// key absent even after a forced key refresh), or
// domain.CodeUpstreamUnavailable (key fetch failed).
func (v *Validator) Validate(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return nil, domain.E(domain.CodeMissingCredential, "no credential provided")
	}
	if len(token) > maxTokenSize {
		return nil, domain.E(domain.CodeMalformedCredential, "credential exceeds maximum size")
	}

	// Unverified parse to read the signing key id from the header.
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, domain.Wrap(domain.CodeMalformedCredential, "credential is not a valid token", err)
	}

	alg, _ := unverified.Header["alg"].(string)
	if strings.EqualFold(alg, "none") {
		return nil, domain.E(domain.CodeInvalidCredential, "algorithm none is not permitted")
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, domain.E(domain.CodeInvalidCredential, "credential header has no kid")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, v.classify(err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, domain.E(domain.CodeInvalidCredential, "credential claims are invalid")
	}

	claims := make(Claims, len(mc))
	for k, val := range mc {
		claims[k] = val
	}
	return claims, nil
}

// TimeToExpiry reports whether the credential expires within buffer and how
// many seconds remain. ok is false when the claims carry no expiry; such
// credentials are always treated as expiring soon.
func (v *Validator) TimeToExpiry(c Claims, buffer time.Duration) (expiringSoon bool, seconds int, ok bool) {
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	exp, present := c.ExpiresAt()
	if !present {
		return true, 0, false
	}
	remaining := exp.Sub(v.now())
	return remaining < buffer, int(remaining.Seconds()), true
}

// classify maps token-library and key-cache failures onto the taxonomy.
func (v *Validator) classify(err error) error {
	// Key cache failures surface through the keyfunc with their own codes.
	switch domain.CodeOf(err) {
	case domain.CodeKeyNotFound, domain.CodeUpstreamUnavailable:
		return err
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return domain.Wrap(domain.CodeMalformedCredential, "credential is not a valid token", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.Wrap(domain.CodeInvalidCredential, "credential has expired", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return domain.Wrap(domain.CodeInvalidCredential, "credential audience mismatch", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return domain.Wrap(domain.CodeInvalidCredential, "credential issuer mismatch", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return domain.Wrap(domain.CodeInvalidCredential, "credential signature is invalid", err)
	default:
		return domain.Wrap(domain.CodeInvalidCredential, "credential validation failed", err)
	}
}
