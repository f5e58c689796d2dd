// Package keys fetches and caches the identity provider's signing keys.
//
// The full key set is cached as one unit: a refresh replaces it wholesale
// and individual keys never expire on their own. Concurrent cache misses
// are coalesced into a single upstream fetch.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/logging"
)

// DefaultTTL is how long a fetched key set is served from cache.
const DefaultTTL = time.Hour

// maxJWKSBody bounds the JWKS response size.
const maxJWKSBody = 1 << 20

// Set maps a key ID to its public key.
type Set map[string]crypto.PublicKey

// Cache holds the identity provider's key set.
type Cache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	log    *logging.Logger
	now    func() time.Time

	mu        sync.RWMutex
	keys      Set
	fetchedAt time.Time

	group singleflight.Group
}

// New creates a key cache for the given JWKS URL. A zero ttl means
// DefaultTTL; a nil client gets a 10-second-timeout default.
func New(jwksURL string, ttl time.Duration, client *http.Client, log *logging.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Cache{
		url:    jwksURL,
		ttl:    ttl,
		client: client,
		log:    log.Sub("keys"),
		now:    time.Now,
	}
}

// Get returns the key set, fetching from the provider when the cache is
// stale or force is set. Concurrent callers share one in-flight fetch.
func (c *Cache) Get(ctx context.Context, force bool) (Set, error) {
	if !force {
		c.mu.RLock()
		if c.keys != nil && c.now().Sub(c.fetchedAt) < c.ttl {
			keys := c.keys
			c.mu.RUnlock()
			return keys, nil
		}
		c.mu.RUnlock()
	}

	v, err, _ := c.group.Do("jwks", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(Set), nil
}

// Key looks up the signing key for kid. The cached set is consulted first;
// on a miss the set is refreshed once to pick up a rotation. A key still
// absent after the refresh is terminal.
func (c *Cache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	set, err := c.Get(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := set[kid]; ok {
		return key, nil
	}

	set, err = c.Get(ctx, true)
	if err != nil {
		return nil, err
	}
	if key, ok := set[kid]; ok {
		return key, nil
	}
	return nil, domain.E(domain.CodeKeyNotFound, fmt.Sprintf("no signing key for kid %q", kid))
}

func (c *Cache) refresh(ctx context.Context) (Set, error) {
	set, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keys = set
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.log.Debug().Int("keys", len(set)).Str("url", c.url).Msg("key set refreshed")
	return set, nil
}

func (c *Cache) fetch(ctx context.Context) (Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, domain.Wrap(domain.CodeUpstreamUnavailable, "building key set request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.CodeUpstreamUnavailable, "fetching key set", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.E(domain.CodeUpstreamUnavailable,
			fmt.Sprintf("key set endpoint returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return nil, domain.Wrap(domain.CodeUpstreamUnavailable, "reading key set response", err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, domain.Wrap(domain.CodeUpstreamUnavailable, "parsing key set JSON", err)
	}

	set := make(Set, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" {
			continue
		}
		switch k.Kty {
		case "RSA":
			pub, err := parseRSAKey(k.N, k.E)
			if err != nil {
				c.log.Warn().Str("kid", k.Kid).Err(err).Msg("skipping malformed RSA key")
				continue
			}
			set[k.Kid] = pub
		case "EC":
			pub, err := parseECKey(k.Crv, k.X, k.Y)
			if err != nil {
				c.log.Warn().Str("kid", k.Kid).Err(err).Msg("skipping malformed EC key")
				continue
			}
			set[k.Kid] = pub
		}
	}
	return set, nil
}

// jwksDocument is the JSON shape of a JWKS endpoint response.
type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// jwk carries only the fields needed to reconstruct RSA and EC keys.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func parseECKey(crv, x, y string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(x)
	if err != nil {
		return nil, fmt.Errorf("decoding x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(y)
	if err != nil {
		return nil, fmt.Errorf("decoding y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
