package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/worldline-go/klient"
)

// Claims is the subset of an Auth0-issued JWT's claims GateKit consumes.
// GateKit does not model Auth0's management API, only the
// token-verification contract that yields a principal with scopes.
type Claims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Scope       string   `json:"scope,omitempty"`
}

// JWTVerifier verifies Auth0-issued JWTs against the tenant's JWKS
// endpoint, caching keys in memory. Mirrors a forwardauth-delegated-auth
// pattern (ada's mforwardauth.Middleware): GateKit either delegates entirely to a
// forward-auth proxy, or (when Auth0 is configured directly) verifies
// the token itself via this verifier.
type JWTVerifier struct {
	domain   string
	audience string
	http     *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	ttl       time.Duration
}

// NewJWTVerifier builds a verifier for the given Auth0 domain/audience.
// Returns nil if domain is empty (JWT auth stays disabled).
func NewJWTVerifier(domain, audience string) *JWTVerifier {
	if domain == "" {
		return nil
	}

	cl, err := klient.New(klient.WithDisableBaseURLCheck(true))
	if err != nil {
		// klient.New only fails on invalid options; fall back to the
		// zero-value http.Client rather than disabling JWT auth entirely.
		cl = &klient.Client{HTTP: http.DefaultClient}
	}

	return &JWTVerifier{
		domain:   domain,
		audience: audience,
		http:     cl.HTTP,
		keys:     make(map[string]*rsa.PublicKey),
		ttl:      1 * time.Hour,
	}
}

// Verify parses and validates token, returning its claims. Validates
// signature (RS256 via the tenant's JWKS), audience, issuer, and
// expiry/not-before, everything net/http doesn't already guarantee.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	var claims Claims

	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "RS256" {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	}, jwt.WithAudience(v.audience), jwt.WithIssuer("https://"+v.domain+"/"))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token not valid")
	}

	return &claims, nil
}

func (v *JWTVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.fetchedAt) > v.ttl
	v.mu.RUnlock()

	if ok && !stale {
		return key, nil
	}

	if err := v.refresh(ctx); err != nil {
		if ok {
			// Serve the stale key rather than fail outright on a
			// transient JWKS-endpoint hiccup.
			return key, nil
		}
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no JWKS key for kid %q", kid)
	}
	return key, nil
}

type jwks struct {
	Keys []struct {
		Kid string   `json:"kid"`
		Kty string   `json:"kty"`
		N   string   `json:"n"`
		E   string   `json:"e"`
		X5c []string `json:"x5c"`
	} `json:"keys"`
}

func (v *JWTVerifier) refresh(ctx context.Context) error {
	url := "https://" + v.domain + "/.well-known/jwks.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var parsed jwks
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(parsed.Keys))
	for _, k := range parsed.Keys {
		if k.Kty != "RSA" || k.N == "" || k.E == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()

	return nil
}

func rsaPublicKeyFromJWK(nEnc, eEnc string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEnc)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEnc)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
