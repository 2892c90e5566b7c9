package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// base62Alphabet is used for the random portion of generated API keys:
// shorter and URL-safer than hex while still carrying 192 bits of entropy.
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Environments is the closed set of key-environment segments, derived from
// a project's environment field (development/staging/production).
const (
	EnvDev  = "dev"
	EnvStg  = "stg"
	EnvLive = "live"
)

// EnvFromProjectEnvironment maps a project's environment field to the
// key-prefix environment segment used in generated API keys.
func EnvFromProjectEnvironment(projectEnvironment string) (string, error) {
	switch projectEnvironment {
	case "development":
		return EnvDev, nil
	case "staging":
		return EnvStg, nil
	case "production":
		return EnvLive, nil
	default:
		return "", fmt.Errorf("unknown project environment %q", projectEnvironment)
	}
}

// GenerateAPIKey produces a new plaintext API key of the form
// "gk_{env}_{base62(192-bit random)}". env must be one of dev/stg/live.
func GenerateAPIKey(env string) (string, error) {
	const randomBytes = 24 // 192 bits

	raw := make([]byte, randomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}

	return fmt.Sprintf("gk_%s_%s", env, base62Encode(raw)), nil
}

// HashAPIKey hashes a plaintext API key for storage/lookup. The hash is
// irreversible; the plaintext is never recoverable from it.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the first 8 characters of a plaintext API key, shown
// alongside KeySuffix to let a caller recognize a masked key without ever
// seeing the full value again.
func KeyPrefix(plaintext string) string {
	if len(plaintext) < 8 {
		return plaintext
	}
	return plaintext[:8]
}

// KeySuffix returns the last 4 characters of a plaintext API key.
func KeySuffix(plaintext string) string {
	if len(plaintext) < 4 {
		return plaintext
	}
	return plaintext[len(plaintext)-4:]
}

// MaskKey renders the masked "prefix…suffix" form used everywhere except
// the single create/roll response that returns the plaintext.
func MaskKey(prefix, suffix string) string {
	return prefix + "…" + suffix
}

func base62Encode(raw []byte) string {
	n := new(big.Int).SetBytes(raw)
	if n.Sign() == 0 {
		return string(base62Alphabet[0])
	}

	base := big.NewInt(int64(len(base62Alphabet)))
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, base62Alphabet[mod.Int64()])
	}

	// DivMod yields digits least-significant first; reverse for the
	// conventional most-significant-first rendering.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return string(out)
}

