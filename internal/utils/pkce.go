package utils // package utils provides helper functions for PKCE and token handling

import (
	"crypto/rand"     // secure random number generation
	"crypto/sha256"   // SHA‑256 digest for the S256 challenge
	"encoding/base64" // URL-safe base64 without padding
	"math/big"        // uniform index selection over the charset
)

// VerifierLength is the number of characters in a PKCE code verifier.
// RFC 7636 allows 43 to 128; 64 keeps cookies small while leaving ample
// entropy (about 380 bits).
const VerifierLength = 64

// verifierCharset is the RFC 3986 unreserved character set.
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// ChallengeMethod is the only PKCE transform this service sends.
const ChallengeMethod = "S256"

// GenerateVerifier returns a fresh 64 character code verifier drawn
// uniformly from the unreserved alphabet.  A failing randomness source
// is returned as an error; callers must abort the sign-in attempt.
func GenerateVerifier() (string, error) {
	max := big.NewInt(int64(len(verifierCharset)))
	out := make([]byte, VerifierLength)
	for i := range out {
		// rand.Int avoids the modulo bias of indexing with a raw byte.
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = verifierCharset[n.Int64()]
	}
	return string(out), nil
}

// DeriveChallenge computes the S256 code challenge for a verifier:
// SHA-256 over the verifier bytes, encoded as base64url without padding.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidVerifier reports whether v has the shape GenerateVerifier
// produces.  It is used to reject tampered verifier cookies early.
func ValidVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
