package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Token prefixes make the credential class obvious in logs and error
// reports without revealing the secret itself.
const (
	NodeInvitePrefix  = "anv_"
	WsTicketPrefix    = "awt_"
	AgentTokenPrefix  = "agt_"
	AgentInvitePrefix = "ait_"
)

// hintLen is how many leading characters of a token are kept as a
// display hint. Long enough to disambiguate in listings, far too short
// to brute-force the remainder.
const hintLen = 12

// newToken mints a random credential: prefix plus 2*entropyBytes hex
// characters from crypto/rand.
func newToken(prefix string, entropyBytes int) (string, error) {
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

// HashToken returns the stored form of a secret, "sha256:<hex>". The
// plaintext never enters the document.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// TokenHint returns the leading characters of a token for display in
// listings.
func TokenHint(token string) string {
	if len(token) <= hintLen {
		return token
	}
	return token[:hintLen]
}

// VerifyTokenHash compares a presented plaintext token against a stored
// hash in constant time.
func VerifyTokenHash(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	computed := HashToken(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computed)) == 1
}
