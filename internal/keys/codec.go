// Package keys produces and consumes the two-part API credential format
// <publicKeyID>.<secret>. The public half is a non-secret lookup token; the
// secret half is stored only as a bcrypt hash.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	publicIDPrefix = "ew_"
	delimiter      = "."

	// 8 random bytes give 64 bits of lookup-token entropy; 32 bytes give
	// 256 bits for the secret. Hex encoding keeps the delimiter out of
	// both alphabets.
	publicIDBytes = 8
	secretBytes   = 32
)

// ErrMalformedCredential is returned when a credential does not split into
// exactly a public key id and a secret.
var ErrMalformedCredential = errors.New("malformed credential")

// Pair is a freshly generated credential. The secret exists in plaintext only
// here and in the one-time issuance response.
type Pair struct {
	PublicKeyID string
	Secret      string
}

// Generate returns a new public-id/secret pair from crypto/rand.
func Generate() (Pair, error) {
	id := make([]byte, publicIDBytes)
	if _, err := rand.Read(id); err != nil {
		return Pair{}, fmt.Errorf("generate public key id: %w", err)
	}
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return Pair{}, fmt.Errorf("generate secret: %w", err)
	}
	return Pair{
		PublicKeyID: publicIDPrefix + hex.EncodeToString(id),
		Secret:      hex.EncodeToString(secret),
	}, nil
}

// Format joins the two halves into the wire credential.
func Format(publicKeyID, secret string) string {
	return publicKeyID + delimiter + secret
}

// Parse splits a wire credential into its halves. Anything other than
// exactly two non-empty parts is malformed.
func Parse(credential string) (publicKeyID, secret string, err error) {
	parts := strings.Split(credential, delimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedCredential
	}
	return parts[0], parts[1], nil
}

// Hash derives the stored one-way hash of a secret. bcrypt's cost factor
// keeps brute-forcing leaked hashes slow.
func Hash(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}

// Verify compares a candidate secret against a stored hash. It never returns
// an error on mismatch; bcrypt's comparison is not timing-exploitable.
func Verify(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
