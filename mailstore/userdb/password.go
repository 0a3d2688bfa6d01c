package userdb

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	ssha512PrefixB64         = "{SSHA512}"
	ssha512PrefixB64Explicit = "{SSHA512.b64}"
	ssha512PrefixHex         = "{SSHA512.HEX}"

	sha512PrefixB64         = "{SHA512}"
	sha512PrefixB64Explicit = "{SHA512.b64}"
	sha512PrefixHex         = "{SHA512.HEX}"

	blfCryptPrefix = "{BLF-CRYPT}"
	plainPrefix    = "{PLAIN}"

	bcryptPrefix2a = "$2a$"
	bcryptPrefix2b = "$2b$"
	bcryptPrefix2y = "$2y$"

	sha512HashLength = 64
)

var errPasswordMismatch = errors.New("password mismatch")

// HashPassword returns a {BLF-CRYPT} bcrypt hash of password at the given cost.
// A cost of 0 selects bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// verifyPassword checks password against a stored hash. Supported schemes are
// bcrypt (bare or {BLF-CRYPT}), {SSHA512}, {SHA512} in base64 or hex, and {PLAIN}.
func verifyPassword(hashed, password string) error {
	switch {
	case strings.HasPrefix(hashed, ssha512PrefixB64),
		strings.HasPrefix(hashed, ssha512PrefixB64Explicit),
		strings.HasPrefix(hashed, ssha512PrefixHex):
		decoded, err := decodePasswordData(hashed, ssha512PrefixB64, ssha512PrefixB64Explicit, ssha512PrefixHex)
		if err != nil {
			return fmt.Errorf("invalid SSHA512 data: %w", err)
		}
		if len(decoded) <= sha512HashLength {
			return errors.New("invalid SSHA512 hash: too short")
		}
		return compareSHA512(decoded[:sha512HashLength], password, decoded[sha512HashLength:])

	case strings.HasPrefix(hashed, sha512PrefixB64),
		strings.HasPrefix(hashed, sha512PrefixB64Explicit),
		strings.HasPrefix(hashed, sha512PrefixHex):
		decoded, err := decodePasswordData(hashed, sha512PrefixB64, sha512PrefixB64Explicit, sha512PrefixHex)
		if err != nil {
			return fmt.Errorf("invalid SHA512 data: %w", err)
		}
		if len(decoded) != sha512HashLength {
			return errors.New("invalid SHA512 hash: incorrect length")
		}
		return compareSHA512(decoded, password, nil)

	case strings.HasPrefix(hashed, blfCryptPrefix):
		return bcrypt.CompareHashAndPassword([]byte(strings.TrimPrefix(hashed, blfCryptPrefix)), []byte(password))

	case strings.HasPrefix(hashed, bcryptPrefix2a),
		strings.HasPrefix(hashed, bcryptPrefix2b),
		strings.HasPrefix(hashed, bcryptPrefix2y):
		return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))

	case strings.HasPrefix(hashed, plainPrefix):
		if subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(hashed, plainPrefix)), []byte(password)) != 1 {
			return errPasswordMismatch
		}
		return nil
	}
	return errors.New("unknown password hash scheme")
}

// knownScheme reports whether verifyPassword understands hashed.
func knownScheme(hashed string) bool {
	for _, p := range []string{ssha512PrefixB64, ssha512PrefixB64Explicit, ssha512PrefixHex,
		sha512PrefixB64, sha512PrefixB64Explicit, sha512PrefixHex,
		blfCryptPrefix, plainPrefix, bcryptPrefix2a, bcryptPrefix2b, bcryptPrefix2y} {
		if strings.HasPrefix(hashed, p) {
			return true
		}
	}
	return false
}

func compareSHA512(stored []byte, password string, salt []byte) error {
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	if subtle.ConstantTimeCompare(stored, h.Sum(nil)) != 1 {
		return errPasswordMismatch
	}
	return nil
}

// decodePasswordData strips the scheme prefix and decodes the payload; the
// hex prefix selects hex, the others base64.
func decodePasswordData(hashed, b64Prefix, b64ExplicitPrefix, hexPrefix string) ([]byte, error) {
	switch {
	case strings.HasPrefix(hashed, hexPrefix):
		return hex.DecodeString(strings.TrimPrefix(hashed, hexPrefix))
	case strings.HasPrefix(hashed, b64ExplicitPrefix):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(hashed, b64ExplicitPrefix))
	default:
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(hashed, b64Prefix))
	}
}
