package extension

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// IDLength is the length of a valid extension identifier.
const IDLength = 32

// IsValidID reports whether id is a well formed identifier: exactly
// IDLength characters, all in [a-p].
func IsValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 'a' || id[i] > 'p' {
			return false
		}
	}
	return true
}

// NormalizeID lowercases an identifier. Lookups accept mixed-case input but
// the registries only ever store normalized identifiers.
func NormalizeID(id string) string {
	return strings.ToLower(id)
}

// GenerateID derives a deterministic identifier for extensions without a
// public key in their manifest, such as unpacked directories. The input is
// hashed and the first half of the digest is re-encoded into the [a-p]
// identifier alphabet so generated identifiers cannot collide with
// hex-looking data.
func GenerateID(input string) string {
	digest := sha256.Sum256([]byte(input))
	return idAlphabet(digest[:IDLength/2])
}

// IDFromKey derives the identifier for a manifest carrying a base64 encoded
// public key.
func IDFromKey(key string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: undecodable key", ErrInvalidID)
	}
	digest := sha256.Sum256(raw)
	return idAlphabet(digest[:IDLength/2]), nil
}

// idAlphabet maps hex digits onto [a-p]: '0'..'9' become 'a'..'j' and
// 'a'..'f' become 'k'..'p'.
func idAlphabet(raw []byte) string {
	encoded := hex.EncodeToString(raw)
	out := make([]byte, len(encoded))
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c >= '0' && c <= '9' {
			out[i] = 'a' + (c - '0')
		} else {
			out[i] = 'k' + (c - 'a')
		}
	}
	return string(out)
}
