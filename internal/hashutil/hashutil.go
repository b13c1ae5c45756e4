package hashutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// DefaultAlgo is assumed for checksums without an algorithm prefix.
const DefaultAlgo = "sha256"

type HashFactory func() hash.Hash

var registry = map[string]HashFactory{
	"sha256": sha256.New,
	"sha512": sha512.New,
}

func Register(name string, factory HashFactory) {
	registry[name] = factory
}

func GetHasher(name string) (hash.Hash, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", name)
	}
	return factory(), nil
}

func IsSupported(name string) bool {
	_, ok := registry[name]
	return ok
}

// ParseChecksum splits "algo:hex" into its parts. A bare hex digest is sha256.
func ParseChecksum(s string) (algo, sum string, err error) {
	algo, sum = DefaultAlgo, strings.ToLower(strings.TrimSpace(s))
	if a, rest, ok := strings.Cut(sum, ":"); ok {
		algo, sum = a, rest
	}
	if !IsSupported(algo) {
		return "", "", fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
	if _, err := hex.DecodeString(sum); err != nil || sum == "" {
		return "", "", fmt.Errorf("malformed %s digest %q", algo, sum)
	}
	return algo, sum, nil
}

// Hex returns the hex encoded digest of h.
func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// FileName maps an arbitrary identifier to a stable, filesystem safe name.
func FileName(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
