package hasher

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Digest is an algorithm-qualified content fingerprint, "<algorithm>:<hex>".
type Digest string

// hex length per algorithm; both are 256-bit.
const digestHexLen = 64

// ParseDigest validates a digest string.
func ParseDigest(value string) (Digest, error) {
	value = strings.TrimSpace(value)
	algoName, hexPart, ok := strings.Cut(value, ":")
	if !ok {
		return "", fmt.Errorf("digest %q: missing algorithm prefix", value)
	}
	algo, err := ParseAlgorithm(algoName)
	if err != nil || algoName == "" {
		return "", fmt.Errorf("digest %q: unsupported algorithm", value)
	}
	hexPart = strings.ToLower(hexPart)
	if len(hexPart) != digestHexLen {
		return "", fmt.Errorf("digest %q: expected %d hex characters", value, digestHexLen)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("digest %q: %w", value, err)
	}
	return Digest(string(algo) + ":" + hexPart), nil
}

// Algorithm returns the algorithm prefix.
func (d Digest) Algorithm() Algorithm {
	algo, _, _ := strings.Cut(string(d), ":")
	return Algorithm(algo)
}

// Hex returns the hex-encoded hash without prefix.
func (d Digest) Hex() string {
	_, h, _ := strings.Cut(string(d), ":")
	return h
}

func (d Digest) String() string {
	return string(d)
}

// Short returns a 12 character abbreviation for display.
func (d Digest) Short() string {
	h := d.Hex()
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
