package blob

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// Algo selects the content digest algorithm. It is fixed for the lifetime of
// a deployment: changing it would orphan every existing blob path.
type Algo string

const (
	AlgoSHA256 Algo = "sha256"
	AlgoBLAKE3 Algo = "blake3"
)

// ParseAlgo validates an algorithm name.
func ParseAlgo(s string) (Algo, error) {
	switch Algo(s) {
	case AlgoSHA256:
		return AlgoSHA256, nil
	case AlgoBLAKE3:
		return AlgoBLAKE3, nil
	default:
		return "", fmt.Errorf("blob: unsupported digest algorithm %q", s)
	}
}

func (a Algo) newHasher() hash.Hash {
	switch a {
	case AlgoBLAKE3:
		return blake3.New()
	default:
		return sha256.New()
	}
}

// hexLen is the length of the hex-encoded digest. Both sha256 and blake3
// produce 32-byte digests.
const hexLen = 64
