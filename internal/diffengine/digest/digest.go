// Package digest computes the versioned content digest used to detect value
// equality without retaining full value bytes (spec §4.1, "Pruned SSTs and
// digest choice").
package digest

import (
	"crypto/sha256"

	"github.com/cuemby/diffengine/internal/diffengine/model"
)

// Version identifies the hash algorithm used to compute a digest, so a future
// change of algorithm can be distinguished from digests already on disk.
// Version 1 is sha256.
const Version = 1

// Compute returns the digest of value under the current Version.
func Compute(value []byte) model.Digest {
	return model.Digest(sha256.Sum256(value))
}

// Equal reports whether two digests are byte-identical. A model.Digest does
// not carry its Version, so digests of different versions are not told apart.
func Equal(a, b model.Digest) bool {
	return a == b
}
