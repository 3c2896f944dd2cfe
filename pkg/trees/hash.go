// Copyright 2025 Certen Protocol

package trees

import "crypto/sha256"

// sha256Pair computes SHA256(left || right), the node compression
// used by every tree in this package.
func sha256Pair(left, right []byte) Hash {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	sum := h.Sum(nil)
	var out Hash
	copy(out[:], sum)
	return out
}

// sha256Sum hashes an arbitrary-length buffer, used for leaf encodings
// that are not simple hash pairs.
func sha256Sum(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(sum)
}
