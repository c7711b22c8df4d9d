package storage

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// minCIDLength is the length of the shortest supported identifier, a base58 CIDv0.
const minCIDLength = 44

// ComputeCID returns the CIDv0 of data: base58 of the sha2-256 multihash.
// It matches what an IPFS node returns for a single-block add.
func ComputeCID(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to compute multihash: %w", err)
	}
	return cid.NewCidV0(mh).String(), nil
}

// ValidCID reports whether s is a well-formed CIDv0 ("Qm...") or CIDv1 ("b...") identifier.
func ValidCID(s string) bool {
	if len(s) < minCIDLength {
		return false
	}
	if !strings.HasPrefix(s, "Qm") && !strings.HasPrefix(s, "b") {
		return false
	}
	_, err := cid.Decode(s)
	return err == nil
}
