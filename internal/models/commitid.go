package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GenerateCommitID generates a content-addressable commit ID.
// The ID includes a Merkle hash of the tree so that two commits with
// identical metadata but different contents produce different IDs.
func GenerateCommitID(message string, timestamp time.Time, parentID string, tree []*TreeEntry) string {
	treeHash := ComputeTreeHash(tree)
	data := fmt.Sprintf("%s|%s|%s|%s", message, timestamp.Format(time.RFC3339Nano), parentID, treeHash)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeTreeHash computes a Merkle hash over a set of tree entries.
// Each entry is hashed individually, the hashes are sorted, and then
// hashed together to produce a deterministic digest.
func ComputeTreeHash(tree []*TreeEntry) string {
	if len(tree) == 0 {
		return ""
	}

	hashes := make([]string, len(tree))
	for i, e := range tree {
		h := sha256.Sum256([]byte(e.Path + "|" + e.BlobID))
		hashes[i] = hex.EncodeToString(h[:])
	}

	sort.Strings(hashes)

	combined := strings.Join(hashes, "")
	final := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(final[:])
}
