package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Hash fingerprints the source-provided content of an entry.
// Updated and FeedURL are not part of the fingerprint.
func (e EntryData) Hash() string {
	e.FeedURL = ""
	e.Updated = nil
	if len(e.Enclosures) == 0 {
		e.Enclosures = nil
	}
	// EntryData only holds strings, times and slices of plain structs,
	// so marshaling cannot fail.
	blob, _ := json.Marshal(e)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
