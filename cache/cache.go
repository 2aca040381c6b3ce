// Package cache persists and reloads a permutation sample sequence so a
// repeated run with the same tree, trait, and seed can skip regeneration.
// The file is a single JSON document, gzip-compressed; compatibility is
// checked by exact equality of a small fingerprint before any sample is
// trusted.
package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"
)

// SchemaVersion is bumped whenever a required key is added; readers accept
// any schema_version and ignore unknown keys, per spec §6.4.
const SchemaVersion = 1

// Fingerprint is the compatibility key for a cached sample sequence.
// Mismatch on any field means the cache must be discarded and regenerated.
// These fields are carried as top-level required keys on Entry (not nested
// under a sub-object), per spec §6.4's on-disk schema.
type Fingerprint struct {
	TreeFingerprint  string
	IncludeTraitLoss bool
	Fg01Bits         string
	Fg10Bits         string
}

// Equal reports whether two fingerprints are compatible.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.TreeFingerprint == o.TreeFingerprint &&
		f.IncludeTraitLoss == o.IncludeTraitLoss &&
		f.Fg01Bits == o.Fg01Bits &&
		f.Fg10Bits == o.Fg10Bits
}

// Entry is one cached permutation sequence for one family/stage. The
// required keys (schema_version, tree_fingerprint, include_trait_loss,
// fg_01_bits, fg_10_bits, seed, stage, n_samples, samples) are all
// top-level, per spec §6.4.
type Entry struct {
	SchemaVersion    int    `json:"schema_version"`
	TreeFingerprint  string `json:"tree_fingerprint"`
	IncludeTraitLoss bool   `json:"include_trait_loss"`
	Fg01Bits         string `json:"fg_01_bits"`
	Fg10Bits         string `json:"fg_10_bits"`
	FamilyID         string `json:"family_id"`
	Seed             uint64 `json:"seed"`
	Stage            string `json:"stage"`
	NSamples         int    `json:"n_samples"`
	// Samples holds each sample's packed bitmask, base64-encoded, one per
	// entry, in generation order.
	Samples []string `json:"samples"`
}

// fingerprint extracts an entry's compatibility fingerprint.
func (e Entry) fingerprint() Fingerprint {
	return Fingerprint{
		TreeFingerprint:  e.TreeFingerprint,
		IncludeTraitLoss: e.IncludeTraitLoss,
		Fg01Bits:         e.Fg01Bits,
		Fg10Bits:         e.Fg10Bits,
	}
}

// PackSample base64-encodes a little-endian packed bit vector of nbits
// bits given the set bit indices.
func PackSample(nbits int, set []int) string {
	buf := make([]byte, (nbits+7)/8)
	for _, b := range set {
		buf[b/8] |= 1 << uint(b%8)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// UnpackSample decodes a base64 packed bit vector back into set bit indices.
func UnpackSample(encoded string, nbits int) ([]int, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid packed sample: %w", err)
	}
	var set []int
	for i := 0; i < nbits; i++ {
		if buf[i/8]&(1<<uint(i%8)) != 0 {
			set = append(set, i)
		}
	}
	return set, nil
}

// NewEntry builds an Entry from its compatibility fingerprint and payload.
func NewEntry(fp Fingerprint, familyID, stage string, seed uint64, samples []string) Entry {
	return Entry{
		SchemaVersion:    SchemaVersion,
		TreeFingerprint:  fp.TreeFingerprint,
		IncludeTraitLoss: fp.IncludeTraitLoss,
		Fg01Bits:         fp.Fg01Bits,
		Fg10Bits:         fp.Fg10Bits,
		FamilyID:         familyID,
		Seed:             seed,
		Stage:            stage,
		NSamples:         len(samples),
		Samples:          samples,
	}
}

// Write gzip-compresses and writes one entry to path.
func Write(path string, e Entry) error {
	e.SchemaVersion = SchemaVersion
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	enc := json.NewEncoder(gz)
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	return nil
}

// Read loads and gzip-decompresses a cache entry. A structurally invalid or
// missing file is a recoverable condition for the caller: it should treat
// it the same as a cache miss.
func Read(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return Entry{}, fmt.Errorf("cache: %w", err)
	}
	defer gz.Close()
	var e Entry
	if err := json.NewDecoder(gz).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("cache: decode: %w", err)
	}
	if e.TreeFingerprint == "" {
		return Entry{}, fmt.Errorf("cache: missing required fingerprint fields")
	}
	return e, nil
}

// Compatible reports whether a loaded entry's fingerprint matches the
// current run's, and was generated for the same family, stage, and seed.
func (e Entry) Compatible(want Fingerprint, familyID, stage string, seed uint64) bool {
	return e.fingerprint().Equal(want) && e.FamilyID == familyID && e.Stage == stage && e.Seed == seed
}
