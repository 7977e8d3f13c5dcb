// Package cache provides the durable content-addressed store for generated
// avatar clips. An artifact is identified by the fingerprint of its
// (avatarId, text) pair; entries are created once and never updated.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Ext is the artifact file extension, including the dot.
const Ext = ".mp4"

// Fingerprint returns the hex SHA-256 digest of avatarID + ":" + text.
// The same pair always maps to the same artifact.
func Fingerprint(avatarID, text string) string {
	sum := sha256.Sum256([]byte(avatarID + ":" + text))
	return hex.EncodeToString(sum[:])
}

// Store persists one artifact per fingerprint.
type Store interface {
	// Has reports whether an artifact exists for the fingerprint.
	Has(fingerprint string) (bool, error)
	// Put writes the artifact from r and returns its public URL. Concurrent
	// puts for the same fingerprint are idempotent; readers never observe a
	// partially written artifact.
	Put(fingerprint string, r io.Reader) (string, error)
	// URL returns the public URL an existing artifact is served under.
	URL(fingerprint string) string
}
