// Package util provides logging, stats and small helpers shared by the relay
// and the peer tool.
package util

import "hash/fnv"

// Fingerprint returns a short hash of a session description so logs can tell
// generations apart without printing whole SDP bodies.
func Fingerprint(text string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	return h.Sum32()
}

// ShortID trims an identifier for log prefixes.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
