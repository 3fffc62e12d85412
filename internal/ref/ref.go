// Package ref validates and canonicalizes the identifiers used on the
// registry API: tags and content digests.
package ref

import (
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Tag is a validated manifest tag. A tag is a mutable pointer: the same
// tag may resolve to a different digest over time.
type Tag string

var (
	tagPattern    = regexp.MustCompile(`^[\w][\w.-]{0,127}$`)
	digestPattern = regexp.MustCompile(`^[a-z0-9]+(?:[.+_-][a-z0-9]+)*:[A-Za-z0-9=_-]+$`)
)

// allowedAlgorithms is the closed set of digest algorithms the cache
// accepts. Anything else is rejected outright, not just flagged.
var allowedAlgorithms = map[digest.Algorithm]bool{
	digest.SHA256: true,
	digest.SHA384: true,
	digest.SHA512: true,
}

// ParseTag returns the validated tag, or false if s is not a legal tag.
// No normalization is applied.
func ParseTag(s string) (Tag, bool) {
	if !tagPattern.MatchString(s) {
		return "", false
	}
	return Tag(s), true
}

// ParseDigest returns the validated digest in canonical algorithm:hash
// form, or false if s is syntactically invalid or uses an unsupported
// algorithm.
func ParseDigest(s string) (digest.Digest, bool) {
	if !digestPattern.MatchString(s) {
		return "", false
	}
	algorithm, _, ok := strings.Cut(s, ":")
	if !ok || !allowedAlgorithms[digest.Algorithm(algorithm)] {
		return "", false
	}
	return digest.Digest(s), true
}
