package cache

import "strings"

// Key addresses a cache entry. Keys are ordered tuples; invalidation matches
// by prefix, so ["output", "o1"] also covers ["output", "o1", "latest"].
type Key []string

// K builds a key from its parts.
func K(parts ...string) Key {
	return Key(parts)
}

// HasPrefix reports whether prefix matches the leading elements of k.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal reports whether k and other are the same tuple.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}

func (k Key) String() string {
	return "[" + strings.Join(k, ", ") + "]"
}

// id is the map key. The separator cannot appear in ids or literals.
func (k Key) id() string {
	return strings.Join(k, "\x1f")
}
