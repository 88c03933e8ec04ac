package catalogsync

import "fmt"

// HashLength is the length of a hex-encoded SHA-256 content hash.
const HashLength = 64

// StoreKey derives the content store key for a content hash.
//
// This function is the single source of truth for blob placement: the key is
// a pure function of the normalized content hash, so the same content always
// lands on the same key no matter which release or file name it arrived
// under. The first four hex characters become two directory levels, which
// keeps any single prefix in a directory or bucket listing small.
//
// # Example
//
//	key, _ := StoreKey("0c1b5433cc652adf9ec1c3f522d2e4cd0c1b5433cc652adf9ec1c3f522d2e4cd")
//	// key == "0c/1b/5433cc652adf9ec1c3f522d2e4cd0c1b5433cc652adf9ec1c3f522d2e4cd"
//
// The returned key never starts with "/" (S3 keys must be relative).
func StoreKey(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("invalid content hash %q", hash)
	}
	return hash[0:2] + "/" + hash[2:4] + "/" + hash[4:], nil
}

// ValidHash reports whether hash is a lowercase hex SHA-256 string.
func ValidHash(hash string) bool {
	if len(hash) != HashLength {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
