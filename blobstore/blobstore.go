// Package blobstore provides local content stores: a sharded directory tree
// and a single-file bbolt database. Both accept the relative, slash
// separated keys produced by catalogsync.StoreKey.
package blobstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get for a key that was never written.
var ErrNotFound = errors.New("blob not found")

// KeyError reports a key a store refuses to address.
type KeyError struct {
	Key    string
	Reason string
}

func (e KeyError) Error() string {
	return fmt.Sprintf("invalid blob key %q: %s", e.Key, e.Reason)
}

func validateKey(key string) error {
	switch {
	case key == "":
		return KeyError{Key: key, Reason: "empty"}
	case strings.HasPrefix(key, "/"):
		return KeyError{Key: key, Reason: "must be relative"}
	case strings.Contains(key, "\x00"):
		return KeyError{Key: key, Reason: "contains null byte"}
	case strings.Contains(key, "\\"):
		return KeyError{Key: key, Reason: "contains backslash"}
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return KeyError{Key: key, Reason: "contains an empty, '.' or '..' segment"}
		}
	}
	return nil
}
