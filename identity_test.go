package catalogsync

import (
	"errors"
	"strings"
	"testing"

	"github.com/superfly/catalogsync/extraction"
	"github.com/superfly/catalogsync/manifest"
)

const sampleHash = "0c1b5433cc652adf9ec1c3f522d2e4cd0c1b5433cc652adf9ec1c3f522d2e4cd"

func TestStoreKey_ShardsFirstFourCharacters(t *testing.T) {
	key, err := StoreKey(sampleHash)
	if err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	want := "0c/1b/5433cc652adf9ec1c3f522d2e4cd0c1b5433cc652adf9ec1c3f522d2e4cd"
	if key != want {
		t.Fatalf("StoreKey = %q, want %q", key, want)
	}
	if strings.HasPrefix(key, "/") {
		t.Fatalf("StoreKey must be relative, got %q", key)
	}
}

func TestStoreKey_RejectsInvalidHash(t *testing.T) {
	for _, h := range []string{"", "abc", strings.Repeat("g", 64), strings.ToUpper(sampleHash), sampleHash + "0"} {
		if _, err := StoreKey(h); err == nil {
			t.Errorf("StoreKey(%q) expected error", h)
		}
	}
}

func TestIsValidation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"label", Labels{}.Validate(), true},
		{"manifest", &manifest.Error{Reason: "bad"}, true},
		{"archive", &extraction.ArchiveError{Err: errors.New("zip: not a valid zip file")}, true},
		{"origin", &OriginError{Op: "manifest", Err: errors.New("connection refused")}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsValidation(tc.err); got != tc.want {
			t.Errorf("%s: IsValidation = %v, want %v", tc.name, got, tc.want)
		}
	}
}
