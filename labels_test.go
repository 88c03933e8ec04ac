package catalogsync

import (
	"errors"
	"strings"
	"testing"
)

func TestLabelsValidate(t *testing.T) {
	valid := []Labels{
		{Client: "1.1.0", Content: "1.1.0"},
		{Client: "2.3.61", Content: "24-09-23-11-27-19-c6564b"},
		{Client: "10", Content: "release_A"},
	}
	for _, l := range valid {
		if err := l.Validate(); err != nil {
			t.Errorf("Validate(%v) unexpected error: %v", l, err)
		}
	}

	invalid := []Labels{
		{},
		{Client: "1.0.0"},
		{Content: "abc"},
		{Client: "v1.0.0", Content: "abc"},
		{Client: "1.0.0", Content: "a/b"},
		{Client: "1.0.0", Content: strings.Repeat("a", MaxLabelLength+1)},
		{Client: "1.0.0-alpha", Content: "abc"},
	}
	for _, l := range invalid {
		err := l.Validate()
		if err == nil {
			t.Errorf("Validate(%v) expected error", l)
			continue
		}
		if !errors.Is(err, ErrInvalidLabel) {
			t.Errorf("Validate(%v) error %v does not wrap ErrInvalidLabel", l, err)
		}
	}
}

func TestLabelsString(t *testing.T) {
	l := Labels{Client: "1.1.0", Content: "abc"}
	if l.String() != "1.1.0/abc" {
		t.Fatalf("String = %q", l.String())
	}
	if l.IsZero() || !(Labels{}).IsZero() {
		t.Fatal("IsZero mismatch")
	}
}
