package catalogsync

import "fmt"

// MaxLabelLength bounds both labels; the catalog schema stores them as short strings.
const MaxLabelLength = 32

// Validate checks both labels. Client labels are dotted numeric versions
// ("2.3.61"); content labels allow letters, digits, '-', '.', and '_'.
func (l Labels) Validate() error {
	if err := validateLabel("client", l.Client, isClientLabelRune); err != nil {
		return err
	}
	return validateLabel("content", l.Content, isContentLabelRune)
}

func validateLabel(kind, v string, allowed func(rune) bool) error {
	if v == "" {
		return fmt.Errorf("%w: %s label is empty", ErrInvalidLabel, kind)
	}
	if len(v) > MaxLabelLength {
		return fmt.Errorf("%w: %s label %q exceeds %d characters", ErrInvalidLabel, kind, v, MaxLabelLength)
	}
	for _, r := range v {
		if !allowed(r) {
			return fmt.Errorf("%w: %s label %q contains %q", ErrInvalidLabel, kind, v, r)
		}
	}
	return nil
}

func isClientLabelRune(r rune) bool {
	return (r >= '0' && r <= '9') || r == '.'
}

func isContentLabelRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r == '-', r == '.', r == '_':
		return true
	}
	return false
}
