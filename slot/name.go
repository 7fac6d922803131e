package slot

import "fmt"

// MaxNameLen is the longest slot name accepted.
const MaxNameLen = 63

// ValidateName checks that name is 1..63 characters of lower case letters,
// digits and underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q is too long", ErrInvalidName, name)
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '_' {
			return fmt.Errorf("%w: %q contains invalid character %q, only lower case letters, numbers and underscores are allowed",
				ErrInvalidName, name, c)
		}
	}
	return nil
}
