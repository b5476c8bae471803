package base

import "regexp"

var kNameRegex = regexp.MustCompile(`^[a-zA-Z0-9.\-]+$`)

// ValidateName checks that a scope, stream, host or transaction name only uses letters, digits, '-' and '.'. Names
// are used as store path components and index keys.
func ValidateName(op string, name string) error {
	if !kNameRegex.MatchString(name) {
		return NewError(KindPreconditionFailed, op, "", "invalid name %q", name)
	}
	return nil
}
