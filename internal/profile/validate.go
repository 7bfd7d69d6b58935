package profile

import (
	"fmt"
	"regexp"
)

var usernameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// ValidateUsername checks that a username is safe to use as a profile
// directory name and a transport identity.
func ValidateUsername(name string) error {
	if !usernameRegexp.MatchString(name) {
		return fmt.Errorf("invalid username %q: must match ^[a-zA-Z0-9_-]{1,32}$", name)
	}
	return nil
}
