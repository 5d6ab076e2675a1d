package profile

import (
	"fmt"
	"regexp"
)

const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve picks the active profile: the --profile flag, then the configured
// default, then "main".
func Resolve(flagOverride, configured string) (string, error) {
	name := DefaultName
	switch {
	case flagOverride != "":
		name = flagOverride
	case configured != "":
		name = configured
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
