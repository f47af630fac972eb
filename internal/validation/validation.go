// Package validation checks client-supplied identifiers before they
// reach the filesystem or the child protocol.
package validation

import (
	"fmt"
	"regexp"
)

const (
	maxUserIDLen   = 128
	maxThreadIDLen = 256
	maxModelLen    = 128
)

// userIDRegex matches safe path components (alphanumeric, dash,
// underscore, dot). User ids become directories under the data dir.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateUserID checks that a user id is usable as a single path
// component under {base_data_dir}/users/.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if len(id) > maxUserIDLen {
		return fmt.Errorf("user id exceeds %d characters", maxUserIDLen)
	}
	// "." and ".." pass the charset but escape the users directory
	if id == "." || id == ".." {
		return fmt.Errorf("invalid user id: %s", id)
	}
	if !userIDRegex.MatchString(id) {
		return fmt.Errorf("user id may only contain letters, digits, '_', '.', '-'")
	}
	return nil
}

// ValidateThreadID checks a thread id. Thread ids are minted by the
// app-server and opaque to the gateway, so only reject what could not
// possibly be one.
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("thread id cannot be empty")
	}
	if len(id) > maxThreadIDLen {
		return fmt.Errorf("thread id exceeds %d characters", maxThreadIDLen)
	}
	if err := validatePrintable("thread id", id); err != nil {
		return err
	}
	return nil
}

// ValidateModel checks an optional model override before it is passed
// through to the child. Empty means "use the configured default".
func ValidateModel(model string) error {
	if model == "" {
		return nil
	}
	if len(model) > maxModelLen {
		return fmt.Errorf("model exceeds %d characters", maxModelLen)
	}
	return validatePrintable("model", model)
}

func validatePrintable(field, s string) error {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%s contains control characters", field)
		}
	}
	return nil
}
