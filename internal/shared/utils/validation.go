package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxNameLength bounds partition and service names
const MaxNameLength = 64

// NamePattern allows alphanumeric, dots, hyphens and underscores
var NamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateName checks an optional manifest name. Names end up in log fields
// and metric labels, so they are kept to a conservative character set.
func ValidateName(name, fieldName string) error {
	if err := ValidateString(name, fieldName, 1, MaxNameLength, false); err != nil {
		return err
	}
	if name != "" && !NamePattern.MatchString(name) {
		return fmt.Errorf("%s %q contains invalid characters (only alphanumeric, dots, hyphens, and underscores allowed)", fieldName, name)
	}
	return nil
}
