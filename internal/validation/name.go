package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var shortNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

const (
	maxShortNameLength   = 16
	maxNameLength        = 255
	maxDescriptionLength = 4000
	maxMessageLength     = 4000
)

// ValidateShortName validates a project short name. It becomes a directory
// name, so only letters, digits, dashes and underscores are allowed.
func ValidateShortName(name string) error {
	if name == "" {
		return errors.New("short name is required")
	}

	if len(name) > maxShortNameLength {
		return fmt.Errorf("short name is too long (max %d characters)", maxShortNameLength)
	}

	if !shortNamePattern.MatchString(name) {
		return errors.New("short name may only contain letters, digits, '-' and '_' and must start with a letter or digit")
	}

	return nil
}

// ValidateName validates display names of images, models and vocabulary entries
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)

	if trimmed == "" {
		return errors.New("name is required")
	}

	if len(trimmed) > maxNameLength {
		return fmt.Errorf("name is too long (max %d characters)", maxNameLength)
	}

	return nil
}

func ValidateDescription(description string) error {
	if len(description) > maxDescriptionLength {
		return fmt.Errorf("description is too long (max %d characters)", maxDescriptionLength)
	}
	return nil
}

// ValidateMessage validates the text of a segmentation message
func ValidateMessage(text string) error {
	trimmed := strings.TrimSpace(text)

	if trimmed == "" {
		return errors.New("message is required")
	}

	if len(trimmed) > maxMessageLength {
		return fmt.Errorf("message is too long (max %d characters)", maxMessageLength)
	}

	return nil
}
