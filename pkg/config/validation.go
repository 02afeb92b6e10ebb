package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation via
// struct tags, with additional custom validation for cross-field rules that
// cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// Registration names must be unique across the whole registry.
	names := make(map[string]bool)
	for i, backend := range cfg.Backends {
		if names[backend.Name] {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, backend.Name)
		}
		names[backend.Name] = true
	}

	// At most one backend may claim the default slot.
	defaultIdx := -1
	for i, backend := range cfg.Backends {
		if !backend.Default {
			continue
		}
		if defaultIdx >= 0 {
			return fmt.Errorf("backends[%d]: %q and %q both marked default",
				i, cfg.Backends[defaultIdx].Name, backend.Name)
		}
		defaultIdx = i
	}

	for i, backend := range cfg.Backends {
		if backend.Type == "sahpool" {
			if dir, _ := backend.SAHPool["directory"].(string); dir == "" {
				return fmt.Errorf("backends[%d]: sahpool requires a directory", i)
			}
		}
		if backend.Type == "blockmirror" {
			if path, _ := backend.BlockMirror["path"].(string); path == "" {
				return fmt.Errorf("backends[%d]: blockmirror requires a path", i)
			}
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
