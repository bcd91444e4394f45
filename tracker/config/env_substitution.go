package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// reference matches $${...} (escaped) and ${...} expressions.
var reference = regexp.MustCompile(`\$?\$\{([^}]*)\}`)

// SubstituteEnvVars expands environment references in a config document:
//
//	${VAR}          value of VAR, empty when unset
//	${VAR:-default} value of VAR, default when unset or empty
//	${VAR:?message} value of VAR, error with message when unset or empty
//	$${VAR}         the literal text ${VAR}
func SubstituteEnvVars(content string) (string, error) {
	var firstErr error
	out := reference.ReplaceAllStringFunc(content, func(match string) string {
		if strings.HasPrefix(match, "$$") {
			return match[1:]
		}
		value, err := expandReference(match[2 : len(match)-1])
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func expandReference(expr string) (string, error) {
	if name, message, ok := strings.Cut(expr, ":?"); ok {
		if value := os.Getenv(name); value != "" {
			return value, nil
		}
		if message == "" {
			message = "required variable is not set"
		}
		return "", fmt.Errorf("environment variable %s: %s", name, message)
	}
	if name, fallback, ok := strings.Cut(expr, ":-"); ok {
		if value := os.Getenv(name); value != "" {
			return value, nil
		}
		return fallback, nil
	}
	return os.Getenv(expr), nil
}
