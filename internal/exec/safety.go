package exec

import (
	"errors"
	"regexp"
	"strings"
)

var (
	shellMetachars = regexp.MustCompile(`[;&|` + "`" + `$<>]`)
	controlChars   = regexp.MustCompile(`[\r\n]`)
	quoteChars     = regexp.MustCompile(`["']`)
	bareName       = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
	driveLetter    = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

// Executable validation errors.
var (
	ErrEmptyExecutable    = errors.New("executable value is empty")
	ErrExecutableNullByte = errors.New("executable value contains null byte")
	ErrExecutableControl  = errors.New("executable value contains control characters")
	ErrExecutableMetachar = errors.New("executable value contains shell metacharacters")
	ErrExecutableQuote    = errors.New("executable value contains quote characters")
	ErrOptionInjection    = errors.New("executable value starts with dash")
	ErrInvalidBareName    = errors.New("executable value contains invalid characters for a bare name")
)

// isLikelyPath reports whether the value is a file path rather than a bare
// executable name.
func isLikelyPath(value string) bool {
	if value == "" {
		return false
	}
	if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") {
		return true
	}
	if strings.ContainsAny(value, `/\`) {
		return true
	}
	return driveLetter.MatchString(value)
}

// SanitizeExecutable validates an executable name or path before it is
// spliced into a command forwarded to a provider, and returns it trimmed.
// Paths are allowed; bare names must not start with a dash and must match
// [A-Za-z0-9._+-]+. Metacharacters, quotes, and control bytes are rejected
// everywhere.
func SanitizeExecutable(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		return "", ErrEmptyExecutable
	case strings.Contains(trimmed, "\x00"):
		return "", ErrExecutableNullByte
	case controlChars.MatchString(trimmed):
		return "", ErrExecutableControl
	case shellMetachars.MatchString(trimmed):
		return "", ErrExecutableMetachar
	case quoteChars.MatchString(trimmed):
		return "", ErrExecutableQuote
	}
	if isLikelyPath(trimmed) {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", ErrOptionInjection
	}
	if !bareName.MatchString(trimmed) {
		return "", ErrInvalidBareName
	}
	return trimmed, nil
}
