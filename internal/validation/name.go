package validation

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidName      = errors.New("invalid golden path name")
	ErrInvalidNamespace = errors.New("invalid namespace")
)

// MaxNameLength bounds golden path names.
const MaxNameLength = 64

var (
	kebabRe     = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	namespaceRe = regexp.MustCompile(`^@[a-z0-9]+$`)
)

// ValidateName requires lowercase kebab-case, e.g. "react-service".
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength || !kebabRe.MatchString(name) {
		return fmt.Errorf("%w %q: use lowercase kebab-case of at most %d characters", ErrInvalidName, name, MaxNameLength)
	}
	return nil
}

// ValidateNamespace checks the "@" plus lowercase alphanumerics form that
// account provisioning produces.
func ValidateNamespace(ns string) error {
	if !namespaceRe.MatchString(ns) {
		return fmt.Errorf("%w %q", ErrInvalidNamespace, ns)
	}
	return nil
}
