// Package names implements PackageName parsing and validation for the two
// name flavors that coexist in the ecosystem: the primary flavor used by
// the native registry, and the legacy flavor inherited from the older
// package ecosystem the core interoperates with.
package names

import (
	"fmt"
	"regexp"
	"strings"
)

// Flavor tags which character-class rules a PackageName was validated against.
type Flavor int

const (
	// FlavorPrimary is the native registry's lowercase [a-z0-9_] flavor.
	FlavorPrimary Flavor = iota
	// FlavorLegacy is the older ecosystem's [a-z0-9-] flavor.
	FlavorLegacy
)

func (f Flavor) String() string {
	if f == FlavorLegacy {
		return "legacy"
	}
	return "primary"
}

var (
	primaryPart = regexp.MustCompile(`^[a-z0-9_]+$`)
	legacyPart  = regexp.MustCompile(`^[a-z0-9-]+$`)
	allDigits   = regexp.MustCompile(`^[0-9]+$`)
)

// PackageName is a (scope, name) pair. Equality and ordering are by the
// exact (scope, name) strings; the Flavor only governs validation.
type PackageName struct {
	Scope  string
	Name   string
	Flavor Flavor
}

// Parse splits "scope/name" and validates it against both flavors,
// preferring the primary flavor when both would accept it.
func Parse(s string) (PackageName, error) {
	scope, name, ok := strings.Cut(s, "/")
	if !ok {
		return PackageName{}, fmt.Errorf("package name %q must be of the form scope/name", s)
	}

	if err := validatePrimary(scope, name); err == nil {
		return PackageName{Scope: scope, Name: name, Flavor: FlavorPrimary}, nil
	}

	if err := validateLegacy(scope, name); err == nil {
		return PackageName{Scope: scope, Name: name, Flavor: FlavorLegacy}, nil
	}

	return PackageName{}, fmt.Errorf("package name %q is not valid under either the primary or legacy naming scheme", s)
}

// ParseAs validates s against a specific flavor only.
func ParseAs(s string, flavor Flavor) (PackageName, error) {
	scope, name, ok := strings.Cut(s, "/")
	if !ok {
		return PackageName{}, fmt.Errorf("package name %q must be of the form scope/name", s)
	}

	var err error
	switch flavor {
	case FlavorPrimary:
		err = validatePrimary(scope, name)
	case FlavorLegacy:
		err = validateLegacy(scope, name)
	}
	if err != nil {
		return PackageName{}, err
	}

	return PackageName{Scope: scope, Name: name, Flavor: flavor}, nil
}

func validatePrimary(scope, name string) error {
	if len(scope) < 3 || len(scope) > 32 {
		return fmt.Errorf("scope %q must be 3-32 characters", scope)
	}
	if len(name) < 1 || len(name) > 32 {
		return fmt.Errorf("name %q must be 1-32 characters", name)
	}
	if !primaryPart.MatchString(scope) || !primaryPart.MatchString(name) {
		return fmt.Errorf("scope/name must match [a-z0-9_]")
	}
	if allDigits.MatchString(name) {
		return fmt.Errorf("name %q must not be all digits", name)
	}
	if strings.HasPrefix(name, "_") && strings.HasSuffix(name, "_") {
		return fmt.Errorf("name %q must not be underscore-bounded", name)
	}
	return nil
}

func validateLegacy(scope, name string) error {
	if len(scope) < 1 || len(scope) > 64 {
		return fmt.Errorf("scope %q must be 1-64 characters", scope)
	}
	if len(name) < 1 || len(name) > 64 {
		return fmt.Errorf("name %q must be 1-64 characters", name)
	}
	if !legacyPart.MatchString(scope) || !legacyPart.MatchString(name) {
		return fmt.Errorf("scope/name must match [a-z0-9-]")
	}
	return nil
}

// String renders the canonical "scope/name" form.
func (n PackageName) String() string {
	return n.Scope + "/" + n.Name
}

// Escaped renders a filesystem-safe form used for CAS index paths and
// packages-folder directories (e.g. "a/b" -> "a+b").
func (n PackageName) Escaped() string {
	return n.Scope + "+" + n.Name
}

// Equal compares two names for equality, ignoring Flavor.
func (n PackageName) Equal(other PackageName) bool {
	return n.Scope == other.Scope && n.Name == other.Name
}
