package linker

import (
	"fmt"
	"regexp"
	"strings"
)

// TypeDecl is one exported type declaration found in a library file.
type TypeDecl struct {
	Name   string
	Params string // raw generic parameter list, defaults included, or ""
	Args   string // parameter names only, for the pass-through right side
}

var exportTypeLine = regexp.MustCompile(`^\s*export\s+type\s+([A-Za-z_][A-Za-z0-9_]*)\s*(.*)$`)

// ExtractTypes scans library source for export type declarations and returns
// pass-through aliases preserving generic parameters and defaults. A
// malformed declaration aborts the whole scan with an error; callers
// downgrade that to "no re-exported types" with a warning.
func ExtractTypes(source string) ([]TypeDecl, error) {
	var decls []TypeDecl
	for _, line := range strings.Split(source, "\n") {
		m := exportTypeLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, rest := m[1], strings.TrimSpace(m[2])

		if !strings.HasPrefix(rest, "<") {
			decls = append(decls, TypeDecl{Name: name})
			continue
		}

		params, ok := balancedAngle(rest)
		if !ok {
			return nil, fmt.Errorf("unbalanced generic parameter list in export type %s", name)
		}
		args, err := genericArgs(params)
		if err != nil {
			return nil, fmt.Errorf("export type %s: %w", name, err)
		}
		decls = append(decls, TypeDecl{Name: name, Params: params, Args: args})
	}
	return decls, nil
}

// balancedAngle returns the leading "<...>" of s with nesting respected.
func balancedAngle(s string) (string, bool) {
	depth := 0
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// genericArgs strips defaults from a generic parameter list, keeping only the
// parameter names for the alias's right-hand side: "<K, V = string>" becomes
// "<K, V>". Variadic packs ("T...") pass through unchanged.
func genericArgs(params string) (string, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(params, "<"), ">")

	var args []string
	for _, part := range splitTopLevel(inner) {
		name, _, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return "", fmt.Errorf("empty generic parameter in %q", params)
		}
		args = append(args, name)
	}
	return "<" + strings.Join(args, ", ") + ">", nil
}

// splitTopLevel splits on commas not nested inside <>, () or {} (a default
// may itself be a generic or table type).
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '<', '(', '{':
			depth++
		case '>', ')', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}
