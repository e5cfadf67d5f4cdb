package linker

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/semverx"
)

// PlaceRootError reports a browser-embedded require path that cannot be
// computed because the root manifest's [place] table has no entry for the
// dependency's target kind.
type PlaceRootError struct {
	Target semverx.TargetKind
}

func (e *PlaceRootError) Error() string {
	return fmt.Sprintf("manifest [place] table has no entry for target %s", e.Target)
}

// stripModuleTail normalizes the last path component to the form require
// resolves at runtime: a trailing init.lua/init.luau is dropped entirely
// (the containing directory is the module), and any other .lua/.luau
// component loses its extension (Roblox instances carry no extension, and
// string require wants the extensionless path).
func stripModuleTail(p string) string {
	base := path.Base(p)
	if base == "init.lua" || base == "init.luau" {
		return path.Dir(p)
	}
	if trimmed := strings.TrimSuffix(base, ".luau"); trimmed != base {
		return path.Join(path.Dir(p), trimmed)
	}
	if trimmed := strings.TrimSuffix(base, ".lua"); trimmed != base {
		return path.Join(path.Dir(p), trimmed)
	}
	return p
}

// luauRequirePath renders the require path from consumerBase to the library
// at pkgRoot/lib for the generic-runtime and standalone targets: a
// POSIX-style relative string.
func luauRequirePath(consumerBase, pkgRoot, lib string) (string, error) {
	rel, err := filepath.Rel(consumerBase, filepath.Join(pkgRoot, filepath.FromSlash(lib)))
	if err != nil {
		return "", fmt.Errorf("computing require path from %s: %w", consumerBase, err)
	}

	p := stripModuleTail(filepath.ToSlash(rel))
	if !strings.HasPrefix(p, "./") && !strings.HasPrefix(p, "../") {
		p = "./" + p
	}
	return fmt.Sprintf("%q", p), nil
}

// robloxRequirePathFromPlace renders the require path for a root-project
// consumer on a browser-embedded target: an instance expression walking from
// the configured place root through FindFirstChild segments.
func robloxRequirePathFromPlace(place *manifest.PlaceTable, depTarget semverx.TargetKind, projectRoot, pkgRoot, lib string) (string, error) {
	var root string
	if place != nil {
		switch depTarget {
		case semverx.TargetBrowserServer:
			root = place.Server
		default:
			root = place.Shared
		}
	}
	if root == "" {
		return "", &PlaceRootError{Target: depTarget}
	}

	rel, err := filepath.Rel(projectRoot, filepath.Join(pkgRoot, filepath.FromSlash(lib)))
	if err != nil {
		return "", fmt.Errorf("computing require path from project root: %w", err)
	}

	return root + instanceWalk(stripModuleTail(filepath.ToSlash(rel))), nil
}

// robloxRequirePathFromScript renders the require path for a consumer inside
// the packages container: an expression rooted at the shim's own parent.
func robloxRequirePathFromScript(consumerBase, pkgRoot, lib string) (string, error) {
	rel, err := filepath.Rel(consumerBase, filepath.Join(pkgRoot, filepath.FromSlash(lib)))
	if err != nil {
		return "", fmt.Errorf("computing require path from %s: %w", consumerBase, err)
	}

	return "script.Parent" + instanceWalk(stripModuleTail(filepath.ToSlash(rel))), nil
}

// instanceWalk renders a slash-path as instance navigation: ".." becomes
// .Parent, anything else a FindFirstChild step.
func instanceWalk(rel string) string {
	var b strings.Builder
	for _, part := range strings.Split(rel, "/") {
		switch part {
		case "", ".":
		case "..":
			b.WriteString(".Parent")
		default:
			fmt.Fprintf(&b, ":FindFirstChild(%q)", part)
		}
	}
	return b.String()
}
