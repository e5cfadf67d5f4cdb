// Package semverx models the version and target identity of a package:
// VersionId pairs a semver version with a compile target, and TargetKind
// enumerates the four compile environments the core links against.
package semverx

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// TargetKind is the compile environment a package version was built for.
type TargetKind string

const (
	TargetBrowserShared  TargetKind = "browser-shared"
	TargetBrowserServer  TargetKind = "browser-server"
	TargetGenericRuntime TargetKind = "generic-runtime"
	TargetStandalone     TargetKind = "standalone"
)

func (k TargetKind) Valid() bool {
	switch k {
	case TargetBrowserShared, TargetBrowserServer, TargetGenericRuntime, TargetStandalone:
		return true
	default:
		return false
	}
}

func (k TargetKind) String() string { return string(k) }

// IsBrowserEmbedded reports whether k is one of the two browser-embedded
// runtime kinds (shared or server), which share the linker's
// instance-path require rules.
func (k TargetKind) IsBrowserEmbedded() bool {
	return k == TargetBrowserShared || k == TargetBrowserServer
}

// PackagesFolder returns the packages-folder directory name dependencies of
// this target are installed into. The name depends only on the dependency's
// own target, never on the consuming project's, so every project/dependency
// combination is valid and there are exactly four folders.
func (k TargetKind) PackagesFolder() string {
	return fmt.Sprintf("%s_packages", k)
}

// Kinds enumerates every TargetKind, in a fixed order.
func Kinds() []TargetKind {
	return []TargetKind{TargetBrowserShared, TargetBrowserServer, TargetGenericRuntime, TargetStandalone}
}

// VersionId identifies a specific build of a package: a semver version
// plus the target it was compiled for. Two packages sharing a Version but
// built for different Targets are distinct graph nodes.
//
// Version is stored by value, not by pointer: VersionId is used as a map
// key throughout the resolver and graph, and two VersionId values parsed
// from the same version string must compare equal regardless of which
// *semver.Version instance produced them.
type VersionId struct {
	Version semver.Version
	Target  TargetKind
}

// NewVersionId wraps a parsed version and target into a VersionId,
// dereferencing the semver package's pointer return into the value this
// type stores.
func NewVersionId(v *semver.Version, target TargetKind) VersionId {
	return VersionId{Version: *v, Target: target}
}

// String renders the VersionId the way it appears as a lockfile PackageId
// suffix: "<version> <target>".
func (v VersionId) String() string {
	return fmt.Sprintf("%s %s", v.Version.String(), v.Target)
}

// Target carries per-package build metadata. Which fields are populated
// depends on Kind: library packages set Lib, binary packages set Bin,
// script-exporting packages set Scripts, and browser-embedded packages
// may set BuildFiles for the (out-of-scope) sync-config generator.
type Target struct {
	Kind       TargetKind
	Lib        string            // path to the library entry point, relative to the package root
	Bin        string            // path to the binary entry point, relative to the package root
	Scripts    map[string]string // exported script name -> path, relative to the package root
	BuildFiles []string          // file names consumed by the browser-embedded sync-config generator
}

// ExportsLibrary reports whether this target declares a library entry point.
func (t Target) ExportsLibrary() bool { return t.Lib != "" }

// ExportsBinary reports whether this target declares a binary entry point.
func (t Target) ExportsBinary() bool { return t.Bin != "" }
