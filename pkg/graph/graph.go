// Package graph models the dependency graph the resolver builds and the
// orchestrator walks: a flat map keyed by PackageId, never a tree of
// owned nodes, so that diamond dependencies and cycles in the edge set
// (which is legal; only node ownership must stay cycle-free) are
// represented without aliasing headaches.
package graph

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// PackageId is the graph's node key: a package name plus the exact
// version/target it was resolved to.
type PackageId struct {
	Name    names.PackageName
	Version semverx.VersionId
}

// String renders the lockfile key form "<name>@<version> <target>".
func (id PackageId) String() string {
	return fmt.Sprintf("%s@%s", id.Name.String(), id.Version.String())
}

// ParsePackageId parses the lockfile key form "<name>@<version> <target>".
func ParsePackageId(s string) (PackageId, error) {
	nameStr, rest, ok := strings.Cut(s, "@")
	if !ok {
		return PackageId{}, fmt.Errorf("package id %q missing \"@\"", s)
	}
	versionStr, targetStr, ok := strings.Cut(rest, " ")
	if !ok {
		return PackageId{}, fmt.Errorf("package id %q missing target", s)
	}

	name, err := names.Parse(nameStr)
	if err != nil {
		return PackageId{}, fmt.Errorf("package id %q: %w", s, err)
	}
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		return PackageId{}, fmt.Errorf("package id %q: %w", s, err)
	}
	target := semverx.TargetKind(targetStr)
	if !target.Valid() {
		return PackageId{}, fmt.Errorf("package id %q has unknown target %q", s, targetStr)
	}

	return PackageId{Name: name, Version: semverx.NewVersionId(version, target)}, nil
}

// RefKind discriminates which source produced a PackageRef.
type RefKind int

const (
	RefRegistry RefKind = iota
	RefLegacy
	RefGit
	RefWorkspace
	RefPath
)

// PackageRef is the per-source resolved handle: everything a source's
// Download needs to fetch the exact revision a PackageId names.
type PackageRef struct {
	Kind RefKind

	// Name and Version are populated on every ref variant (even though
	// they also key the graph's PackageId) so a Source's Download/GetTarget
	// can build URLs, cache keys, and container paths from the ref alone.
	Name    names.PackageName
	Version semverx.VersionId

	// Registry
	IndexURL string

	// Legacy
	LegacyRealm string // "shared" or "server"

	// Git
	RepoURL   string
	TreeOID   string
	NewLayout bool

	// Workspace / Path
	MemberPath string // relative to workspace root, or absolute for Path

	// Shared: this version's own declared dependency table (alias ->
	// specifier + declared type), carried on the ref so the resolver's
	// work queue can enqueue this node's children without a second round
	// trip into the source that produced it.
	Dependencies map[specifier.Alias]DeclaredDependency
}

// DeclaredDependency pairs a dependency specifier with its declared type,
// as read out of a package version's own manifest or index entry.
type DeclaredDependency struct {
	Specifier specifier.DependencySpecifier
	Type      specifier.DependencyType
}

// LikeWally reports whether this ref behaves like the legacy ecosystem's
// packages for ordering purposes: downloaded in a second pass, after
// native packages, because its library path is discovered via the
// sourcemap-generator hook rather than a manifest field.
func (r PackageRef) LikeWally() bool {
	return r.Kind == RefLegacy
}

// DirectInfo is populated on a node iff it is a root (depth-0) dependency.
type DirectInfo struct {
	Alias      specifier.Alias
	Specifier  specifier.DependencySpecifier
	DeclaredTy specifier.DependencyType
}

// Node is a single DependencyGraph entry.
type Node struct {
	Direct       *DirectInfo
	Dependencies map[PackageId]specifier.Alias
	ResolvedTy   specifier.DependencyType
	IsPeer       bool
	PkgRef       PackageRef
}

// DependencyGraph is the resolver's output: a flat map, no nested
// ownership. Edges are plain key references into Nodes.
type DependencyGraph struct {
	Nodes map[PackageId]*Node
}

// New returns an empty graph.
func New() *DependencyGraph {
	return &DependencyGraph{Nodes: make(map[PackageId]*Node)}
}

// Get looks up a node by id.
func (g *DependencyGraph) Get(id PackageId) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Insert adds or replaces a node.
func (g *DependencyGraph) Insert(id PackageId, n *Node) {
	g.Nodes[id] = n
}

// BestCandidate picks the highest version among candidates that is
// already present in the graph for the given name, falling back to the
// highest candidate overall when none are present yet. Returns false if
// candidates is empty.
func (g *DependencyGraph) BestCandidate(name names.PackageName, candidates map[semverx.VersionId]PackageRef) (semverx.VersionId, bool) {
	if len(candidates) == 0 {
		return semverx.VersionId{}, false
	}

	var existingVersions []semverx.VersionId
	for id := range g.Nodes {
		if id.Name.Equal(name) {
			if _, ok := candidates[id.Version]; ok {
				existingVersions = append(existingVersions, id.Version)
			}
		}
	}

	pool := existingVersions
	if len(pool) == 0 {
		for v := range candidates {
			pool = append(pool, v)
		}
	}

	best := pool[0]
	for _, v := range pool[1:] {
		if compareVersionId(v, best) > 0 {
			best = v
		}
	}
	return best, true
}

func compareVersionId(a, b semverx.VersionId) int {
	return cmpVersions(a.Version, b.Version)
}

func cmpVersions(a, b semver.Version) int {
	return a.Compare(&b)
}
