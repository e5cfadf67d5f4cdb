package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/source"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// fakeSource serves a single package's versions from memory and counts how
// often it is consulted, for the incremental-reuse assertions.
type fakeSource struct {
	name     names.PackageName
	versions map[string]map[specifier.Alias]graph.DeclaredDependency
	target   semverx.TargetKind

	refreshes int
	resolves  int
}

func (f *fakeSource) Hash() string                      { return "fake\x00" + f.name.String() }
func (f *fakeSource) Refresh(ctx context.Context) error { f.refreshes++; return nil }

func (f *fakeSource) Resolve(ctx context.Context, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error) {
	f.resolves++

	constraint, err := semver.NewConstraint(spec.VersionReq)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}

	candidates := make(map[semverx.VersionId]graph.PackageRef)
	for raw, deps := range f.versions {
		v := semver.MustParse(raw)
		if !constraint.Check(v) {
			continue
		}
		vid := semverx.NewVersionId(v, f.target)
		candidates[vid] = graph.PackageRef{
			Kind:         graph.RefRegistry,
			Name:         f.name,
			Version:      vid,
			IndexURL:     spec.Index,
			Dependencies: deps,
		}
	}
	return f.name, candidates, []semverx.TargetKind{f.target}, nil
}

func (f *fakeSource) Download(ctx context.Context, ref graph.PackageRef) (source.PackageFS, semverx.Target, error) {
	return source.PackageFS{}, semverx.Target{Kind: f.target}, nil
}

func (f *fakeSource) GetTarget(ctx context.Context, ref graph.PackageRef) (semverx.Target, error) {
	return semverx.Target{Kind: f.target}, nil
}

// fakeSelector routes registry specifiers to fake sources by package name.
type fakeSelector struct {
	byName map[string]*fakeSource
}

func (s *fakeSelector) For(ctx context.Context, spec specifier.DependencySpecifier) (source.Source, error) {
	src, ok := s.byName[spec.Name]
	if !ok {
		return nil, fmt.Errorf("no fake source for %q", spec.Name)
	}
	return src, nil
}

func (s *fakeSelector) ForRef(ctx context.Context, ref graph.PackageRef) (source.Source, error) {
	src, ok := s.byName[ref.Name.String()]
	if !ok {
		return nil, fmt.Errorf("no fake source for %q", ref.Name)
	}
	return src, nil
}

func registrySpec(name, req string) specifier.DependencySpecifier {
	return specifier.DependencySpecifier{Kind: specifier.KindRegistry, Name: name, VersionReq: req, Index: "default"}
}

func baseManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name:    "acme/project",
		Version: "0.1.0",
		Target:  manifest.TargetTable{Environment: "generic-runtime"},
		Indices: map[string]string{"default": "https://example.com/index"},
	}
}

func noDeps() map[specifier.Alias]graph.DeclaredDependency { return nil }

func newFake(t *testing.T, name string, versions ...string) *fakeSource {
	t.Helper()
	n, err := names.Parse(name)
	require.NoError(t, err)
	byVersion := make(map[string]map[specifier.Alias]graph.DeclaredDependency)
	for _, v := range versions {
		byVersion[v] = noDeps()
	}
	return &fakeSource{name: n, versions: byVersion, target: semverx.TargetGenericRuntime}
}

func TestResolveSingleRegistryDependency(t *testing.T) {
	m := baseManifest()
	m.Dependencies = map[string]specifier.DependencySpecifier{
		"dep": registrySpec("acme/b", "^1.2.3"),
	}
	sel := &fakeSelector{byName: map[string]*fakeSource{
		"acme/b": newFake(t, "acme/b", "1.2.3", "1.2.4", "2.0.0"),
	}}

	g, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
	require.NoError(t, err)

	require.Len(t, g.Nodes, 1)
	for id, node := range g.Nodes {
		assert.Equal(t, "acme/b@1.2.4 generic-runtime", id.String())
		require.NotNil(t, node.Direct)
		assert.Equal(t, specifier.Alias("dep"), node.Direct.Alias)
		assert.Equal(t, specifier.DependencyStandard, node.ResolvedTy)
		assert.Equal(t, "https://example.com/index", node.PkgRef.IndexURL)
	}
}

func TestResolveIndexAliasNotDeclared(t *testing.T) {
	m := baseManifest()
	m.Dependencies = map[string]specifier.DependencySpecifier{
		"dep": {Kind: specifier.KindRegistry, Name: "acme/b", VersionReq: "^1.0.0", Index: "missing"},
	}
	sel := &fakeSelector{byName: map[string]*fakeSource{"acme/b": newFake(t, "acme/b", "1.0.0")}}

	_, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
	var idxErr *IndexNotFoundError
	require.ErrorAs(t, err, &idxErr)
	assert.Equal(t, "missing", idxErr.Alias)
}

func TestResolveNoMatchingVersion(t *testing.T) {
	m := baseManifest()
	m.Dependencies = map[string]specifier.DependencySpecifier{
		"dep": registrySpec("acme/b", "^9.0.0"),
	}
	sel := &fakeSelector{byName: map[string]*fakeSource{"acme/b": newFake(t, "acme/b", "1.2.3")}}

	_, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
	var nmv *NoMatchingVersionError
	require.ErrorAs(t, err, &nmv)
}

func TestPeerPromotionAtRoot(t *testing.T) {
	m := baseManifest()
	m.Dependencies = map[string]specifier.DependencySpecifier{
		"y": registrySpec("acme/b", "^1.0.0"),
	}
	m.PeerDependencies = map[string]specifier.DependencySpecifier{
		"x": registrySpec("acme/b", "^1.0.0"),
	}
	sel := &fakeSelector{byName: map[string]*fakeSource{"acme/b": newFake(t, "acme/b", "1.5.0")}}

	g, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
	require.NoError(t, err)

	require.Len(t, g.Nodes, 1)
	for _, node := range g.Nodes {
		assert.Equal(t, specifier.DependencyStandard, node.ResolvedTy)
		assert.False(t, node.IsPeer)
		require.NotNil(t, node.Direct)
	}
}

func TestTransitivePeerPromotedByStandardArrival(t *testing.T) {
	m := baseManifest()
	m.Dependencies = map[string]specifier.DependencySpecifier{
		"a": registrySpec("acme/a", "^1.0.0"),
		"c": registrySpec("acme/c", "^1.0.0"),
	}

	// acme/a requires acme/c as a peer; the root provides it as standard.
	a := newFake(t, "acme/a")
	a.versions["1.0.0"] = map[specifier.Alias]graph.DeclaredDependency{
		"c": {Specifier: registrySpecAbs("acme/c", "^1.0.0"), Type: specifier.DependencyPeer},
	}
	c := newFake(t, "acme/c", "1.0.0")

	sel := &fakeSelector{byName: map[string]*fakeSource{"acme/a": a, "acme/c": c}}

	g, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)

	cID, err := graph.ParsePackageId("acme/c@1.0.0 generic-runtime")
	require.NoError(t, err)
	node, ok := g.Get(cID)
	require.True(t, ok)
	assert.Equal(t, specifier.DependencyStandard, node.ResolvedTy)
}

// registrySpecAbs mimics a specifier below the root, whose index was already
// rewritten to an absolute URL by its containing manifest.
func registrySpecAbs(name, req string) specifier.DependencySpecifier {
	return specifier.DependencySpecifier{Kind: specifier.KindRegistry, Name: name, VersionReq: req, Index: "https://example.com/index"}
}

func TestOverrideRedirectsNestedEdge(t *testing.T) {
	m := baseManifest()
	m.Dependencies = map[string]specifier.DependencySpecifier{
		"a": registrySpec("acme/b", "^1.0.0"),
		"b": registrySpec("acme/d", "^2.0.0"),
	}
	m.Overrides = map[string]specifier.DependencySpecifier{
		"a>sub": registrySpec("acme/w", "=3.0.0"),
	}

	ab := newFake(t, "acme/b")
	ab.versions["1.0.0"] = map[specifier.Alias]graph.DeclaredDependency{
		"sub": {Specifier: registrySpecAbs("acme/q", "^1.0.0"), Type: specifier.DependencyStandard},
	}
	sel := &fakeSelector{byName: map[string]*fakeSource{
		"acme/b": ab,
		"acme/d": newFake(t, "acme/d", "2.1.0"),
		"acme/q": newFake(t, "acme/q", "1.0.0"),
		"acme/w": newFake(t, "acme/w", "3.0.0"),
	}}

	g, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
	require.NoError(t, err)

	for id := range g.Nodes {
		assert.NotEqual(t, "acme/q", id.Name.String(), "overridden edge must not resolve the original package")
	}
	wID, err := graph.ParsePackageId("acme/w@3.0.0 generic-runtime")
	require.NoError(t, err)
	_, ok := g.Get(wID)
	assert.True(t, ok)

	dID, err := graph.ParsePackageId("acme/d@2.1.0 generic-runtime")
	require.NoError(t, err)
	_, ok = g.Get(dID)
	assert.True(t, ok, "sibling subtree must be unaffected by the override")
}

func TestOverrideAliasNotFound(t *testing.T) {
	m := baseManifest()
	m.Dependencies = map[string]specifier.DependencySpecifier{
		"b": registrySpec("acme/d", "^2.0.0"),
	}
	m.Overrides = map[string]specifier.DependencySpecifier{
		"a>sub": registrySpec("acme/w", "=3.0.0"),
	}
	sel := &fakeSelector{byName: map[string]*fakeSource{"acme/d": newFake(t, "acme/d", "2.1.0")}}

	_, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
	var oanf *OverrideAliasNotFoundError
	require.ErrorAs(t, err, &oanf)
	assert.Equal(t, specifier.Alias("a"), oanf.Alias)
}

func TestIncrementalReuseSkipsSource(t *testing.T) {
	m := baseManifest()
	spec := registrySpec("acme/b", "^1.2.3")
	m.Dependencies = map[string]specifier.DependencySpecifier{"dep": spec}

	src := newFake(t, "acme/b", "1.2.4")
	sel := &fakeSelector{byName: map[string]*fakeSource{"acme/b": src}}

	first, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, src.resolves)

	second, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{Prev: first})
	require.NoError(t, err)

	assert.Equal(t, 1, src.resolves, "unchanged specifier must not hit the source again")
	require.Len(t, second.Nodes, 1)
	for id, node := range second.Nodes {
		prevNode, ok := first.Get(id)
		require.True(t, ok)
		assert.Equal(t, prevNode.PkgRef, node.PkgRef)
	}
}

func TestResolveDeterminism(t *testing.T) {
	build := func() *graph.DependencyGraph {
		m := baseManifest()
		m.Dependencies = map[string]specifier.DependencySpecifier{
			"a": registrySpec("acme/b", "^1.0.0"),
			"b": registrySpec("acme/d", "^2.0.0"),
		}
		sel := &fakeSelector{byName: map[string]*fakeSource{
			"acme/b": newFake(t, "acme/b", "1.0.0", "1.5.0"),
			"acme/d": newFake(t, "acme/d", "2.0.0", "2.1.0"),
		}}
		g, err := Resolve(context.Background(), m, semverx.TargetGenericRuntime, sel, Options{})
		require.NoError(t, err)
		return g
	}

	g1, g2 := build(), build()
	require.Equal(t, len(g1.Nodes), len(g2.Nodes))
	for id, node := range g1.Nodes {
		other, ok := g2.Get(id)
		require.True(t, ok)
		assert.Equal(t, node.PkgRef, other.PkgRef)
		assert.Equal(t, node.ResolvedTy, other.ResolvedTy)
	}
}
