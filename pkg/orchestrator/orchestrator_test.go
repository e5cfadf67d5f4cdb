package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/lockfile"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/source"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// memorySource serves pre-inserted CAS trees and counts downloads, standing
// in for the network-backed adapters.
type memorySource struct {
	trees     map[graph.PackageId]source.PackageFS
	targets   map[graph.PackageId]semverx.Target
	downloads int
}

func (m *memorySource) Hash() string                      { return "memory" }
func (m *memorySource) Refresh(ctx context.Context) error { return nil }

func (m *memorySource) Resolve(ctx context.Context, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error) {
	return names.PackageName{}, nil, nil, fmt.Errorf("not used in these tests")
}

func (m *memorySource) Download(ctx context.Context, ref graph.PackageRef) (source.PackageFS, semverx.Target, error) {
	m.downloads++
	id := graph.PackageId{Name: ref.Name, Version: ref.Version}
	fs, ok := m.trees[id]
	if !ok {
		return source.PackageFS{}, semverx.Target{}, fmt.Errorf("no tree for %s", id)
	}
	return fs, m.targets[id], nil
}

func (m *memorySource) GetTarget(ctx context.Context, ref graph.PackageRef) (semverx.Target, error) {
	return m.targets[graph.PackageId{Name: ref.Name, Version: ref.Version}], nil
}

type memorySelector struct{ src *memorySource }

func (s *memorySelector) For(ctx context.Context, spec specifier.DependencySpecifier) (source.Source, error) {
	return s.src, nil
}

func (s *memorySelector) ForRef(ctx context.Context, ref graph.PackageRef) (source.Source, error) {
	return s.src, nil
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name:    "acme/project",
		Version: "0.1.0",
		Target:  manifest.TargetTable{Environment: "generic-runtime"},
		Indices: map[string]string{"default": "https://example.com/index"},
	}
}

func testGraph(t *testing.T, store *cas.Store, src *memorySource) *graph.DependencyGraph {
	t.Helper()

	name, err := names.Parse("acme/gears")
	require.NoError(t, err)
	id := graph.PackageId{Name: name, Version: semverx.NewVersionId(semver.MustParse("1.2.4"), semverx.TargetGenericRuntime)}

	hash, err := store.InsertBytes([]byte("return {}\n"))
	require.NoError(t, err)

	src.trees = map[graph.PackageId]source.PackageFS{
		id: {Kind: source.FSCas, Entries: map[string]source.Entry{"init.luau": {Kind: source.EntryFile, Hash: hash}}},
	}
	src.targets = map[graph.PackageId]semverx.Target{
		id: {Kind: semverx.TargetGenericRuntime, Lib: "init.luau"},
	}

	g := graph.New()
	g.Insert(id, &graph.Node{
		Direct: &graph.DirectInfo{
			Alias:      "gears",
			Specifier:  specifier.DependencySpecifier{Kind: specifier.KindRegistry, Name: "acme/gears", VersionReq: "^1.2.3", Index: "default"},
			DeclaredTy: specifier.DependencyStandard,
		},
		Dependencies: map[graph.PackageId]specifier.Alias{},
		ResolvedTy:   specifier.DependencyStandard,
		PkgRef:       graph.PackageRef{Kind: graph.RefRegistry, Name: name, Version: id.Version, IndexURL: "https://example.com/index"},
	})
	return g
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memorySource, *graph.DependencyGraph) {
	t.Helper()

	proj := t.TempDir()
	store, err := cas.New(filepath.Join(t.TempDir(), "cas"))
	require.NoError(t, err)

	src := &memorySource{}
	g := testGraph(t, store, src)

	o := &Orchestrator{
		ProjectRoot: proj,
		Manifest:    testManifest(),
		Target:      semverx.TargetGenericRuntime,
		CAS:         store,
		Sources:     &memorySelector{src: src},
		Refreshed:   source.NewDedup(),
	}
	return o, src, g
}

func TestInstallMaterializesAndWritesLockfile(t *testing.T) {
	o, src, g := newTestOrchestrator(t)

	err := o.Install(context.Background(), g, nil, InstallOptions{Write: true})
	require.NoError(t, err)
	assert.Equal(t, 1, src.downloads)

	pkgRoot := filepath.Join(o.ProjectRoot, "generic-runtime_packages", PackagesContainer, "acme+gears", "1.2.4", "gears")
	assert.FileExists(t, filepath.Join(pkgRoot, "init.luau"))
	assert.FileExists(t, filepath.Join(o.ProjectRoot, "generic-runtime_packages", "gears.luau"))

	lf, err := lockfile.Read(o.ProjectRoot)
	require.NoError(t, err)
	require.NotNil(t, lf)
	assert.Equal(t, semverx.TargetGenericRuntime, lf.Target)
	require.Len(t, lf.Graph.Nodes, 1)
	for id := range lf.Graph.Nodes {
		assert.Equal(t, "acme/gears@1.2.4 generic-runtime", id.String())
	}
}

func TestInstallSecondRunIsByteIdentical(t *testing.T) {
	o, _, g := newTestOrchestrator(t)

	require.NoError(t, o.Install(context.Background(), g, nil, InstallOptions{Write: true}))
	first, err := os.ReadFile(filepath.Join(o.ProjectRoot, lockfile.FileName))
	require.NoError(t, err)

	require.NoError(t, o.Install(context.Background(), g, g, InstallOptions{Write: true}))
	second, err := os.ReadFile(filepath.Join(o.ProjectRoot, lockfile.FileName))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestInstallLockedAbortsBeforeMutation(t *testing.T) {
	o, src, g := newTestOrchestrator(t)

	err := o.Install(context.Background(), g, nil, InstallOptions{Write: true, Locked: true})
	require.ErrorIs(t, err, ErrLockedOutdated)

	assert.Equal(t, 0, src.downloads, "a locked abort must not touch the network")
	assert.NoDirExists(t, filepath.Join(o.ProjectRoot, "generic-runtime_packages"))
	assert.NoFileExists(t, filepath.Join(o.ProjectRoot, lockfile.FileName))
}

func TestInstallLockedPassesWhenUnchanged(t *testing.T) {
	o, _, g := newTestOrchestrator(t)

	require.NoError(t, o.Install(context.Background(), g, nil, InstallOptions{Write: true}))
	require.NoError(t, o.Install(context.Background(), g, g, InstallOptions{Write: true, Locked: true}))
}

func TestInstallProdSkipsDevWrites(t *testing.T) {
	o, _, g := newTestOrchestrator(t)

	for _, node := range g.Nodes {
		node.ResolvedTy = specifier.DependencyDev
		node.Direct.DeclaredTy = specifier.DependencyDev
	}

	require.NoError(t, o.Install(context.Background(), g, nil, InstallOptions{Write: true, Prod: true}))

	pkgRoot := filepath.Join(o.ProjectRoot, "generic-runtime_packages", PackagesContainer, "acme+gears", "1.2.4", "gears")
	assert.NoFileExists(t, filepath.Join(pkgRoot, "init.luau"))
}

func TestInstallCrossTargetDependency(t *testing.T) {
	o, src, g := newTestOrchestrator(t)

	// A generic-runtime project consuming a standalone-target dependency:
	// the folder follows the dependency's target, and the install succeeds.
	name, err := names.Parse("acme/cli")
	require.NoError(t, err)
	id := graph.PackageId{Name: name, Version: semverx.NewVersionId(semver.MustParse("2.0.0"), semverx.TargetStandalone)}

	hash, err := o.CAS.InsertBytes([]byte("return 0\n"))
	require.NoError(t, err)
	src.trees[id] = source.PackageFS{Kind: source.FSCas, Entries: map[string]source.Entry{"init.luau": {Kind: source.EntryFile, Hash: hash}}}
	src.targets[id] = semverx.Target{Kind: semverx.TargetStandalone, Lib: "init.luau"}

	g.Insert(id, &graph.Node{
		Direct: &graph.DirectInfo{
			Alias:      "cli",
			Specifier:  specifier.DependencySpecifier{Kind: specifier.KindRegistry, Name: "acme/cli", VersionReq: "^2.0.0", Index: "default", Target: "standalone"},
			DeclaredTy: specifier.DependencyStandard,
		},
		Dependencies: map[graph.PackageId]specifier.Alias{},
		ResolvedTy:   specifier.DependencyStandard,
		PkgRef:       graph.PackageRef{Kind: graph.RefRegistry, Name: name, Version: id.Version, IndexURL: "https://example.com/index"},
	})

	require.NoError(t, o.Install(context.Background(), g, nil, InstallOptions{Write: true}))

	pkgRoot := filepath.Join(o.ProjectRoot, "standalone_packages", PackagesContainer, "acme+cli", "2.0.0", "cli")
	assert.FileExists(t, filepath.Join(pkgRoot, "init.luau"))
	assert.FileExists(t, filepath.Join(o.ProjectRoot, "standalone_packages", "cli.luau"))
}

func TestPackageRootLayouts(t *testing.T) {
	name, err := names.Parse("acme/gears")
	require.NoError(t, err)
	vid := semverx.NewVersionId(semver.MustParse("1.2.4"), semverx.TargetGenericRuntime)

	native := packageRoot("/proj", "generic-runtime_packages", graph.PackageRef{Kind: graph.RefRegistry, Name: name, Version: vid})
	assert.Equal(t, "/proj/generic-runtime_packages/.pesde/acme+gears/1.2.4/gears", native)

	legacyName, err := names.ParseAs("acme/gears", names.FlavorLegacy)
	require.NoError(t, err)
	legacy := packageRoot("/proj", "browser-shared_packages", graph.PackageRef{Kind: graph.RefLegacy, Name: legacyName, Version: vid})
	assert.Equal(t, "/proj/browser-shared_packages/.pesde/acme_gears@1.2.4/gears", legacy)
}

func TestAllPackagesFolders(t *testing.T) {
	assert.ElementsMatch(t, []string{
		"browser-shared_packages",
		"browser-server_packages",
		"generic-runtime_packages",
		"standalone_packages",
	}, allPackagesFolders())
}
