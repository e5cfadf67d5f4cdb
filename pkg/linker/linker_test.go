package linker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

func testPackage(t *testing.T, root, nameStr, version string, target semverx.Target, direct *graph.DirectInfo) *Package {
	t.Helper()
	name, err := names.Parse(nameStr)
	require.NoError(t, err)
	id := graph.PackageId{Name: name, Version: semverx.NewVersionId(semver.MustParse(version), target.Kind)}
	return &Package{
		ID:     id,
		Node:   &graph.Node{Direct: direct, Dependencies: map[graph.PackageId]specifier.Alias{}},
		Root:   root,
		Target: target,
	}
}

func newTestLinker(t *testing.T, projectRoot string) *Linker {
	t.Helper()
	store, err := cas.New(filepath.Join(projectRoot, "cas"))
	require.NoError(t, err)
	return &Linker{
		ProjectRoot:   projectRoot,
		ProjectTarget: semverx.TargetGenericRuntime,
		CAS:           store,
	}
}

func TestLinkWritesDirectShim(t *testing.T) {
	proj := t.TempDir()
	l := newTestLinker(t, proj)

	pkgRoot := filepath.Join(proj, "generic-runtime_packages", ".pesde", "acme+gears", "0.3.0", "gears")
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgRoot, "lib", "init.luau"), []byte("export type Gear<T> = { value: T }\nreturn {}\n"), 0o644))

	pkg := testPackage(t, pkgRoot, "acme/gears", "0.3.0",
		semverx.Target{Kind: semverx.TargetGenericRuntime, Lib: "lib/init.luau"},
		&graph.DirectInfo{Alias: "gears", DeclaredTy: specifier.DependencyStandard},
	)

	pkgs := map[graph.PackageId]*Package{pkg.ID: pkg}
	require.NoError(t, l.Link(pkgs, true))

	shim, err := os.ReadFile(filepath.Join(proj, "generic-runtime_packages", "gears.luau"))
	require.NoError(t, err)
	assert.Equal(t, `local module = require("./.pesde/acme+gears/0.3.0/gears/lib")
export type Gear<T> = module.Gear<T>
return module
`, string(shim))
}

func TestLinkWithoutTypesOmitsReexports(t *testing.T) {
	proj := t.TempDir()
	l := newTestLinker(t, proj)

	pkgRoot := filepath.Join(proj, "generic-runtime_packages", ".pesde", "acme+gears", "0.3.0", "gears")
	require.NoError(t, os.MkdirAll(pkgRoot, 0o755))

	pkg := testPackage(t, pkgRoot, "acme/gears", "0.3.0",
		semverx.Target{Kind: semverx.TargetGenericRuntime, Lib: "lib/init.luau"},
		&graph.DirectInfo{Alias: "gears", DeclaredTy: specifier.DependencyStandard},
	)

	// The library file does not even exist yet; the type-less pass must not
	// read it.
	pkgs := map[graph.PackageId]*Package{pkg.ID: pkg}
	require.NoError(t, l.Link(pkgs, false))

	shim, err := os.ReadFile(filepath.Join(proj, "generic-runtime_packages", "gears.luau"))
	require.NoError(t, err)
	assert.NotContains(t, string(shim), "export type")
}

func TestLinkMissingLibraryIsFatalWithTypes(t *testing.T) {
	proj := t.TempDir()
	l := newTestLinker(t, proj)

	pkgRoot := filepath.Join(proj, "generic-runtime_packages", ".pesde", "acme+gears", "0.3.0", "gears")
	require.NoError(t, os.MkdirAll(pkgRoot, 0o755))

	pkg := testPackage(t, pkgRoot, "acme/gears", "0.3.0",
		semverx.Target{Kind: semverx.TargetGenericRuntime, Lib: "lib/init.luau"},
		&graph.DirectInfo{Alias: "gears", DeclaredTy: specifier.DependencyStandard},
	)

	err := l.Link(map[graph.PackageId]*Package{pkg.ID: pkg}, true)
	var libErr *LibMissingError
	require.ErrorAs(t, err, &libErr)
}

func TestLinkTransitiveShimNextToConsumer(t *testing.T) {
	proj := t.TempDir()
	l := newTestLinker(t, proj)

	container := filepath.Join(proj, "generic-runtime_packages", ".pesde")
	consumerRoot := filepath.Join(container, "acme+widgets", "1.0.0", "widgets")
	depRoot := filepath.Join(container, "acme+gears", "0.3.0", "gears")
	require.NoError(t, os.MkdirAll(consumerRoot, 0o755))
	require.NoError(t, os.MkdirAll(depRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(depRoot, "init.luau"), []byte("return {}\n"), 0o644))

	consumer := testPackage(t, consumerRoot, "acme/widgets", "1.0.0",
		semverx.Target{Kind: semverx.TargetGenericRuntime, Lib: "init.luau"}, nil)
	dep := testPackage(t, depRoot, "acme/gears", "0.3.0",
		semverx.Target{Kind: semverx.TargetGenericRuntime, Lib: "init.luau"}, nil)
	consumer.Node.Dependencies[dep.ID] = "gears"

	pkgs := map[graph.PackageId]*Package{consumer.ID: consumer, dep.ID: dep}
	require.NoError(t, l.Link(pkgs, true))

	shim, err := os.ReadFile(filepath.Join(container, "acme+widgets", "1.0.0", "gears.luau"))
	require.NoError(t, err)
	assert.Contains(t, string(shim), `require("../../acme+gears/0.3.0/gears")`)
}

func TestLinkBinaryShim(t *testing.T) {
	proj := t.TempDir()
	l := newTestLinker(t, proj)

	pkgRoot := filepath.Join(proj, "generic-runtime_packages", ".pesde", "acme+tool", "1.0.0", "tool")
	require.NoError(t, os.MkdirAll(pkgRoot, 0o755))

	pkg := testPackage(t, pkgRoot, "acme/tool", "1.0.0",
		semverx.Target{Kind: semverx.TargetGenericRuntime, Bin: "cli.luau"},
		&graph.DirectInfo{Alias: "tool", DeclaredTy: specifier.DependencyStandard},
	)

	require.NoError(t, l.Link(map[graph.PackageId]*Package{pkg.ID: pkg}, true))

	shim, err := os.ReadFile(filepath.Join(proj, "generic-runtime_packages", "tool.bin.luau"))
	require.NoError(t, err)
	assert.Contains(t, string(shim), "_G.PESDE_ROOT = ")
	assert.Contains(t, string(shim), pkgRoot)
}

func TestLinkScriptShims(t *testing.T) {
	proj := t.TempDir()
	l := newTestLinker(t, proj)

	pkgRoot := filepath.Join(proj, "generic-runtime_packages", ".pesde", "acme+scripts", "1.0.0", "scripts")
	require.NoError(t, os.MkdirAll(pkgRoot, 0o755))

	pkg := testPackage(t, pkgRoot, "acme/scripts", "1.0.0",
		semverx.Target{Kind: semverx.TargetGenericRuntime, Scripts: map[string]string{"build": "scripts/build.luau"}},
		&graph.DirectInfo{Alias: "tooling", DeclaredTy: specifier.DependencyStandard},
	)

	require.NoError(t, l.Link(map[graph.PackageId]*Package{pkg.ID: pkg}, true))

	shim, err := os.ReadFile(filepath.Join(proj, ScriptsDir, "tooling", "build.luau"))
	require.NoError(t, err)
	assert.Contains(t, string(shim), "return require(")
}

func TestShimWritesAreHardlinkedFromCAS(t *testing.T) {
	proj := t.TempDir()
	l := newTestLinker(t, proj)

	pkgRoot := filepath.Join(proj, "generic-runtime_packages", ".pesde", "acme+gears", "0.3.0", "gears")
	require.NoError(t, os.MkdirAll(pkgRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgRoot, "init.luau"), []byte("return {}\n"), 0o644))

	pkg := testPackage(t, pkgRoot, "acme/gears", "0.3.0",
		semverx.Target{Kind: semverx.TargetGenericRuntime, Lib: "init.luau"},
		&graph.DirectInfo{Alias: "gears", DeclaredTy: specifier.DependencyStandard},
	)
	require.NoError(t, l.Link(map[graph.PackageId]*Package{pkg.ID: pkg}, true))

	shimPath := filepath.Join(proj, "generic-runtime_packages", "gears.luau")
	content, err := os.ReadFile(shimPath)
	require.NoError(t, err)

	hash, err := l.CAS.InsertBytes(content)
	require.NoError(t, err)

	shimInfo, err := os.Stat(shimPath)
	require.NoError(t, err)
	casInfo, err := os.Stat(l.CAS.Path(hash))
	require.NoError(t, err)
	assert.True(t, os.SameFile(shimInfo, casInfo))
}
