// Package linker generates the per-alias shim modules that bridge consumer
// code to dependency code: one shim per direct alias in the project's
// packages folders, one per transitive alias next to the consuming package,
// with require paths computed per target kind and exported types re-exported
// as pass-through aliases.
package linker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// ScriptsDir is the directory under the project root that holds per-alias
// script shims.
const ScriptsDir = ".pesde"

// Package is one materialized graph node as the linker sees it.
type Package struct {
	ID     graph.PackageId
	Node   *graph.Node
	Root   string // absolute package root, where its PackageFS was materialized
	Target semverx.Target
	// LegacyLayout marks packages materialized under the legacy container
	// layout, whose require paths are script-relative and whose library
	// location was discovered rather than declared.
	LegacyLayout bool
}

// Linker writes shim files for a linked install tree.
type Linker struct {
	ProjectRoot   string
	ProjectTarget semverx.TargetKind
	Place         *manifest.PlaceTable
	CAS           *cas.Store
}

// LibMissingError reports a library file absent at its declared path, fatal
// during the type-extraction pass.
type LibMissingError struct {
	ID  graph.PackageId
	Lib string
}

func (e *LibMissingError) Error() string {
	return fmt.Sprintf("package %s declares library %q but no such file was installed", e.ID, e.Lib)
}

// Link writes every shim for the given packages. When withTypes is false the
// shims re-export no types; the orchestrator runs that cheaper pass first so
// a sync-config step can see a complete tree, then links again with full
// type extraction.
func (l *Linker) Link(pkgs map[graph.PackageId]*Package, withTypes bool) error {
	// Deterministic shim write order across nodes.
	ids := make([]graph.PackageId, 0, len(pkgs))
	for id := range pkgs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		pkg := pkgs[id]

		if pkg.Node.Direct != nil {
			if err := l.linkDirect(pkg, withTypes); err != nil {
				return err
			}
		}

		if err := l.linkTransitive(pkg, pkgs, withTypes); err != nil {
			return err
		}
	}
	return nil
}

// linkDirect writes the project-facing shims for a root dependency into its
// packages folder, plus its scripts folder if it exports scripts.
func (l *Linker) linkDirect(pkg *Package, withTypes bool) error {
	base := filepath.Join(l.ProjectRoot, pkg.Target.Kind.PackagesFolder())
	alias := pkg.Node.Direct.Alias

	if err := l.writeAliasShims(base, alias, pkg, true, withTypes); err != nil {
		return err
	}

	return l.writeScriptShims(pkg, alias)
}

// linkTransitive writes shims for each of pkg's dependency edges next to
// pkg's own container, so its requires resolve without consulting the
// project-level folders.
func (l *Linker) linkTransitive(pkg *Package, pkgs map[graph.PackageId]*Package, withTypes bool) error {
	if len(pkg.Node.Dependencies) == 0 {
		return nil
	}
	base := filepath.Dir(pkg.Root)

	depIDs := make([]graph.PackageId, 0, len(pkg.Node.Dependencies))
	for depID := range pkg.Node.Dependencies {
		depIDs = append(depIDs, depID)
	}
	sort.Slice(depIDs, func(i, j int) bool { return depIDs[i].String() < depIDs[j].String() })

	for _, depID := range depIDs {
		dep, ok := pkgs[depID]
		if !ok {
			// Dev dependency of the graph skipped in prod mode; nothing to
			// link against.
			continue
		}
		alias := pkg.Node.Dependencies[depID]
		if err := l.writeAliasShims(base, alias, dep, false, withTypes); err != nil {
			return err
		}
	}
	return nil
}

// writeAliasShims writes the library shim (and binary shim, when the target
// exports one) for dep under base/<alias>.
func (l *Linker) writeAliasShims(base string, alias specifier.Alias, dep *Package, rootConsumer, withTypes bool) error {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", base, err)
	}

	if dep.Target.ExportsLibrary() {
		expr, err := l.requireExpr(base, dep, rootConsumer)
		if err != nil {
			return err
		}

		var types []TypeDecl
		if withTypes {
			types, err = l.extractTypes(dep)
			if err != nil {
				return err
			}
		}

		dest := filepath.Join(base, string(alias)+".luau")
		if err := l.writeShim(dest, libShim(expr, types)); err != nil {
			return err
		}
	}

	if dep.Target.ExportsBinary() {
		binExpr, err := luauRequirePath(base, dep.Root, dep.Target.Bin)
		if err != nil {
			return err
		}
		dest := filepath.Join(base, string(alias)+".bin.luau")
		if err := l.writeShim(dest, binShim(dep.Root, binExpr)); err != nil {
			return err
		}
	}

	return nil
}

// requireExpr computes the require argument for dep's library as seen from
// base, per the target-kind rules.
func (l *Linker) requireExpr(base string, dep *Package, rootConsumer bool) (string, error) {
	if !dep.Target.Kind.IsBrowserEmbedded() {
		return luauRequirePath(base, dep.Root, dep.Target.Lib)
	}
	if rootConsumer && !dep.LegacyLayout {
		return robloxRequirePathFromPlace(l.Place, dep.Target.Kind, l.ProjectRoot, dep.Root, dep.Target.Lib)
	}
	return robloxRequirePathFromScript(base, dep.Root, dep.Target.Lib)
}

// extractTypes reads dep's library file and parses its exported type
// declarations. A missing library file is fatal; a parse failure downgrades
// to no re-exported types.
func (l *Linker) extractTypes(dep *Package) ([]TypeDecl, error) {
	libPath := filepath.Join(dep.Root, filepath.FromSlash(dep.Target.Lib))
	data, err := os.ReadFile(libPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LibMissingError{ID: dep.ID, Lib: dep.Target.Lib}
		}
		return nil, fmt.Errorf("reading library of %s: %w", dep.ID, err)
	}

	types, err := ExtractTypes(string(data))
	if err != nil {
		slog.Warn("could not parse library for type re-exports", "package", dep.ID.String(), "error", err)
		return nil, nil
	}
	return types, nil
}

// writeScriptShims writes one shim per exported script under
// <project>/.pesde/<alias>/.
func (l *Linker) writeScriptShims(pkg *Package, alias specifier.Alias) error {
	if len(pkg.Target.Scripts) == 0 {
		return nil
	}

	dir := filepath.Join(l.ProjectRoot, ScriptsDir, string(alias))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating scripts folder %s: %w", dir, err)
	}

	scriptNames := make([]string, 0, len(pkg.Target.Scripts))
	for name := range pkg.Target.Scripts {
		scriptNames = append(scriptNames, name)
	}
	sort.Strings(scriptNames)

	for _, name := range scriptNames {
		expr, err := luauRequirePath(dir, pkg.Root, pkg.Target.Scripts[name])
		if err != nil {
			return err
		}
		dest := filepath.Join(dir, name+".luau")
		if err := l.writeShim(dest, scriptShim(expr)); err != nil {
			return err
		}
	}
	return nil
}

// writeShim routes every shim write through the CAS: the content is inserted
// once, then hard-linked into place, which both deduplicates identical shims
// across aliases and makes the replacement atomic.
func (l *Linker) writeShim(dest, content string) error {
	hash, err := l.CAS.InsertBytes([]byte(content))
	if err != nil {
		return fmt.Errorf("storing shim for %s: %w", dest, err)
	}
	if err := l.CAS.Materialize(hash, dest, true); err != nil {
		return fmt.Errorf("writing shim %s: %w", dest, err)
	}
	return nil
}

func libShim(requireExpr string, types []TypeDecl) string {
	var b strings.Builder
	fmt.Fprintf(&b, "local module = require(%s)\n", requireExpr)
	for _, t := range types {
		fmt.Fprintf(&b, "export type %s%s = module.%s%s\n", t.Name, t.Params, t.Name, t.Args)
	}
	b.WriteString("return module\n")
	return b.String()
}

func binShim(pkgRoot, requireExpr string) string {
	return fmt.Sprintf("_G.PESDE_ROOT = %q\nreturn require(%s)\n", pkgRoot, requireExpr)
}

func scriptShim(requireExpr string) string {
	return fmt.Sprintf("return require(%s)\n", requireExpr)
}
