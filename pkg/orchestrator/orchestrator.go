// Package orchestrator drives an install: it wipes the packages folders,
// downloads every graph node into the CAS with bounded concurrency,
// materializes the package trees, runs the linker's two passes, applies
// patches, cleans up entries dropped from the graph, and writes the
// lockfile last.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/alitto/pond/v2"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/download"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/linker"
	"github.com/pesde-go/pesde/pkg/lockfile"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/resolver"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/source"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// ErrLockedOutdated aborts a locked install whose lockfile would change.
var ErrLockedOutdated = errors.New("lockfile is out of date; run without --locked to update it")

// SyncConfigGenerator runs between the two link passes, against a complete
// but type-less tree. The browser-embedded sync-config generator is an
// external collaborator behind this seam.
type SyncConfigGenerator interface {
	Generate(ctx context.Context, projectRoot string, pkgs map[graph.PackageId]*linker.Package) error
}

// InstallOptions mirrors the install command's flags.
type InstallOptions struct {
	Prod               bool
	Write              bool
	Force              bool
	Locked             bool
	NetworkConcurrency int
}

// Orchestrator holds everything an install needs. Construct one per project
// per invocation.
type Orchestrator struct {
	ProjectRoot string
	Manifest    *manifest.Manifest
	Target      semverx.TargetKind
	CAS         *cas.Store
	Sources     resolver.SourceSelector
	Refreshed   *source.Dedup
	Patcher     PatchApplier
	SyncConfig  SyncConfigGenerator
	// Engines maps an engine name to the version resolved for this
	// project, for the peer engine check.
	Engines map[string]*semver.Version
}

// Install runs the full pipeline for a resolved graph. prev is the graph
// from the previous lockfile, or nil; it drives the incremental cleanup of
// entries no longer reachable.
func (o *Orchestrator) Install(ctx context.Context, g *graph.DependencyGraph, prev *graph.DependencyGraph, opts InstallOptions) error {
	if opts.NetworkConcurrency <= 0 {
		opts.NetworkConcurrency = download.DefaultNetworkConcurrency
	}
	if o.Refreshed == nil {
		o.Refreshed = source.NewDedup()
	}

	lf, err := o.buildLockfile(g)
	if err != nil {
		return err
	}

	if opts.Locked {
		if err := o.checkLocked(lf); err != nil {
			return err
		}
	}

	if opts.Write {
		if err := o.deletePackagesFolders(ctx); err != nil {
			return err
		}
	}

	var native, legacyStyle []graph.PackageId
	for id, node := range g.Nodes {
		if node.PkgRef.LikeWally() {
			legacyStyle = append(legacyStyle, id)
		} else {
			native = append(native, id)
		}
	}

	pkgs := make(map[graph.PackageId]*linker.Package)
	roots := make(map[graph.PackageId]string)

	if err := o.downloadAll(ctx, g, native, opts, pkgs, roots); err != nil {
		return err
	}

	link := &linker.Linker{
		ProjectRoot:   o.ProjectRoot,
		ProjectTarget: o.Target,
		Place:         o.Manifest.Place,
		CAS:           o.CAS,
	}

	if opts.Write {
		// First pass without type re-exports: the sync-config step needs a
		// complete tree of requireable shims, and the legacy downloads'
		// library discovery needs the sync config.
		if err := link.Link(pkgs, false); err != nil {
			return err
		}
		if o.SyncConfig != nil {
			if err := o.SyncConfig.Generate(ctx, o.ProjectRoot, pkgs); err != nil {
				return fmt.Errorf("generating sync config: %w", err)
			}
		}
	}

	if err := o.downloadAll(ctx, g, legacyStyle, opts, pkgs, roots); err != nil {
		return err
	}

	if opts.Write {
		if err := link.Link(pkgs, true); err != nil {
			return err
		}
		o.checkEngines(roots)
	}

	patched, err := o.applyPatches(ctx, g, roots)
	if err != nil {
		return err
	}

	o.cleanupRemoved(g, prev, patched)

	return lf.Write(o.ProjectRoot)
}

// checkLocked aborts before any mutation if writing the lockfile would
// change it.
func (o *Orchestrator) checkLocked(lf *lockfile.Lockfile) error {
	newData, err := lf.Serialize()
	if err != nil {
		return err
	}
	oldData, err := os.ReadFile(filepath.Join(o.ProjectRoot, lockfile.FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrLockedOutdated
		}
		return err
	}
	if !bytes.Equal(newData, oldData) {
		return ErrLockedOutdated
	}
	return nil
}

// deletePackagesFolders removes the project's fixed set of packages folders,
// in parallel, ignoring folders that do not exist. Every install starts from
// a clean tree so the result is consistent with the lockfile.
func (o *Orchestrator) deletePackagesFolders(ctx context.Context) error {
	folders := allPackagesFolders()
	pool := pond.NewPool(len(folders), pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, folder := range folders {
		full := filepath.Join(o.ProjectRoot, folder)
		group.SubmitErr(func() error {
			if err := os.RemoveAll(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", full, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// downloadAll fetches the given nodes with bounded concurrency, materializes
// the writable ones, and records their linker view in pkgs/roots.
func (o *Orchestrator) downloadAll(ctx context.Context, g *graph.DependencyGraph, ids []graph.PackageId, opts InstallOptions, pkgs map[graph.PackageId]*linker.Package, roots map[graph.PackageId]string) error {
	if len(ids) == 0 {
		return nil
	}

	pool := pond.NewPool(opts.NetworkConcurrency, pond.WithContext(ctx), pond.WithoutPanicRecovery())
	defer pool.StopAndWait()

	var mu sync.Mutex
	group := pool.NewGroup()

	for _, id := range ids {
		node := g.Nodes[id]
		group.SubmitErr(func() error {
			pkg, root, err := o.downloadOne(ctx, id, node, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			roots[id] = root
			if pkg != nil {
				pkgs[id] = pkg
			}
			return nil
		})
	}
	return group.Wait()
}

func (o *Orchestrator) downloadOne(ctx context.Context, id graph.PackageId, node *graph.Node, opts InstallOptions) (*linker.Package, string, error) {
	src, err := o.Sources.ForRef(ctx, node.PkgRef)
	if err != nil {
		return nil, "", err
	}
	if err := o.Refreshed.Refresh(ctx, src); err != nil {
		return nil, "", fmt.Errorf("refreshing source for %s: %w", id, err)
	}

	fs, target, err := src.Download(ctx, node.PkgRef)
	if err != nil {
		return nil, "", fmt.Errorf("downloading %s: %w", id, err)
	}

	root := packageRoot(o.ProjectRoot, id.Version.Target.PackagesFolder(), node.PkgRef)

	write := opts.Write && (!opts.Prod || node.ResolvedTy != specifier.DependencyDev)
	if !write {
		return nil, root, nil
	}

	if err := fs.Materialize(o.CAS, root, true); err != nil {
		return nil, "", fmt.Errorf("materializing %s: %w", id, err)
	}

	legacyLayout := node.PkgRef.LikeWally() || (node.PkgRef.Kind == graph.RefGit && !node.PkgRef.NewLayout)
	return &linker.Package{
		ID:           id,
		Node:         node,
		Root:         root,
		Target:       target,
		LegacyLayout: legacyLayout,
	}, root, nil
}

// checkEngines warns for every installed package whose own manifest requires
// an engine version the project has not resolved to a satisfying version.
func (o *Orchestrator) checkEngines(roots map[graph.PackageId]string) {
	if o.Engines == nil {
		return // engine tracking disabled
	}
	for id, root := range roots {
		m, err := manifest.Load(filepath.Join(root, "pesde.toml"))
		if err != nil {
			continue // legacy packages carry no manifest
		}
		for engine, req := range m.Engines {
			if engine == "pesde" {
				continue
			}
			constraint, err := semver.NewConstraint(req)
			if err != nil {
				slog.Warn("package declares an unparseable engine requirement",
					"package", id.String(), "engine", engine, "requirement", req)
				continue
			}
			version, ok := o.Engines[engine]
			if !ok {
				slog.Warn("package requires an engine the project does not use",
					"package", id.String(), "engine", engine, "requirement", req)
				continue
			}
			if !constraint.Check(version) {
				slog.Warn("project engine version does not satisfy a package's requirement",
					"package", id.String(), "engine", engine, "requirement", req, "resolved", version.String())
			}
		}
	}
}

// cleanupRemoved drops CAS descriptors and script-shim folders belonging to
// packages that were in the previous graph but are gone from the new one.
// Patched packages keep their descriptors so a later prune does not strand
// their pristine blobs.
func (o *Orchestrator) cleanupRemoved(g *graph.DependencyGraph, prev *graph.DependencyGraph, patched map[graph.PackageId]bool) {
	if prev == nil {
		return
	}

	currentAliases := make(map[string]bool)
	for _, node := range g.Nodes {
		if node.Direct != nil {
			currentAliases[string(node.Direct.Alias)] = true
		}
	}

	for id, node := range prev.Nodes {
		if _, ok := g.Get(id); ok {
			continue
		}
		if patched[id] {
			continue
		}

		ref := node.PkgRef
		var descPath string
		switch ref.Kind {
		case graph.RefRegistry:
			descPath = o.CAS.DescriptorPath(cas.DescriptorIndex, ref.Name.Escaped(), ref.Version.Version.String(), string(ref.Version.Target))
		case graph.RefLegacy:
			descPath = o.CAS.DescriptorPath(cas.DescriptorLegacyIndex, ref.Name.Escaped(), ref.Version.Version.String())
		case graph.RefGit:
			descPath = o.CAS.DescriptorPath(cas.DescriptorGitIndex, source.HashString(ref.RepoURL), ref.TreeOID, ref.MemberPath)
		}
		if descPath != "" {
			if err := o.CAS.RemoveDescriptor(descPath); err != nil {
				slog.Warn("could not remove stale descriptor", "package", id.String(), "error", err)
			}
		}

		if node.Direct != nil && !currentAliases[string(node.Direct.Alias)] {
			scripts := filepath.Join(o.ProjectRoot, linker.ScriptsDir, string(node.Direct.Alias))
			if err := os.RemoveAll(scripts); err != nil {
				slog.Warn("could not remove stale scripts folder", "alias", string(node.Direct.Alias), "error", err)
			}
		}
	}
}

// buildLockfile assembles the lockfile value for the resolved graph.
func (o *Orchestrator) buildLockfile(g *graph.DependencyGraph) (*lockfile.Lockfile, error) {
	lf := &lockfile.Lockfile{
		Name:      o.Manifest.Name,
		Version:   o.Manifest.Version,
		Target:    o.Target,
		Overrides: o.Manifest.Overrides,
		Graph:     g,
	}

	if len(o.Manifest.Workspace) > 0 {
		ws, err := o.buildWorkspaceMap()
		if err != nil {
			return nil, err
		}
		lf.Workspace = ws
	}

	return lf, nil
}

func (o *Orchestrator) buildWorkspaceMap() (map[string]map[string]string, error) {
	dirs, err := o.Manifest.WorkspaceMembers(o.ProjectRoot)
	if err != nil {
		return nil, err
	}

	ws := make(map[string]map[string]string)
	for _, dir := range dirs {
		m, err := manifest.Load(filepath.Join(dir, "pesde.toml"))
		if err != nil {
			return nil, fmt.Errorf("loading workspace member %s: %w", dir, err)
		}
		kind, err := m.Target.Kind()
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(o.ProjectRoot, dir)
		if err != nil {
			return nil, err
		}

		byTarget, ok := ws[m.Name]
		if !ok {
			byTarget = make(map[string]string)
			ws[m.Name] = byTarget
		}
		byTarget[string(kind)] = filepath.ToSlash(rel)
	}
	return ws, nil
}
