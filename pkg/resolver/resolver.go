// Package resolver builds the dependency graph from a project manifest: it
// seeds from a previous graph where specifiers are unchanged, works a FIFO
// queue of (specifier, parent, alias-path) items against the source
// adapters, applies override substitution, and promotes root-level peer
// dependencies to standard.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/source"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// IndexNotFoundError reports a registry/legacy specifier whose index alias
// is not declared in the manifest's index tables.
type IndexNotFoundError struct {
	Alias string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index %q is not declared in the manifest", e.Alias)
}

// NoMatchingVersionError reports a specifier no candidate version satisfied.
type NoMatchingVersionError struct {
	Specifier specifier.DependencySpecifier
	Target    semverx.TargetKind
}

func (e *NoMatchingVersionError) Error() string {
	return fmt.Sprintf("no version of %s matching %q for target %s", specifierName(e.Specifier), e.Specifier.VersionReq, e.Target)
}

// OverrideAliasNotFoundError reports an override key whose leading alias is
// not a direct dependency of the project.
type OverrideAliasNotFoundError struct {
	Alias specifier.Alias
	Key   string
}

func (e *OverrideAliasNotFoundError) Error() string {
	return fmt.Sprintf("override key %q names alias %q, which is not a direct dependency", e.Key, e.Alias)
}

func specifierName(spec specifier.DependencySpecifier) string {
	switch spec.Kind {
	case specifier.KindRegistry:
		return spec.Name
	case specifier.KindLegacy:
		return spec.Wally
	case specifier.KindGit:
		return spec.Repo
	case specifier.KindWorkspace:
		return spec.Workspace
	default:
		return spec.Path
	}
}

// Options carries the resolver's optional inputs.
type Options struct {
	// Prev is the previous graph (from the lockfile) to reuse unchanged
	// subtrees of.
	Prev *graph.DependencyGraph
	// Refreshed dedups source refreshes across the resolver and the
	// orchestrator within one invocation.
	Refreshed *source.Dedup
	// IsPublishedPackage loosens depth checks when resolving an archive
	// rather than a project: every peer is promoted to standard.
	IsPublishedPackage bool
}

type workItem struct {
	spec       specifier.DependencySpecifier
	declaredTy specifier.DependencyType
	parent     *graph.PackageId
	alias      specifier.Alias
	// aliasPath is the root-to-parent alias chain, exclusive of alias.
	aliasPath  []specifier.Alias
	overridden bool
	target     semverx.TargetKind
	depth      int
}

// Resolve builds the dependency graph for m.
func Resolve(ctx context.Context, m *manifest.Manifest, projectTarget semverx.TargetKind, sources SourceSelector, opts Options) (*graph.DependencyGraph, error) {
	if opts.Refreshed == nil {
		opts.Refreshed = source.NewDedup()
	}

	overrides, err := m.ParseOverrides()
	if err != nil {
		return nil, err
	}

	direct := m.DirectDependencies()
	if err := checkOverrideRoots(overrides, m.Overrides, direct); err != nil {
		return nil, err
	}

	g := graph.New()

	queue := make([]workItem, 0, len(direct))
	for _, d := range direct {
		if opts.Prev != nil && reusePrevious(g, opts.Prev, d) {
			continue
		}
		queue = append(queue, workItem{
			spec:       d.Specifier,
			declaredTy: d.DeclaredTy,
			alias:      d.Alias,
			target:     projectTarget,
		})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		children, err := resolveItem(ctx, g, m, item, sources, opts)
		if err != nil {
			return nil, fmt.Errorf("resolving %s %q: %w", item.spec.Kind, specifierName(item.spec), err)
		}

		for i := range children {
			child := &children[i]
			if spec, ok := manifest.FindOverride(overrides, child.aliasPath, child.alias); ok {
				child.spec = spec
				child.overridden = true
			}
		}
		queue = append(queue, children...)
	}

	finalizePeers(g)

	return g, nil
}

// checkOverrideRoots rejects override keys whose leading alias is not a
// direct dependency, before any source is consulted.
func checkOverrideRoots(overrides []manifest.ParsedOverride, raw map[string]specifier.DependencySpecifier, direct []manifest.DirectDependency) error {
	rawKeys := make([]string, 0, len(raw))
	for key := range raw {
		rawKeys = append(rawKeys, key)
	}
	sort.Strings(rawKeys)

	for _, key := range rawKeys {
		parsed, err := manifest.ParseOverrideKey(key)
		if err != nil {
			return err
		}
		for _, chain := range parsed.Chains {
			found := false
			for _, d := range direct {
				if d.Alias.Equal(chain[0]) {
					found = true
					break
				}
			}
			if !found {
				return &OverrideAliasNotFoundError{Alias: chain[0], Key: key}
			}
		}
	}
	return nil
}

// reusePrevious copies the previous node matching d, plus its transitive
// closure, into g. Workspace specifiers are never reused; their members are
// re-resolved against the live tree every run.
func reusePrevious(g *graph.DependencyGraph, prev *graph.DependencyGraph, d manifest.DirectDependency) bool {
	if d.Specifier.Kind == specifier.KindWorkspace {
		return false
	}

	for id, node := range prev.Nodes {
		if node.Direct == nil {
			continue
		}
		if !node.Direct.Alias.Equal(d.Alias) {
			continue
		}
		if node.Direct.Specifier != d.Specifier || node.Direct.DeclaredTy != d.DeclaredTy {
			continue
		}

		copyClosure(g, prev, id)
		return true
	}
	return false
}

func copyClosure(g *graph.DependencyGraph, prev *graph.DependencyGraph, id graph.PackageId) {
	if _, ok := g.Get(id); ok {
		return
	}
	node, ok := prev.Get(id)
	if !ok {
		return
	}

	clone := &graph.Node{
		Dependencies: make(map[graph.PackageId]specifier.Alias, len(node.Dependencies)),
		ResolvedTy:   node.ResolvedTy,
		IsPeer:       node.IsPeer,
		PkgRef:       node.PkgRef,
	}
	if node.Direct != nil {
		d := *node.Direct
		clone.Direct = &d
	}
	for depID, alias := range node.Dependencies {
		clone.Dependencies[depID] = alias
	}
	g.Insert(id, clone)

	for depID := range node.Dependencies {
		copyClosure(g, prev, depID)
	}
}

func resolveItem(ctx context.Context, g *graph.DependencyGraph, m *manifest.Manifest, item workItem, sources SourceSelector, opts Options) ([]workItem, error) {
	spec := item.spec

	// Root-depth (or overridden) registry/legacy specifiers name an index
	// alias of this manifest; deeper specifiers already carry the absolute
	// URL, rewritten when their containing manifest was read.
	if item.depth == 0 || item.overridden {
		switch spec.Kind {
		case specifier.KindRegistry:
			resolved := source.ResolveIndexAlias(spec.Index, m.Indices)
			if !strings.Contains(resolved, "://") {
				return nil, &IndexNotFoundError{Alias: spec.Index}
			}
			spec.Index = resolved
		case specifier.KindLegacy:
			resolved := source.ResolveIndexAlias(spec.Index, m.WallyIndices)
			if !strings.Contains(resolved, "://") {
				return nil, &IndexNotFoundError{Alias: spec.Index}
			}
			spec.Index = resolved
		}
	}

	// The target a candidate must match: the specifier's own, or the
	// target this item is being resolved for (the project's at the root,
	// the parent package's below it).
	if spec.Target == "" {
		switch spec.Kind {
		case specifier.KindRegistry, specifier.KindWorkspace:
			spec.Target = string(item.target)
		}
	}

	src, err := sources.For(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := opts.Refreshed.Refresh(ctx, src); err != nil {
		return nil, fmt.Errorf("refreshing source: %w", err)
	}

	name, candidates, _, err := src.Resolve(ctx, spec)
	if err != nil {
		return nil, err
	}

	chosen, ok := g.BestCandidate(name, candidates)
	if !ok {
		return nil, &NoMatchingVersionError{Specifier: spec, Target: semverx.TargetKind(spec.Target)}
	}
	ref := candidates[chosen]
	id := graph.PackageId{Name: name, Version: chosen}

	if item.parent != nil {
		parent, ok := g.Get(*item.parent)
		if !ok {
			return nil, fmt.Errorf("parent %s vanished from graph", item.parent)
		}
		parent.Dependencies[id] = item.alias
	}

	resolvedTy := item.declaredTy
	if (opts.IsPublishedPackage || item.depth == 0) && resolvedTy == specifier.DependencyPeer {
		resolvedTy = specifier.DependencyStandard
	}

	if existing, ok := g.Get(id); ok {
		mergeNode(existing, id, ref, resolvedTy, item)
		return nil, nil
	}

	node := &graph.Node{
		Dependencies: make(map[graph.PackageId]specifier.Alias),
		ResolvedTy:   resolvedTy,
		IsPeer:       item.declaredTy == specifier.DependencyPeer && item.depth > 0,
		PkgRef:       ref,
	}
	if item.depth == 0 {
		node.Direct = &graph.DirectInfo{Alias: item.alias, Specifier: item.spec, DeclaredTy: item.declaredTy}
	}
	g.Insert(id, node)

	return childItems(id, ref, item), nil
}

// mergeNode folds a second arrival at an existing node into it.
func mergeNode(existing *graph.Node, id graph.PackageId, ref graph.PackageRef, resolvedTy specifier.DependencyType, item workItem) {
	if existing.PkgRef.Kind != ref.Kind {
		slog.Warn("package resolved from a different source kind; keeping the first",
			"package", id.String(), "kept", existing.PkgRef.Kind, "ignored", ref.Kind)
	}

	if existing.ResolvedTy == specifier.DependencyPeer && resolvedTy != specifier.DependencyPeer {
		existing.ResolvedTy = resolvedTy
	}
	if item.declaredTy == specifier.DependencyPeer && item.depth > 0 {
		existing.IsPeer = true
	}
	if existing.Direct == nil && item.depth == 0 {
		existing.Direct = &graph.DirectInfo{Alias: item.alias, Specifier: item.spec, DeclaredTy: item.declaredTy}
	}
}

// childItems enqueues a newly inserted node's transitive dependencies, dev
// dependencies excluded. Aliases are walked in sorted order so the queue, and
// with it version selection, is deterministic.
func childItems(id graph.PackageId, ref graph.PackageRef, item workItem) []workItem {
	aliases := make([]string, 0, len(ref.Dependencies))
	for alias := range ref.Dependencies {
		aliases = append(aliases, string(alias))
	}
	sort.Strings(aliases)

	parentPath := append(append([]specifier.Alias{}, item.aliasPath...), item.alias)

	var children []workItem
	for _, rawAlias := range aliases {
		alias := specifier.Alias(rawAlias)
		dep := ref.Dependencies[alias]
		if dep.Type == specifier.DependencyDev {
			continue
		}
		parentID := id
		children = append(children, workItem{
			spec:       dep.Specifier,
			declaredTy: dep.Type,
			parent:     &parentID,
			alias:      alias,
			aliasPath:  parentPath,
			target:     id.Version.Target,
			depth:      item.depth + 1,
		})
	}
	return children
}

// finalizePeers logs a warning for each peer the consumer did not supply: a
// non-direct peer node that is still of peer type. It changes no node's
// type. A peer some ancestor also required as standard has already been
// promoted and is left alone.
func finalizePeers(g *graph.DependencyGraph) {
	for id, node := range g.Nodes {
		if node.IsPeer && node.Direct == nil && node.ResolvedTy == specifier.DependencyPeer {
			slog.Warn("peer dependency was not provided by the project", "package", id.String())
		}
	}
}
