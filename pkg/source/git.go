package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v80/github"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/gitindex"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// Git is the source adapter for git-hosted packages: a pinned revision of some repository, read directly out of its
// Git tree rather than through an HTTP archive endpoint.
type Git struct {
	RepoURL   string // fully resolved clone URL, never an owner/repo shorthand
	DataDir   string
	CAS       *cas.Store
	Auth      *gitindex.AuthConfig
	Generator SourcemapGenerator // library discovery for legacy-manifest repos

	idx *gitindex.Index
}

// NewGit resolves repoSpec (either a full clone URL or a GitHub
// "owner/repo" shorthand) into a Git source. githubClient is consulted only
// for the shorthand form; it may be nil, in which case the shorthand is
// expanded to the conventional github.com HTTPS clone URL without a round
// trip.
func NewGit(ctx context.Context, repoSpec string, githubClient *github.Client, dataDir string, store *cas.Store, auth *gitindex.AuthConfig, generator SourcemapGenerator) (*Git, error) {
	url, err := resolveRepoURL(ctx, repoSpec, githubClient)
	if err != nil {
		return nil, err
	}
	return &Git{RepoURL: url, DataDir: dataDir, CAS: store, Auth: auth, Generator: generator}, nil
}

func resolveRepoURL(ctx context.Context, repoSpec string, client *github.Client) (string, error) {
	if strings.Contains(repoSpec, "://") || strings.HasSuffix(repoSpec, ".git") {
		return repoSpec, nil
	}

	owner, repo, ok := strings.Cut(repoSpec, "/")
	if !ok || strings.Contains(repo, "/") {
		return "", fmt.Errorf("git repository %q must be a URL or an \"owner/repo\" shorthand", repoSpec)
	}

	if client == nil {
		return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo), nil
	}

	ghRepo, _, err := client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("resolving github repository %s: %w", repoSpec, err)
	}
	return ghRepo.GetCloneURL(), nil
}

func (g *Git) repoDir() string {
	return filepath.Join(g.DataDir, "git_repos", HashString(g.RepoURL))
}

// Hash implements Source.
func (g *Git) Hash() string { return HashString("git", g.RepoURL) }

// Refresh implements Source: ensures the bare repo clone exists and fetches
// both branches and tags (a plain default-branch shallow fetch, as the
// registry/legacy index sources use, isn't enough here since a git
// specifier may pin any ref or a bare commit SHA).
func (g *Git) Refresh(ctx context.Context) error {
	idx, err := gitindex.Refresh(g.repoDir(), g.RepoURL, g.Auth)
	if err != nil {
		return fmt.Errorf("refreshing git repository %s: %w", g.RepoURL, err)
	}
	if err := idx.FetchAll(g.Auth); err != nil {
		return fmt.Errorf("fetching refs for %s: %w", g.RepoURL, err)
	}
	g.idx = idx
	return nil
}

// ResolveIndexAlias turns a manifest-local index alias (or the implicit
// "default" alias when unset) into the full URL it names, falling back to
// treating alias as already-absolute when the containing manifest doesn't
// declare it. Exported for pkg/resolver's root-depth specifier rewriting,
// which applies the identical rule.
func ResolveIndexAlias(alias string, table map[string]string) string {
	key := alias
	if key == "" {
		key = "default"
	}
	if url, ok := table[key]; ok {
		return url
	}
	return alias
}

// gitDependencyMap rewrites a git-sourced manifest's own dependency table
// into absolute form: registry/legacy index aliases are resolved against
// that manifest's own indices/wally_indices tables (they are never the
// consuming project's), and workspace-kind dependencies are rewritten into
// pinned Git specifiers against this same repo/rev, since there is no live
// workspace checkout here to resolve them against. The workspace alias's
// declared member path is used directly as the sibling's repo-relative
// path; this assumes the common convention of a one-to-one workspace-alias-
// to-directory layout and does not re-derive it from the root workspace
// manifest's glob patterns.
func gitDependencyMap(m *manifest.Manifest, repoURL, rev string) map[specifier.Alias]graph.DeclaredDependency {
	direct := m.DirectDependencies()
	out := make(map[specifier.Alias]graph.DeclaredDependency, len(direct))
	for _, d := range direct {
		resolved := d.Specifier
		switch resolved.Kind {
		case specifier.KindRegistry:
			resolved.Index = ResolveIndexAlias(resolved.Index, m.Indices)
		case specifier.KindLegacy:
			resolved.Index = ResolveIndexAlias(resolved.Index, m.WallyIndices)
		case specifier.KindWorkspace:
			resolved = specifier.DependencySpecifier{Kind: specifier.KindGit, Repo: repoURL, Rev: rev, Path: resolved.Workspace}
		}
		out[d.Alias] = graph.DeclaredDependency{Specifier: resolved, Type: d.DeclaredTy}
	}
	return out
}

// Resolve implements Source: resolves spec.Rev to a commit, reads the
// pesde.toml at spec.Path (or the repo root) out of its tree, and returns
// the single candidate it declares. A git specifier pins an exact revision,
// so unlike the registry/legacy sources there is never more than one
// candidate version to choose from.
func (g *Git) Resolve(ctx context.Context, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error) {
	if spec.Kind != specifier.KindGit {
		return names.PackageName{}, nil, nil, fmt.Errorf("git source given non-git specifier kind %v", spec.Kind)
	}

	rootTree, err := g.idx.ResolveRevision(spec.Rev)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("resolving %s@%s: %w", g.RepoURL, spec.Rev, err)
	}

	manifestTree := rootTree
	if spec.Path != "" {
		manifestTree, err = rootTree.Tree(spec.Path)
		if err != nil {
			return names.PackageName{}, nil, nil, fmt.Errorf("descending into %s in %s@%s: %w", spec.Path, g.RepoURL, spec.Rev, err)
		}
	}

	contents, ok, err := gitindex.ReadPath(manifestTree, "pesde.toml")
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}
	if !ok {
		// Fall back to the legacy ecosystem's manifest; a repo carrying
		// neither is not a package.
		return g.resolveLegacyManifest(manifestTree, rootTree.Hash.String(), spec)
	}

	m, err := manifest.ParseBytes([]byte(contents))
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("parsing manifest from %s@%s: %w", g.RepoURL, spec.Rev, err)
	}

	name, err := names.Parse(m.Name)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}

	version, err := semver.NewVersion(m.Version)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("package %s has invalid version %q: %w", name, m.Version, err)
	}

	target, err := m.Target.Kind()
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}

	vid := semverx.NewVersionId(version, target)
	ref := graph.PackageRef{
		Kind:         graph.RefGit,
		Name:         name,
		Version:      vid,
		RepoURL:      g.RepoURL,
		TreeOID:      rootTree.Hash.String(),
		NewLayout:    true,
		MemberPath:   spec.Path,
		Dependencies: gitDependencyMap(m, g.RepoURL, spec.Rev),
	}

	return name, map[semverx.VersionId]graph.PackageRef{vid: ref}, []semverx.TargetKind{target}, nil
}

// wallyManifest is the legacy ecosystem's wally.toml, the fallback when a
// git repo carries no pesde.toml.
type wallyManifest struct {
	Package struct {
		Name     string `toml:"name"`
		Version  string `toml:"version"`
		Registry string `toml:"registry"`
		Realm    string `toml:"realm"`
	} `toml:"package"`
	Dependencies       map[string]string `toml:"dependencies"`
	ServerDependencies map[string]string `toml:"server-dependencies"`
	DevDependencies    map[string]string `toml:"dev-dependencies"`
}

// resolveLegacyManifest handles a repo (or sub-path) that declares only a
// wally.toml. The ref's NewLayout is left false so Download knows to run the
// sourcemap generator for library discovery.
func (g *Git) resolveLegacyManifest(manifestTree *object.Tree, treeOID string, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error) {
	contents, ok, err := gitindex.ReadPath(manifestTree, "wally.toml")
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}
	if !ok {
		return names.PackageName{}, nil, nil, fmt.Errorf("no pesde.toml or wally.toml at %q in %s@%s", spec.Path, g.RepoURL, spec.Rev)
	}

	var wm wallyManifest
	if _, err := toml.Decode(contents, &wm); err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("parsing wally.toml from %s@%s: %w", g.RepoURL, spec.Rev, err)
	}

	name, err := names.ParseAs(wm.Package.Name, names.FlavorLegacy)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}
	version, err := semver.NewVersion(wm.Package.Version)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("package %s has invalid version %q: %w", name, wm.Package.Version, err)
	}
	target := targetFromRealm(wm.Package.Realm)

	deps, err := legacyDependencyMap(wm.Dependencies, wm.Package.Registry, specifier.DependencyStandard)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("package %s: %w", name, err)
	}
	serverDeps, err := legacyDependencyMap(wm.ServerDependencies, wm.Package.Registry, specifier.DependencyStandard)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("package %s: %w", name, err)
	}
	for alias, dep := range serverDeps {
		deps[alias] = dep
	}

	vid := semverx.NewVersionId(version, target)
	ref := graph.PackageRef{
		Kind:         graph.RefGit,
		Name:         name,
		Version:      vid,
		RepoURL:      g.RepoURL,
		TreeOID:      treeOID,
		MemberPath:   spec.Path,
		Dependencies: deps,
	}

	return name, map[semverx.VersionId]graph.PackageRef{vid: ref}, []semverx.TargetKind{target}, nil
}

// Download implements Source: walks the pinned tree (descending into
// MemberPath when the dependency lives in a repo sub-directory) and stores
// every blob in the CAS.
func (g *Git) Download(ctx context.Context, ref graph.PackageRef) (PackageFS, semverx.Target, error) {
	if ref.Kind != graph.RefGit {
		return PackageFS{}, semverx.Target{}, ErrSourceMismatch(graph.RefGit, ref.Kind)
	}

	descPath := g.CAS.DescriptorPath(cas.DescriptorGitIndex, HashString(ref.RepoURL), ref.TreeOID, ref.MemberPath)
	if data, ok, err := g.CAS.ReadDescriptor(descPath); err == nil && ok {
		var cached cachedDescriptor
		if err := json.Unmarshal(data, &cached); err == nil {
			return toPackageFS(cached.Entries), cached.Target, nil
		}
	}

	tree, err := g.idx.TreeByOID(ref.TreeOID)
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	if ref.MemberPath != "" {
		tree, err = tree.Tree(ref.MemberPath)
		if err != nil {
			return PackageFS{}, semverx.Target{}, fmt.Errorf("descending into %s in %s: %w", ref.MemberPath, ref.RepoURL, err)
		}
	}

	entries := make(map[string]Entry)
	var manifestContents string

	walker := tree.Files()
	defer walker.Close()
	for {
		f, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return PackageFS{}, semverx.Target{}, fmt.Errorf("walking tree for %s: %w", ref.RepoURL, err)
		}
		contents, err := f.Contents()
		if err != nil {
			return PackageFS{}, semverx.Target{}, fmt.Errorf("reading %s from %s: %w", f.Name, ref.RepoURL, err)
		}
		hash, err := g.CAS.InsertBytes([]byte(contents))
		if err != nil {
			return PackageFS{}, semverx.Target{}, fmt.Errorf("storing %s from %s: %w", f.Name, ref.RepoURL, err)
		}
		entries[f.Name] = Entry{Kind: EntryFile, Hash: hash}
		if f.Name == "pesde.toml" {
			manifestContents = contents
		}
	}

	fs := PackageFS{Kind: FSCas, Entries: entries}

	var target semverx.Target
	if manifestContents != "" {
		if m, err := manifest.ParseBytes([]byte(manifestContents)); err == nil {
			if kind, err := m.Target.Kind(); err == nil {
				target = semverx.Target{Kind: kind, Lib: m.Target.Lib, Bin: m.Target.Bin, Scripts: m.Target.Scripts, BuildFiles: m.Target.BuildFiles}
			}
		}
	} else if !ref.NewLayout {
		// Legacy-manifest repo: the library location is not declared
		// anywhere machine-readable, so extract the tree and ask the
		// sourcemap generator.
		target = semverx.Target{Kind: ref.Version.Target}
		if g.Generator != nil {
			scratchDir, err := os.MkdirTemp("", "pesde-git-*")
			if err != nil {
				return PackageFS{}, semverx.Target{}, err
			}
			defer os.RemoveAll(scratchDir)

			if err := fs.Materialize(g.CAS, scratchDir, false); err != nil {
				return PackageFS{}, semverx.Target{}, fmt.Errorf("extracting %s for library discovery: %w", ref.RepoURL, err)
			}
			lib, err := g.Generator.DiscoverLibraryEntry(ctx, scratchDir)
			if err != nil {
				return PackageFS{}, semverx.Target{}, fmt.Errorf("discovering library entry for %s: %w", ref.RepoURL, err)
			}
			target.Lib = lib
		}
	}
	if cached, err := json.Marshal(cachedDescriptor{Entries: fromPackageFS(fs), Target: target}); err == nil {
		_ = g.CAS.WriteDescriptor(descPath, cached)
	}

	return fs, target, nil
}

// GetTarget implements Source.
func (g *Git) GetTarget(ctx context.Context, ref graph.PackageRef) (semverx.Target, error) {
	_, target, err := g.Download(ctx, ref)
	return target, err
}
