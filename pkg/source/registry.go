package source

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/download"
	"github.com/pesde-go/pesde/pkg/gitindex"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// Registry is the source adapter for the native registry: a bare Git
// repository index of per-package TOML files, plus an HTTP archive endpoint
// for the actual tarballs.
type Registry struct {
	IndexURL      string
	ArchiveAPI    string // base URL; archives live at <ArchiveAPI>/v1/packages/<name>/<version>/<target>/archive
	ProjectTarget semverx.TargetKind
	DataDir       string
	CAS           *cas.Store
	Downloader    *download.Downloader
	Auth          *gitindex.AuthConfig

	idx *gitindex.Index
}

// indexDir is where this index's bare clone lives on disk.
func (r *Registry) indexDir() string {
	return filepath.Join(r.DataDir, "indices", HashString(r.IndexURL))
}

// Hash implements Source.
func (r *Registry) Hash() string { return HashString("registry", r.IndexURL) }

// Refresh implements Source: ensures the bare index repo is cloned/fetched.
func (r *Registry) Refresh(ctx context.Context) error {
	idx, err := gitindex.Refresh(r.indexDir(), r.IndexURL, r.Auth)
	if err != nil {
		return fmt.Errorf("refreshing registry index %s: %w", r.IndexURL, err)
	}
	r.idx = idx
	return nil
}

// registryEntry is one target-specific version entry in a package's index
// file, as decoded off the index's bare Git tree.
type registryEntry struct {
	Target       string                    `toml:"target"`
	PublishedAt  string                    `toml:"published_at"`
	Description  string                    `toml:"description,omitempty"`
	License      string                    `toml:"license,omitempty"`
	Authors      []string                  `toml:"authors,omitempty"`
	Repository   string                    `toml:"repository,omitempty"`
	Docs         string                    `toml:"docs,omitempty"`
	Dependencies map[string]toml.Primitive `toml:"dependencies,omitempty"`
	Engines      map[string]string         `toml:"engines,omitempty"`
	Yanked       bool                      `toml:"yanked,omitempty"`
}

type packageIndexFile struct {
	Versions map[string][]registryEntry `toml:"versions"`
}

type dependencyAux struct {
	Type string `toml:"type,omitempty"`
}

// decodeDependencies resolves each dependency table entry's discriminated
// specifier union plus its sidecar "type" field via two independent
// primitive decodes of the same underlying TOML table, since
// DependencySpecifier owns its own (Un)MarshalTOML and can't be
// struct-tag-embedded alongside a plain "type" field.
func decodeDependencies(md toml.MetaData, raw map[string]toml.Primitive) (map[specifier.Alias]graph.DeclaredDependency, error) {
	out := make(map[specifier.Alias]graph.DeclaredDependency, len(raw))
	for rawAlias, prim := range raw {
		alias, err := specifier.ParseAlias(rawAlias)
		if err != nil {
			return nil, fmt.Errorf("dependency alias %q: %w", rawAlias, err)
		}

		var spec specifier.DependencySpecifier
		if err := md.PrimitiveDecode(prim, &spec); err != nil {
			return nil, fmt.Errorf("decoding dependency %q: %w", rawAlias, err)
		}

		var aux dependencyAux
		if err := md.PrimitiveDecode(prim, &aux); err != nil {
			return nil, fmt.Errorf("decoding dependency %q type: %w", rawAlias, err)
		}

		ty := specifier.DependencyStandard
		switch aux.Type {
		case "peer":
			ty = specifier.DependencyPeer
		case "dev":
			ty = specifier.DependencyDev
		}

		out[alias] = graph.DeclaredDependency{Specifier: spec, Type: ty}
	}
	return out, nil
}

// Resolve implements Source: reads <scope>/<name>.toml off the index tree,
// filters by version requirement and target, and returns one candidate per
// matching (version, target) pair.
func (r *Registry) Resolve(ctx context.Context, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error) {
	if spec.Kind != specifier.KindRegistry {
		return names.PackageName{}, nil, nil, fmt.Errorf("registry source given non-registry specifier kind %v", spec.Kind)
	}

	name, err := names.Parse(spec.Name)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}

	tree, err := r.idx.RootTree()
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("reading registry index %s root tree: %w", r.IndexURL, err)
	}

	path := name.Scope + "/" + name.Name + ".toml"
	contents, ok, err := gitindex.ReadPath(tree, path)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}
	if !ok {
		return names.PackageName{}, nil, nil, fmt.Errorf("package %s not found in registry index %s", name, r.IndexURL)
	}

	var file packageIndexFile
	md, err := toml.Decode(contents, &file)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("parsing index entry for %s: %w", name, err)
	}

	constraint, err := semver.NewConstraint(spec.VersionReq)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("parsing version requirement %q for %s: %w", spec.VersionReq, name, err)
	}

	wantTarget := semverx.TargetKind(spec.Target)
	if wantTarget == "" {
		wantTarget = r.ProjectTarget
	}

	candidates := make(map[semverx.VersionId]graph.PackageRef)
	var suggested []semverx.TargetKind
	seenSuggested := make(map[semverx.TargetKind]bool)

	for rawVersion, entries := range file.Versions {
		v, err := semver.NewVersion(rawVersion)
		if err != nil {
			continue
		}
		if !constraint.Check(v) {
			continue
		}

		for _, e := range entries {
			if e.Yanked {
				continue
			}
			target := semverx.TargetKind(e.Target)
			if !seenSuggested[target] {
				seenSuggested[target] = true
				suggested = append(suggested, target)
			}
			if target != wantTarget {
				continue
			}

			deps, err := decodeDependencies(md, e.Dependencies)
			if err != nil {
				return names.PackageName{}, nil, nil, fmt.Errorf("package %s@%s: %w", name, rawVersion, err)
			}

			vid := semverx.NewVersionId(v, target)
			candidates[vid] = graph.PackageRef{
				Kind:         graph.RefRegistry,
				Name:         name,
				Version:      vid,
				IndexURL:     r.IndexURL,
				Dependencies: deps,
			}
		}
	}

	return name, candidates, suggested, nil
}

// archiveAPI returns the HTTP API base URL archives are fetched from. When
// not set explicitly it is read from the index's own config.toml, which is
// why Download must run after Refresh.
func (r *Registry) archiveAPI() (string, error) {
	if r.ArchiveAPI != "" {
		return r.ArchiveAPI, nil
	}
	if r.idx == nil {
		return "", fmt.Errorf("registry index %s not refreshed before download", r.IndexURL)
	}

	tree, err := r.idx.RootTree()
	if err != nil {
		return "", fmt.Errorf("reading registry index %s root tree: %w", r.IndexURL, err)
	}
	contents, ok, err := gitindex.ReadPath(tree, "config.toml")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("registry index %s has no config.toml", r.IndexURL)
	}

	var cfg struct {
		API string `toml:"api"`
	}
	if _, err := toml.Decode(contents, &cfg); err != nil {
		return "", fmt.Errorf("parsing config.toml of registry index %s: %w", r.IndexURL, err)
	}
	if cfg.API == "" {
		return "", fmt.Errorf("registry index %s config.toml declares no api", r.IndexURL)
	}

	r.ArchiveAPI = cfg.API
	return cfg.API, nil
}

// cachedDescriptor is the on-disk JSON shape used to skip re-downloading an
// already-fetched archive; a hit skips the network entirely.
type cachedDescriptor struct {
	Entries map[string]cachedEntry `json:"entries"`
	Target  semverx.Target         `json:"target"`
}

type cachedEntry struct {
	Directory bool   `json:"directory,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

func toPackageFS(entries map[string]cachedEntry) PackageFS {
	out := make(map[string]Entry, len(entries))
	for path, e := range entries {
		if e.Directory {
			out[path] = Entry{Kind: EntryDirectory}
		} else {
			out[path] = Entry{Kind: EntryFile, Hash: e.Hash}
		}
	}
	return PackageFS{Kind: FSCas, Entries: out}
}

func fromPackageFS(fs PackageFS) map[string]cachedEntry {
	out := make(map[string]cachedEntry, len(fs.Entries))
	for path, e := range fs.Entries {
		if e.Kind == EntryDirectory {
			out[path] = cachedEntry{Directory: true}
		} else {
			out[path] = cachedEntry{Hash: e.Hash}
		}
	}
	return out
}

// Download implements Source: fetches the gzipped tar archive for ref,
// streams it into the CAS, and returns the resulting PackageFS plus the
// Target parsed out of the archive's bundled manifest. A cache hit on the
// descriptor keyed by (name, version, target) skips the network entirely.
func (r *Registry) Download(ctx context.Context, ref graph.PackageRef) (PackageFS, semverx.Target, error) {
	if ref.Kind != graph.RefRegistry {
		return PackageFS{}, semverx.Target{}, ErrSourceMismatch(graph.RefRegistry, ref.Kind)
	}
	name, version := ref.Name, ref.Version

	descPath := r.CAS.DescriptorPath(cas.DescriptorIndex, name.Escaped(), version.Version.String(), string(version.Target))
	if data, ok, err := r.CAS.ReadDescriptor(descPath); err == nil && ok {
		var cached cachedDescriptor
		if err := json.Unmarshal(data, &cached); err == nil {
			return toPackageFS(cached.Entries), cached.Target, nil
		}
	}

	api, err := r.archiveAPI()
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	archiveURL := fmt.Sprintf("%s/v1/packages/%s/%s/%s/archive", api, name, version.Version.String(), version.Target)

	tmpFile, err := os.CreateTemp(filepath.Join(r.CAS.Root(), ".tmp"), "archive-*.tar.gz")
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if _, err := r.Downloader.Fetch(ctx, &download.Request{URL: archiveURL, Destination: tmpPath}); err != nil {
		return PackageFS{}, semverx.Target{}, fmt.Errorf("downloading archive for %s@%s %s: %w", name, version.Version, version.Target, err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	defer f.Close()

	gz, err := download.Decompress(download.FormatGzip, f)
	if err != nil {
		return PackageFS{}, semverx.Target{}, fmt.Errorf("opening gzip stream for %s: %w", name, err)
	}

	entries := make(map[string]Entry)
	var target semverx.Target
	target.Kind = version.Target

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return PackageFS{}, semverx.Target{}, fmt.Errorf("reading archive entry for %s: %w", name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			entries[hdr.Name] = Entry{Kind: EntryDirectory}
		case tar.TypeReg:
			hash, err := r.CAS.InsertReader(tr)
			if err != nil {
				return PackageFS{}, semverx.Target{}, fmt.Errorf("storing %s from archive: %w", hdr.Name, err)
			}
			entries[hdr.Name] = Entry{Kind: EntryFile, Hash: hash}
			if hdr.Name == "pesde.toml" {
				if b, err := r.CAS.ReadAll(hash); err == nil {
					target = parseBundledTarget(b, version.Target)
				}
			}
		}
	}

	fs := PackageFS{Kind: FSCas, Entries: entries}

	if cached, err := json.Marshal(cachedDescriptor{Entries: fromPackageFS(fs), Target: target}); err == nil {
		_ = r.CAS.WriteDescriptor(descPath, cached)
	}

	return fs, target, nil
}

// parseBundledTarget extracts just the [target] table out of a package's
// bundled pesde.toml. A manifest that fails to decode yields a Target with
// only Kind set.
func parseBundledTarget(manifestBytes []byte, kind semverx.TargetKind) semverx.Target {
	var bundled struct {
		Target struct {
			Lib        string            `toml:"lib,omitempty"`
			Bin        string            `toml:"bin,omitempty"`
			BuildFiles []string          `toml:"build_files,omitempty"`
			Scripts    map[string]string `toml:"scripts,omitempty"`
		} `toml:"target"`
	}
	if _, err := toml.Decode(string(manifestBytes), &bundled); err != nil {
		return semverx.Target{Kind: kind}
	}
	return semverx.Target{
		Kind:       kind,
		Lib:        bundled.Target.Lib,
		Bin:        bundled.Target.Bin,
		Scripts:    bundled.Target.Scripts,
		BuildFiles: bundled.Target.BuildFiles,
	}
}

// GetTarget implements Source. The registry's Target metadata lives inside
// the archive itself (the bundled pesde.toml), so unlike a workspace/path
// source there is no cheaper path than a full Download; callers that only
// need the Target still benefit from the descriptor cache Download checks
// first.
func (r *Registry) GetTarget(ctx context.Context, ref graph.PackageRef) (semverx.Target, error) {
	_, target, err := r.Download(ctx, ref)
	return target, err
}
