package source

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/download"
	"github.com/pesde-go/pesde/pkg/gitindex"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// SourcemapGenerator discovers a legacy package's library entry point by
// inspecting its extracted source tree. The script itself ships with the
// CLI, not the core; this is only the seam it plugs into.
type SourcemapGenerator interface {
	DiscoverLibraryEntry(ctx context.Context, extractedDir string) (string, error)
}

// Legacy is the source adapter for the legacy ecosystem's registry: a
// Git-backed index of JSON-per-line files, and a zip-archive content
// endpoint.
type Legacy struct {
	IndexURL   string
	ContentAPI string // archives live at <ContentAPI>/v1/package-contents/<scope>/<name>/<version>
	DataDir    string
	CAS        *cas.Store
	Downloader *download.Downloader
	Auth       *gitindex.AuthConfig
	Generator  SourcemapGenerator

	idx *gitindex.Index
}

func (l *Legacy) indexDir() string {
	return filepath.Join(l.DataDir, "indices", HashString(l.IndexURL))
}

// Hash implements Source.
func (l *Legacy) Hash() string { return HashString("legacy", l.IndexURL) }

// Refresh implements Source.
func (l *Legacy) Refresh(ctx context.Context) error {
	idx, err := gitindex.Refresh(l.indexDir(), l.IndexURL, l.Auth)
	if err != nil {
		return fmt.Errorf("refreshing legacy index %s: %w", l.IndexURL, err)
	}
	l.idx = idx
	return nil
}

// contentAPI returns the HTTP API base URL package zips are fetched from,
// reading the legacy index's config.json when not set explicitly.
func (l *Legacy) contentAPI() (string, error) {
	if l.ContentAPI != "" {
		return l.ContentAPI, nil
	}
	if l.idx == nil {
		return "", fmt.Errorf("legacy index %s not refreshed before download", l.IndexURL)
	}

	tree, err := l.idx.RootTree()
	if err != nil {
		return "", fmt.Errorf("reading legacy index %s root tree: %w", l.IndexURL, err)
	}
	contents, ok, err := gitindex.ReadPath(tree, "config.json")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("legacy index %s has no config.json", l.IndexURL)
	}

	var cfg struct {
		API string `json:"api"`
	}
	if err := json.Unmarshal([]byte(contents), &cfg); err != nil {
		return "", fmt.Errorf("parsing config.json of legacy index %s: %w", l.IndexURL, err)
	}
	if cfg.API == "" {
		return "", fmt.Errorf("legacy index %s config.json declares no api", l.IndexURL)
	}

	l.ContentAPI = cfg.API
	return cfg.API, nil
}

// legacyRecord is one JSON-per-line entry in a legacy package's index file.
type legacyRecord struct {
	Package struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Registry string `json:"registry"`
		Realm    string `json:"realm"`
	} `json:"package"`
	Dependencies       map[string]string `json:"dependencies"`
	ServerDependencies map[string]string `json:"server-dependencies"`
	DevDependencies    map[string]string `json:"dev-dependencies"`
}

// parseLegacyDepValue splits a wally-style "scope/name@req" shorthand value.
func parseLegacyDepValue(value string) (wally, req string, err error) {
	wally, req, ok := strings.Cut(value, "@")
	if !ok {
		return "", "", fmt.Errorf("legacy dependency value %q missing \"@<version-req>\"", value)
	}
	return wally, req, nil
}

// legacyDependencyMap converts a wally-style dependency table. indexURL is
// the absolute registry URL the containing record was read from, stamped
// onto every child so deeper resolution needs no index-alias lookup.
func legacyDependencyMap(table map[string]string, indexURL string, ty specifier.DependencyType) (map[specifier.Alias]graph.DeclaredDependency, error) {
	out := make(map[specifier.Alias]graph.DeclaredDependency, len(table))
	for rawAlias, value := range table {
		alias, err := specifier.ParseAlias(rawAlias)
		if err != nil {
			return nil, err
		}
		wally, req, err := parseLegacyDepValue(value)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", rawAlias, err)
		}
		out[alias] = graph.DeclaredDependency{
			Specifier: specifier.DependencySpecifier{Kind: specifier.KindLegacy, Wally: wally, VersionReq: req, Index: indexURL},
			Type:      ty,
		}
	}
	return out, nil
}

// targetFromRealm imputes a TargetKind from a legacy record's realm field.
// When the index declares entries for both realms at the same version,
// the server realm takes priority; a server-realm package cannot run in
// the shared environment, while the reverse usually works.
func targetFromRealm(realm string) semverx.TargetKind {
	if realm == "server" {
		return semverx.TargetBrowserServer
	}
	return semverx.TargetBrowserShared
}

// Resolve implements Source: reads the package's JSON-lines index file and
// returns one candidate per version line matching spec's version
// requirement, deduplicating dual-realm declarations per targetFromRealm.
func (l *Legacy) Resolve(ctx context.Context, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error) {
	if spec.Kind != specifier.KindLegacy {
		return names.PackageName{}, nil, nil, fmt.Errorf("legacy source given non-legacy specifier kind %v", spec.Kind)
	}

	name, err := names.ParseAs(spec.Wally, names.FlavorLegacy)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}

	tree, err := l.idx.RootTree()
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("reading legacy index %s root tree: %w", l.IndexURL, err)
	}

	path := name.Scope + "/" + name.Name
	contents, ok, err := gitindex.ReadPath(tree, path)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}
	if !ok {
		return names.PackageName{}, nil, nil, fmt.Errorf("package %s not found in legacy index %s", name, l.IndexURL)
	}

	constraint, err := semver.NewConstraint(spec.VersionReq)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("parsing version requirement %q for %s: %w", spec.VersionReq, name, err)
	}

	// version string -> realm already chosen for it, to detect dual-realm
	// declarations and apply the server-takes-priority rule.
	chosenRealm := make(map[string]string)
	records := make(map[string]legacyRecord)

	scanner := bufio.NewScanner(strings.NewReader(contents))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec legacyRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return names.PackageName{}, nil, nil, fmt.Errorf("parsing legacy index line for %s: %w", name, err)
		}

		prev, seen := chosenRealm[rec.Package.Version]
		if seen && prev == "server" {
			continue // server already won for this version
		}
		chosenRealm[rec.Package.Version] = rec.Package.Realm
		records[rec.Package.Version] = rec
	}
	if err := scanner.Err(); err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("scanning legacy index for %s: %w", name, err)
	}

	candidates := make(map[semverx.VersionId]graph.PackageRef)
	var suggested []semverx.TargetKind
	seenSuggested := make(map[semverx.TargetKind]bool)

	for rawVersion, rec := range records {
		v, err := semver.NewVersion(rawVersion)
		if err != nil {
			continue
		}
		if !constraint.Check(v) {
			continue
		}

		target := targetFromRealm(rec.Package.Realm)
		if !seenSuggested[target] {
			seenSuggested[target] = true
			suggested = append(suggested, target)
		}

		depIndex := rec.Package.Registry
		if depIndex == "" {
			depIndex = l.IndexURL
		}
		deps, err := legacyDependencyMap(rec.Dependencies, depIndex, specifier.DependencyStandard)
		if err != nil {
			return names.PackageName{}, nil, nil, fmt.Errorf("package %s@%s: %w", name, rawVersion, err)
		}
		serverDeps, err := legacyDependencyMap(rec.ServerDependencies, depIndex, specifier.DependencyStandard)
		if err != nil {
			return names.PackageName{}, nil, nil, fmt.Errorf("package %s@%s: %w", name, rawVersion, err)
		}
		for alias, dep := range serverDeps {
			deps[alias] = dep
		}

		vid := semverx.NewVersionId(v, target)
		candidates[vid] = graph.PackageRef{
			Kind:         graph.RefLegacy,
			Name:         name,
			Version:      vid,
			IndexURL:     l.IndexURL,
			LegacyRealm:  rec.Package.Realm,
			Dependencies: deps,
		}
	}

	return name, candidates, suggested, nil
}

// Download implements Source: fetches the package's zip archive, stores
// every file in the CAS, and extracts a second copy to a scratch directory
// so the (out-of-scope) sourcemap generator can discover the library entry
// point the legacy ecosystem has no machine-readable declaration for.
func (l *Legacy) Download(ctx context.Context, ref graph.PackageRef) (PackageFS, semverx.Target, error) {
	if ref.Kind != graph.RefLegacy {
		return PackageFS{}, semverx.Target{}, ErrSourceMismatch(graph.RefLegacy, ref.Kind)
	}
	name, version := ref.Name, ref.Version

	descPath := l.CAS.DescriptorPath(cas.DescriptorLegacyIndex, name.Escaped(), version.Version.String())
	if data, ok, err := l.CAS.ReadDescriptor(descPath); err == nil && ok {
		var cached cachedDescriptor
		if err := json.Unmarshal(data, &cached); err == nil {
			return toPackageFS(cached.Entries), cached.Target, nil
		}
	}

	api, err := l.contentAPI()
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	zipURL := fmt.Sprintf("%s/v1/package-contents/%s/%s/%s", api, name.Scope, name.Name, version.Version.String())

	tmpFile, err := os.CreateTemp(filepath.Join(l.CAS.Root(), ".tmp"), "legacy-*.zip")
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if _, err := l.Downloader.Fetch(ctx, &download.Request{URL: zipURL, Destination: tmpPath}); err != nil {
		return PackageFS{}, semverx.Target{}, fmt.Errorf("downloading legacy archive for %s@%s: %w", name, version.Version, err)
	}

	zr, err := zip.OpenReader(tmpPath)
	if err != nil {
		return PackageFS{}, semverx.Target{}, fmt.Errorf("opening legacy archive for %s: %w", name, err)
	}
	defer zr.Close()

	scratchDir, err := os.MkdirTemp("", "pesde-legacy-*")
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	defer os.RemoveAll(scratchDir)

	entries := make(map[string]Entry)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			entries[f.Name] = Entry{Kind: EntryDirectory}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return PackageFS{}, semverx.Target{}, fmt.Errorf("reading %s from legacy archive: %w", f.Name, err)
		}

		scratchPath := filepath.Join(scratchDir, f.Name)
		if err := os.MkdirAll(filepath.Dir(scratchPath), 0o755); err != nil {
			rc.Close()
			return PackageFS{}, semverx.Target{}, err
		}
		scratchFile, err := os.Create(scratchPath)
		if err != nil {
			rc.Close()
			return PackageFS{}, semverx.Target{}, err
		}

		hash, err := l.CAS.InsertReader(io.TeeReader(rc, scratchFile))
		rc.Close()
		scratchFile.Close()
		if err != nil {
			return PackageFS{}, semverx.Target{}, fmt.Errorf("storing %s from legacy archive: %w", f.Name, err)
		}

		entries[f.Name] = Entry{Kind: EntryFile, Hash: hash}
	}

	libPath := ""
	if l.Generator != nil {
		libPath, err = l.Generator.DiscoverLibraryEntry(ctx, scratchDir)
		if err != nil {
			return PackageFS{}, semverx.Target{}, fmt.Errorf("discovering library entry for %s: %w", name, err)
		}
	}

	target := semverx.Target{Kind: version.Target, Lib: libPath}
	fs := PackageFS{Kind: FSCas, Entries: entries}

	if cached, err := json.Marshal(cachedDescriptor{Entries: fromPackageFS(fs), Target: target}); err == nil {
		_ = l.CAS.WriteDescriptor(descPath, cached)
	}

	return fs, target, nil
}

// GetTarget implements Source.
func (l *Legacy) GetTarget(ctx context.Context, ref graph.PackageRef) (semverx.Target, error) {
	_, target, err := l.Download(ctx, ref)
	return target, err
}
