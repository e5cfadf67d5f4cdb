// Package source implements the adapters that know how to resolve a
// DependencySpecifier against some backing store and download the
// resulting PackageRef: the registry, legacy-registry, git, workspace,
// and path sources. All five share one contract (Source) so the
// resolver and orchestrator can dispatch on it without a type switch.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// Source is the common contract every adapter implements.
type Source interface {
	// Refresh brings the source's backing index/repository up to date.
	// Callers should route calls through a Dedup so a given source is
	// only actually refreshed once per invocation.
	Refresh(ctx context.Context) error

	// Resolve looks up candidates matching spec, returning the package's
	// canonical name, a map of matching VersionId to the PackageRef that
	// would download it, and the set of targets the source is willing to
	// suggest when spec.Target is unset.
	Resolve(ctx context.Context, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error)

	// Download fetches the exact revision ref identifies.
	Download(ctx context.Context, ref graph.PackageRef) (PackageFS, semverx.Target, error)

	// GetTarget returns just the Target metadata for ref, without a full
	// download, when the source can do so cheaply.
	GetTarget(ctx context.Context, ref graph.PackageRef) (semverx.Target, error)

	// Hash returns a stable identity hash for this source instance, used
	// as the Dedup key.
	Hash() string
}

// FSKind discriminates PackageFS's two representations.
type FSKind int

const (
	FSCas FSKind = iota
	FSCopy
)

// EntryKind discriminates a PackageFS(CAS) entry.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDirectory
)

// Entry is one path's worth of a CAS-backed PackageFS.
type Entry struct {
	Kind EntryKind
	Hash string // populated when Kind == EntryFile
}

// PackageFS is either a CAS-backed file manifest or a live-copy source
// (used for path/workspace packages materialized by copy rather than
// hard link).
type PackageFS struct {
	Kind FSKind

	// FSCas
	Entries map[string]Entry

	// FSCopy
	CopyPath   string
	CopyTarget semverx.TargetKind
}

// Dedup is the process-local, mutex-protected set of sources already
// refreshed this invocation. Each source is refreshed at most once,
// keyed by Source.Hash().
type Dedup struct {
	mu      sync.Mutex
	visited map[string]error
}

// NewDedup returns an empty Dedup.
func NewDedup() *Dedup {
	return &Dedup{visited: make(map[string]error)}
}

// Refresh calls src.Refresh exactly once per distinct src.Hash() for the
// lifetime of d, returning the cached result on subsequent calls.
func (d *Dedup) Refresh(ctx context.Context, src Source) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := src.Hash()
	if err, ok := d.visited[key]; ok {
		return err
	}

	err := src.Refresh(ctx)
	d.visited[key] = err
	return err
}

// HashString computes a stable SHA-256-based identity hash for a source,
// used by implementations' Hash() methods.
func HashString(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// rewrittenDependencyMap converts a manifest's direct dependencies into a
// ref's dependency map, resolving registry/legacy index aliases against that
// manifest's own index tables so deeper resolution never consults the
// consuming project's aliases.
func rewrittenDependencyMap(m *manifest.Manifest) map[specifier.Alias]graph.DeclaredDependency {
	direct := m.DirectDependencies()
	out := make(map[specifier.Alias]graph.DeclaredDependency, len(direct))
	for _, d := range direct {
		resolved := d.Specifier
		switch resolved.Kind {
		case specifier.KindRegistry:
			resolved.Index = ResolveIndexAlias(resolved.Index, m.Indices)
		case specifier.KindLegacy:
			resolved.Index = ResolveIndexAlias(resolved.Index, m.WallyIndices)
		}
		out[d.Alias] = graph.DeclaredDependency{Specifier: resolved, Type: d.DeclaredTy}
	}
	return out
}

// ErrSourceMismatch guards against a resolver bug where a PackageRef is
// handed to a source adapter that did not produce it.
func ErrSourceMismatch(kind graph.RefKind, gotKind graph.RefKind) error {
	return fmt.Errorf("source mismatch: ref has kind %v, adapter expects %v", gotKind, kind)
}
