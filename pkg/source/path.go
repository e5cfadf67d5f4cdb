package source

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// Path is the source adapter for filesystem-path dependencies: a
// directory outside the workspace's member set,
// referenced directly by an absolute or project-relative path. Unlike
// Workspace, there is no member-lookup step; the specifier's path is the
// package.
type Path struct {
	ProjectRoot string // used to resolve a relative spec.Path
}

// Hash implements Source.
func (p *Path) Hash() string { return "path" }

// Refresh implements Source. A path source has no backing index to bring
// up to date.
func (p *Path) Refresh(ctx context.Context) error { return nil }

func (p *Path) resolvePath(raw string) string {
	if filepath.IsAbs(raw) {
		return raw
	}
	return filepath.Join(p.ProjectRoot, raw)
}

// Resolve implements Source: loads the manifest at spec.Path and returns it
// as the sole candidate, at whatever version/target it declares.
func (p *Path) Resolve(ctx context.Context, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error) {
	if spec.Kind != specifier.KindPath {
		return names.PackageName{}, nil, nil, fmt.Errorf("path source given non-path specifier kind %v", spec.Kind)
	}

	dir := p.resolvePath(spec.Path)
	m, err := manifest.Load(filepath.Join(dir, "pesde.toml"))
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("loading path dependency manifest %s: %w", dir, err)
	}

	name, err := names.Parse(m.Name)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}

	version, err := semver.NewVersion(m.Version)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("path dependency %s has invalid version %q: %w", name, m.Version, err)
	}

	target, err := m.Target.Kind()
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}

	deps := rewrittenDependencyMap(m)

	vid := semverx.NewVersionId(version, target)
	ref := graph.PackageRef{
		Kind:         graph.RefPath,
		Name:         name,
		Version:      vid,
		MemberPath:   dir,
		Dependencies: deps,
	}

	return name, map[semverx.VersionId]graph.PackageRef{vid: ref}, []semverx.TargetKind{target}, nil
}

// Download implements Source: a path dependency is always copy-
// materialized from its location on disk, never hard-linked from the CAS.
func (p *Path) Download(ctx context.Context, ref graph.PackageRef) (PackageFS, semverx.Target, error) {
	if ref.Kind != graph.RefPath {
		return PackageFS{}, semverx.Target{}, ErrSourceMismatch(graph.RefPath, ref.Kind)
	}
	target, err := p.GetTarget(ctx, ref)
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	return PackageFS{Kind: FSCopy, CopyPath: ref.MemberPath, CopyTarget: target.Kind}, target, nil
}

// GetTarget implements Source.
func (p *Path) GetTarget(ctx context.Context, ref graph.PackageRef) (semverx.Target, error) {
	if ref.Kind != graph.RefPath {
		return semverx.Target{}, ErrSourceMismatch(graph.RefPath, ref.Kind)
	}
	m, err := manifest.Load(filepath.Join(ref.MemberPath, "pesde.toml"))
	if err != nil {
		return semverx.Target{}, fmt.Errorf("loading path dependency manifest %s: %w", ref.MemberPath, err)
	}
	kind, err := m.Target.Kind()
	if err != nil {
		return semverx.Target{}, err
	}
	return semverx.Target{Kind: kind, Lib: m.Target.Lib, Bin: m.Target.Bin, Scripts: m.Target.Scripts, BuildFiles: m.Target.BuildFiles}, nil
}
