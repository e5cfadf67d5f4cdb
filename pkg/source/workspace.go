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

// Workspace is the source adapter for workspace-member dependencies:
// another package in the same workspace,
// identified by its manifest's workspace_members glob expansion rather than
// fetched from anywhere. There is exactly one Workspace instance per
// install (unlike Registry/Legacy/Git, which are keyed per backing index or
// repo), since "the workspace" is a single fixed root for the whole run.
type Workspace struct {
	Root          string // workspace root directory
	ProjectTarget semverx.TargetKind

	members []workspaceMember
}

type workspaceMember struct {
	path string
	m    *manifest.Manifest
}

// Hash implements Source.
func (w *Workspace) Hash() string { return HashString("workspace", w.Root) }

// Refresh implements Source: loads and validates every workspace member's
// manifest. Members are always re-resolved against the live tree; there is
// no cached index to skip.
func (w *Workspace) Refresh(ctx context.Context) error {
	rootManifest, err := manifest.Load(filepath.Join(w.Root, "pesde.toml"))
	if err != nil {
		return fmt.Errorf("loading workspace root manifest: %w", err)
	}

	dirs, err := rootManifest.WorkspaceMembers(w.Root)
	if err != nil {
		return fmt.Errorf("expanding workspace members: %w", err)
	}

	members := make([]workspaceMember, 0, len(dirs))
	for _, dir := range dirs {
		m, err := manifest.Load(filepath.Join(dir, "pesde.toml"))
		if err != nil {
			return fmt.Errorf("loading workspace member manifest %s: %w", dir, err)
		}
		members = append(members, workspaceMember{path: dir, m: m})
	}
	w.members = members
	return nil
}

// Resolve implements Source: matches spec.Workspace against each member's
// declared package name, applying the specifier's version-requirement
// shorthand against that member's own declared version.
func (w *Workspace) Resolve(ctx context.Context, spec specifier.DependencySpecifier) (names.PackageName, map[semverx.VersionId]graph.PackageRef, []semverx.TargetKind, error) {
	if spec.Kind != specifier.KindWorkspace {
		return names.PackageName{}, nil, nil, fmt.Errorf("workspace source given non-workspace specifier kind %v", spec.Kind)
	}

	name, err := names.Parse(spec.Workspace)
	if err != nil {
		return names.PackageName{}, nil, nil, err
	}

	wantTarget := semverx.TargetKind(spec.Target)
	if wantTarget == "" {
		wantTarget = w.ProjectTarget
	}

	var found *workspaceMember
	for i := range w.members {
		memberName, err := names.Parse(w.members[i].m.Name)
		if err != nil {
			continue
		}
		if !memberName.Equal(name) {
			continue
		}
		kind, err := w.members[i].m.Target.Kind()
		if err != nil {
			continue
		}
		if kind == wantTarget {
			found = &w.members[i]
			break
		}
	}
	if found == nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("no workspace member named %s with target %s", name, wantTarget)
	}

	version, err := semver.NewVersion(found.m.Version)
	if err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("workspace member %s has invalid version %q: %w", name, found.m.Version, err)
	}

	kind, reqStr := spec.ParseWorkspaceVersion()
	if err := checkWorkspaceVersion(kind, reqStr, version); err != nil {
		return names.PackageName{}, nil, nil, fmt.Errorf("workspace member %s: %w", name, err)
	}

	deps := rewrittenDependencyMap(found.m)

	vid := semverx.NewVersionId(version, wantTarget)
	ref := graph.PackageRef{
		Kind:         graph.RefWorkspace,
		Name:         name,
		Version:      vid,
		MemberPath:   found.path,
		Dependencies: deps,
	}

	return name, map[semverx.VersionId]graph.PackageRef{vid: ref}, []semverx.TargetKind{wantTarget}, nil
}

// checkWorkspaceVersion enforces spec's workspace version-requirement
// shorthands against the member's actual declared version. Caret, tilde,
// exact and any always succeed since they derive their requirement from the
// member's own version by definition; only an explicit requirement string
// can fail.
func checkWorkspaceVersion(kind specifier.WorkspaceVersionKind, reqStr string, version *semver.Version) error {
	switch kind {
	case specifier.WorkspaceVersionReq:
		constraint, err := semver.NewConstraint(reqStr)
		if err != nil {
			return fmt.Errorf("parsing version requirement %q: %w", reqStr, err)
		}
		if !constraint.Check(version) {
			return fmt.Errorf("version %s does not satisfy requirement %q", version, reqStr)
		}
	}
	return nil
}

// Download implements Source: a workspace member is never fetched, only
// copy-materialized from its location on disk.
func (w *Workspace) Download(ctx context.Context, ref graph.PackageRef) (PackageFS, semverx.Target, error) {
	if ref.Kind != graph.RefWorkspace {
		return PackageFS{}, semverx.Target{}, ErrSourceMismatch(graph.RefWorkspace, ref.Kind)
	}
	target, err := w.GetTarget(ctx, ref)
	if err != nil {
		return PackageFS{}, semverx.Target{}, err
	}
	return PackageFS{Kind: FSCopy, CopyPath: ref.MemberPath, CopyTarget: target.Kind}, target, nil
}

// GetTarget implements Source.
func (w *Workspace) GetTarget(ctx context.Context, ref graph.PackageRef) (semverx.Target, error) {
	if ref.Kind != graph.RefWorkspace {
		return semverx.Target{}, ErrSourceMismatch(graph.RefWorkspace, ref.Kind)
	}
	m, err := manifest.Load(filepath.Join(ref.MemberPath, "pesde.toml"))
	if err != nil {
		return semverx.Target{}, fmt.Errorf("loading workspace member manifest %s: %w", ref.MemberPath, err)
	}
	kind, err := m.Target.Kind()
	if err != nil {
		return semverx.Target{}, err
	}
	return semverx.Target{Kind: kind, Lib: m.Target.Lib, Bin: m.Target.Bin, Scripts: m.Target.Scripts, BuildFiles: m.Target.BuildFiles}, nil
}
