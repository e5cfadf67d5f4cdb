package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/go-github/v80/github"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/download"
	"github.com/pesde-go/pesde/pkg/gitindex"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/source"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// SourceSelector maps a specifier (during resolution) or a resolved ref
// (during download) to the source adapter that serves it.
type SourceSelector interface {
	For(ctx context.Context, spec specifier.DependencySpecifier) (source.Source, error)
	ForRef(ctx context.Context, ref graph.PackageRef) (source.Source, error)
}

// Sources is the production SourceSelector: it creates one adapter per
// distinct backing store (index URL, repo URL, the workspace, the project's
// path space) and caches them for the lifetime of an invocation, so the
// refresh deduper sees stable Source identities.
type Sources struct {
	ProjectRoot   string
	WorkspaceRoot string
	DataDir       string
	ProjectTarget semverx.TargetKind
	CAS           *cas.Store
	Downloader    *download.Downloader
	Auth          *gitindex.AuthConfig
	GitHub        *github.Client
	Generator     source.SourcemapGenerator

	mu    sync.Mutex
	cache map[string]source.Source
}

func (s *Sources) cached(key string, build func() (source.Source, error)) (source.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		s.cache = make(map[string]source.Source)
	}
	if src, ok := s.cache[key]; ok {
		return src, nil
	}
	src, err := build()
	if err != nil {
		return nil, err
	}
	s.cache[key] = src
	return src, nil
}

// For implements SourceSelector. Registry and legacy specifiers must carry an
// absolute index URL by the time they reach here; the resolver rewrites
// root-depth index aliases before calling.
func (s *Sources) For(ctx context.Context, spec specifier.DependencySpecifier) (source.Source, error) {
	switch spec.Kind {
	case specifier.KindRegistry:
		return s.registry(spec.Index)
	case specifier.KindLegacy:
		return s.legacy(spec.Index)
	case specifier.KindGit:
		return s.git(ctx, spec.Repo)
	case specifier.KindWorkspace:
		return s.workspace()
	case specifier.KindPath:
		return s.path()
	default:
		return nil, fmt.Errorf("no source for specifier kind %v", spec.Kind)
	}
}

// ForRef implements SourceSelector.
func (s *Sources) ForRef(ctx context.Context, ref graph.PackageRef) (source.Source, error) {
	switch ref.Kind {
	case graph.RefRegistry:
		return s.registry(ref.IndexURL)
	case graph.RefLegacy:
		return s.legacy(ref.IndexURL)
	case graph.RefGit:
		return s.git(ctx, ref.RepoURL)
	case graph.RefWorkspace:
		return s.workspace()
	case graph.RefPath:
		return s.path()
	default:
		return nil, fmt.Errorf("no source for ref kind %v", ref.Kind)
	}
}

func (s *Sources) registry(indexURL string) (source.Source, error) {
	if indexURL == "" {
		return nil, fmt.Errorf("registry specifier has no index URL")
	}
	return s.cached("registry\x00"+indexURL, func() (source.Source, error) {
		return &source.Registry{
			IndexURL:      indexURL,
			ProjectTarget: s.ProjectTarget,
			DataDir:       s.DataDir,
			CAS:           s.CAS,
			Downloader:    s.Downloader,
			Auth:          s.Auth,
		}, nil
	})
}

func (s *Sources) legacy(indexURL string) (source.Source, error) {
	if indexURL == "" {
		return nil, fmt.Errorf("legacy specifier has no index URL")
	}
	return s.cached("legacy\x00"+indexURL, func() (source.Source, error) {
		return &source.Legacy{
			IndexURL:   indexURL,
			DataDir:    s.DataDir,
			CAS:        s.CAS,
			Downloader: s.Downloader,
			Auth:       s.Auth,
			Generator:  s.Generator,
		}, nil
	})
}

func (s *Sources) git(ctx context.Context, repo string) (source.Source, error) {
	return s.cached("git\x00"+repo, func() (source.Source, error) {
		return source.NewGit(ctx, repo, s.GitHub, s.DataDir, s.CAS, s.Auth, s.Generator)
	})
}

func (s *Sources) workspace() (source.Source, error) {
	root := s.WorkspaceRoot
	if root == "" {
		root = s.ProjectRoot
	}
	return s.cached("workspace", func() (source.Source, error) {
		return &source.Workspace{Root: root, ProjectTarget: s.ProjectTarget}, nil
	})
}

func (s *Sources) path() (source.Source, error) {
	return s.cached("path", func() (source.Source, error) {
		return &source.Path{ProjectRoot: s.ProjectRoot}, nil
	})
}
