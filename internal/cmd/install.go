package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/google/go-github/v80/github"
	"github.com/spf13/cobra"

	"github.com/pesde-go/pesde/internal/watch"
	"github.com/pesde-go/pesde/internal/xlog"
	"github.com/pesde-go/pesde/pkg/download"
	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/lockfile"
	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/orchestrator"
	"github.com/pesde-go/pesde/pkg/resolver"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/source"
)

var (
	installProd        bool
	installLocked      bool
	installForce       bool
	installNoWrite     bool
	installWatch       bool
	installConcurrency int
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Resolve, download, and link the project's dependencies",
	Long: `Resolve the project's dependency graph, download every package into the
content-addressed store, materialize and link them into the packages
folders, and write the lockfile.

An existing lockfile seeds the resolver: dependencies whose specifiers are
unchanged keep their resolved versions and skip the network entirely.

Examples:
  pesde install                # install everything
  pesde install --prod         # skip writing dev dependencies
  pesde install --locked       # fail instead of changing the lockfile`,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().BoolVar(&installProd, "prod", false, "do not write dev dependencies")
	installCmd.Flags().BoolVar(&installLocked, "locked", false, "fail if the lockfile would change")
	installCmd.Flags().BoolVar(&installForce, "force", false, "reinstall even if the tree looks current")
	installCmd.Flags().BoolVar(&installNoWrite, "no-write", false, "resolve and download only, do not touch the packages folders")
	installCmd.Flags().BoolVar(&installWatch, "watch", false, "keep running and reinstall on manifest changes")
	installCmd.Flags().IntVar(&installConcurrency, "network-concurrency", download.DefaultNetworkConcurrency, "maximum concurrent downloads")
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	root, err := resolveProjectRoot()
	if err != nil {
		return err
	}

	if !installWatch {
		return installOnce(ctx, root)
	}

	if err := installOnce(ctx, root); err != nil {
		slog.Error("install failed", "error", err)
	}
	m, err := manifest.Load(filepath.Join(root, "pesde.toml"))
	if err != nil {
		return err
	}
	return watch.Run(ctx, root, m, func(ctx context.Context) error {
		return installOnce(ctx, root)
	})
}

func installOnce(ctx context.Context, root string) error {
	m, err := manifest.Load(filepath.Join(root, "pesde.toml"))
	if err != nil {
		return err
	}
	target, err := m.Target.Kind()
	if err != nil {
		return err
	}

	store, data, err := openStore()
	if err != nil {
		return err
	}

	auth, err := loadAuth()
	if err != nil {
		return err
	}

	prev, err := loadPreviousGraph(root, m, target)
	if err != nil {
		return err
	}
	if installForce {
		prev = nil
	}

	httpClient := &http.Client{}
	downloader := download.New(ctx, httpClient, installConcurrency)
	defer downloader.Shutdown()

	sources := &resolver.Sources{
		ProjectRoot:   root,
		WorkspaceRoot: root,
		DataDir:       data,
		ProjectTarget: target,
		CAS:           store,
		Downloader:    downloader,
		Auth:          auth,
		GitHub:        github.NewClient(httpClient),
	}
	refreshed := source.NewDedup()

	g, err := resolver.Resolve(ctx, m, target, sources, resolver.Options{
		Prev:      prev,
		Refreshed: refreshed,
	})
	if err != nil {
		return err
	}

	orch := &orchestrator.Orchestrator{
		ProjectRoot: root,
		Manifest:    m,
		Target:      target,
		CAS:         store,
		Sources:     sources,
		Refreshed:   refreshed,
	}

	err = orch.Install(ctx, g, prev, orchestrator.InstallOptions{
		Prod:               installProd,
		Write:              !installNoWrite,
		Force:              installForce,
		Locked:             installLocked,
		NetworkConcurrency: installConcurrency,
	})
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("installed %d packages", len(g.Nodes)), xlog.Success())
	return nil
}

// loadPreviousGraph reads the lockfile's graph for incremental reuse,
// discarding it when the project's identity or target changed since it was
// written.
func loadPreviousGraph(root string, m *manifest.Manifest, target semverx.TargetKind) (*graph.DependencyGraph, error) {
	lf, err := lockfile.Read(root)
	if err != nil {
		slog.Warn("ignoring unreadable lockfile", "error", err)
		return nil, nil
	}
	if lf == nil {
		return nil, nil
	}
	if lf.Name != m.Name || lf.Target != target {
		slog.Debug("lockfile does not match the manifest; resolving from scratch")
		return nil, nil
	}
	return lf.Graph, nil
}
