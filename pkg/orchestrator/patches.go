package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/pesde-go/pesde/pkg/graph"
)

// PatchApplier applies a patch file to a package tree that has been prepared
// as a scratch Git repository. The application mechanics are an external
// collaborator; the orchestrator only owns the scratch-repo lifecycle
// around it.
type PatchApplier interface {
	Apply(ctx context.Context, dir, patchPath string) error
}

// applyPatches runs the manifest's patch table against the installed tree.
// Each patched package gets a throwaway Git repo committed at its pristine
// state so the applier can diff against it; the .git directory is removed
// again on success. Returns the set of patched package ids, which the
// incremental cleanup pass must preserve.
func (o *Orchestrator) applyPatches(ctx context.Context, g *graph.DependencyGraph, roots map[graph.PackageId]string) (map[graph.PackageId]bool, error) {
	patched := make(map[graph.PackageId]bool)
	if len(o.Manifest.Patches) == 0 {
		return patched, nil
	}
	if o.Patcher == nil {
		slog.Warn("manifest declares patches but no patch applier is configured; skipping")
		return patched, nil
	}

	for nameStr, byVersion := range o.Manifest.Patches {
		for versionKey, patchPath := range byVersion {
			id, err := graph.ParsePackageId(nameStr + "@" + versionKey)
			if err != nil {
				return nil, fmt.Errorf("patch table entry %q %q: %w", nameStr, versionKey, err)
			}

			if _, ok := g.Get(id); !ok {
				slog.Warn("patch declared for a package not in the graph", "package", id.String())
				continue
			}
			root, ok := roots[id]
			if !ok {
				continue
			}

			fullPatch := patchPath
			if !filepath.IsAbs(fullPatch) {
				fullPatch = filepath.Join(o.ProjectRoot, patchPath)
			}

			if err := patchPackage(ctx, o.Patcher, root, fullPatch); err != nil {
				return nil, fmt.Errorf("patching %s: %w", id, err)
			}
			patched[id] = true
		}
	}
	return patched, nil
}

func patchPackage(ctx context.Context, applier PatchApplier, dir, patchPath string) error {
	if err := initScratchRepo(dir); err != nil {
		return err
	}

	if err := applier.Apply(ctx, dir, patchPath); err != nil {
		return err
	}

	return os.RemoveAll(filepath.Join(dir, ".git"))
}

// initScratchRepo turns dir into a Git repository with its current contents
// committed, the baseline the patch is applied on top of.
func initScratchRepo(dir string) error {
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return fmt.Errorf("initializing scratch repo in %s: %w", dir, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging scratch repo in %s: %w", dir, err)
	}

	sig := &object.Signature{Name: "pesde", Email: "pesde@localhost", When: time.Unix(0, 0).UTC()}
	if _, err := wt.Commit("baseline", &git.CommitOptions{Author: sig, Committer: sig, AllowEmptyCommits: true}); err != nil {
		return fmt.Errorf("committing scratch repo baseline in %s: %w", dir, err)
	}
	return nil
}
