package source

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pesde-go/pesde/pkg/cas"
	"github.com/pesde-go/pesde/pkg/semverx"
)

// Materialize realizes this PackageFS at dest. A CAS-backed fs is realized
// entry by entry, hard-linking blobs out of store when link is true (falling
// back to a copy when the link fails, e.g. across filesystems); a copy-backed
// fs replicates the live source tree, since path/workspace packages must
// reflect their on-disk state rather than a frozen snapshot.
func (p PackageFS) Materialize(store *cas.Store, dest string, link bool) error {
	switch p.Kind {
	case FSCas:
		return materializeCAS(store, p.Entries, dest, link)
	case FSCopy:
		return copyTree(p.CopyPath, dest)
	default:
		return fmt.Errorf("unknown package fs kind %v", p.Kind)
	}
}

func materializeCAS(store *cas.Store, entries map[string]Entry, dest string, link bool) error {
	// Deterministic order so parent directories are created before their
	// children regardless of map iteration.
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		entry := entries[rel]
		full := filepath.Join(dest, filepath.FromSlash(rel))
		switch entry.Kind {
		case EntryDirectory:
			if err := os.MkdirAll(full, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", full, err)
			}
		case EntryFile:
			if err := store.Materialize(entry.Hash, full, link); err != nil {
				return fmt.Errorf("materializing %s: %w", rel, err)
			}
		}
	}
	return nil
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0o755)
		}
		// A live package tree may itself contain installed packages folders
		// or VCS metadata; neither belongs in a materialized dependency.
		if d.IsDir() && (d.Name() == ".git" || isPackagesFolder(d.Name())) {
			return filepath.SkipDir
		}

		full := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(full, 0o755)
		}
		return copyFileContents(path, full)
	})
}

func isPackagesFolder(name string) bool {
	for _, k := range semverx.Kinds() {
		if name == k.PackagesFolder() {
			return true
		}
	}
	return false
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}

// SnapshotDir walks dir, inserting every regular file into store, and returns
// the equivalent CAS-backed PackageFS. Materialize and SnapshotDir are
// inverses up to entry ordering.
func SnapshotDir(store *cas.Store, dir string) (PackageFS, error) {
	entries := make(map[string]Entry)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			entries[rel] = Entry{Kind: EntryDirectory}
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		hash, err := store.InsertReader(f)
		if err != nil {
			return fmt.Errorf("storing %s: %w", rel, err)
		}
		entries[rel] = Entry{Kind: EntryFile, Hash: hash}
		return nil
	})
	if err != nil {
		return PackageFS{}, err
	}

	return PackageFS{Kind: FSCas, Entries: entries}, nil
}
