package cas

import (
	"fmt"
	"os"
	"path/filepath"
)

// Descriptor kinds, rooted directly under the CAS root. Each holds opaque, caller-serialized bytes (a source
// adapter's own (PackageFS, Target) encoding) so this package never needs
// to import the types that live above it in the dependency graph.
const (
	DescriptorIndex       = "index"
	DescriptorLegacyIndex = "legacy_index"
	DescriptorGitIndex    = "git_index"
)

// DescriptorPath computes the on-disk path for a cached source descriptor:
// <cas_root>/<kind>/<parts...>.
func (s *Store) DescriptorPath(kind string, parts ...string) string {
	segments := append([]string{s.root, kind}, parts...)
	return filepath.Join(segments...)
}

// ReadDescriptor returns the bytes at path and true if present, or
// (nil, false, nil) on a clean miss. A cache hit here is what lets a source
// adapter's Download skip the network.
func (s *Store) ReadDescriptor(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading descriptor %s: %w", path, err)
	}
	return data, true, nil
}

// WriteDescriptor atomically writes data to path via a temp file in the
// CAS's staging directory, then rename, mirroring the blob insert path's
// crash-safety.
func (s *Store) WriteDescriptor(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating descriptor dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, ".tmp"), "descriptor-*")
	if err != nil {
		return fmt.Errorf("creating descriptor temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing descriptor temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persisting descriptor to %s: %w", path, err)
	}
	return nil
}

// RemoveDescriptor removes the descriptor at path, ignoring a not-found
// error so incremental-cleanup callers don't need to check existence first.
func (s *Store) RemoveDescriptor(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing descriptor %s: %w", path, err)
	}
	return nil
}

// WalkDescriptors calls fn with the contents of every file under
// <cas_root>/<kind>, used by PruneDescriptors to find descriptors whose referenced
// hashes intersect a just-removed blob set.
func (s *Store) WalkDescriptors(kind string, fn func(path string, data []byte) error) error {
	root := filepath.Join(s.root, kind)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return walkDescriptorDir(root, entries, fn)
}

func walkDescriptorDir(dir string, entries []os.DirEntry, fn func(string, []byte) error) error {
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			sub, err := os.ReadDir(full)
			if err != nil {
				return err
			}
			if err := walkDescriptorDir(full, sub, fn); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		if err := fn(full, data); err != nil {
			return err
		}
	}
	return nil
}
