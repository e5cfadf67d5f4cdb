package cas

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
)

// PruneResult reports which blob hashes were removed by a Prune call, so
// that callers can drop any descriptor referencing them from the
// registry/legacy/git index caches.
type PruneResult struct {
	RemovedHashes []string
}

// Prune deletes every blob in the store whose hard-link count is 1 (i.e.
// nothing outside the CAS references it), then removes shard directories
// left empty by the deletions.
func (s *Store) Prune() (PruneResult, error) {
	var result PruneResult

	shards, err := os.ReadDir(s.root)
	if err != nil {
		return result, err
	}

	for _, shard := range shards {
		if !shard.IsDir() || shard.Name() == ".tmp" {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())

		files, err := os.ReadDir(shardPath)
		if err != nil {
			return result, err
		}

		for _, f := range files {
			full := filepath.Join(shardPath, f.Name())
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			if linkCount(info) != 1 {
				continue
			}
			if err := os.Remove(full); err != nil {
				continue
			}
			result.RemovedHashes = append(result.RemovedHashes, shard.Name()+f.Name())
		}

		remaining, err := os.ReadDir(shardPath)
		if err == nil && len(remaining) == 0 {
			os.Remove(shardPath)
		}
	}

	return result, nil
}

// PruneDescriptors removes every cached source descriptor that references a
// hash removed by Prune. Matching is by raw content scan, so a descriptor
// that fails to deserialize is conservatively preserved rather than dropped.
func (s *Store) PruneDescriptors(removed []string) error {
	if len(removed) == 0 {
		return nil
	}

	for _, kind := range []string{DescriptorIndex, DescriptorLegacyIndex, DescriptorGitIndex} {
		err := s.WalkDescriptors(kind, func(path string, data []byte) error {
			for _, hash := range removed {
				if bytes.Contains(data, []byte(hash)) {
					return s.RemoveDescriptor(path)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func linkCount(info os.FileInfo) uint64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		// No POSIX link count available; report 1 so the caller's
		// nlink==1 check treats the blob as prunable.
		return 1
	}
	return uint64(stat.Nlink)
}
