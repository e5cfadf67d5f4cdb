package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pesde-go/pesde/pkg/cas"
)

// resolveDataDir returns the --data-dir flag, defaulting to a pesde
// directory under the user's cache dir.
func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("determining data directory: %w", err)
	}
	return filepath.Join(cache, "pesde"), nil
}

// openStore opens the CAS under the resolved data directory.
func openStore() (*cas.Store, string, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, "", err
	}
	store, err := cas.New(filepath.Join(dir, "cas"))
	if err != nil {
		return nil, "", err
	}
	return store, dir, nil
}

// resolveProjectRoot makes the --project flag absolute.
func resolveProjectRoot() (string, error) {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolving project directory: %w", err)
	}
	if _, err := os.Stat(filepath.Join(root, "pesde.toml")); err != nil {
		return "", fmt.Errorf("no pesde.toml in %s", root)
	}
	return root, nil
}
