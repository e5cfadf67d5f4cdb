package gitindex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSourceRepo creates a non-bare repository with a single committed
// file at relPath, returning its filesystem path for use as a local
// Refresh URL.
func newSourceRepo(t *testing.T, relPath, contents string) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	full := filepath.Join(dir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(relPath)
	require.NoError(t, err)

	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)},
	})
	require.NoError(t, err)

	return dir
}

func TestRefreshClonesAndReadsPath(t *testing.T) {
	source := newSourceRepo(t, "scope/scope.toml", "owners = [\"alice\"]\n")

	dest := filepath.Join(t.TempDir(), "index")
	idx, err := Refresh(dest, "file://"+source, nil)
	require.NoError(t, err)

	tree, err := idx.RootTree()
	require.NoError(t, err)

	contents, ok, err := ReadPath(tree, "scope/scope.toml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, contents, "alice")
}

func TestReadPathMissingReturnsFalse(t *testing.T) {
	source := newSourceRepo(t, "scope/scope.toml", "owners = []\n")
	dest := filepath.Join(t.TempDir(), "index")
	idx, err := Refresh(dest, "file://"+source, nil)
	require.NoError(t, err)

	tree, err := idx.RootTree()
	require.NoError(t, err)

	_, ok, err := ReadPath(tree, "scope/does-not-exist.toml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshIsIdempotent(t *testing.T) {
	source := newSourceRepo(t, "scope/scope.toml", "owners = []\n")
	dest := filepath.Join(t.TempDir(), "index")

	_, err := Refresh(dest, "file://"+source, nil)
	require.NoError(t, err)
	_, err = Refresh(dest, "file://"+source, nil)
	require.NoError(t, err)
}

func TestAuthConfigNilIsNoAuth(t *testing.T) {
	var auth *AuthConfig
	assert.Nil(t, auth.AuthMethod("https://example.com/index.git"))
}

func TestAuthConfigLooksUpByNormalizedURL(t *testing.T) {
	auth := &AuthConfig{
		BasicAuth: map[string]BasicCredential{
			"https://example.com/index": {Username: "u", Password: "p"},
		},
	}
	method := auth.AuthMethod("https://EXAMPLE.com/index.git")
	require.NotNil(t, method)
}
