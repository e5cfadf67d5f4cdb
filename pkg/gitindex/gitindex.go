// Package gitindex implements the bare-Git-repository substrate that
// registry-like sources use to store their package index: open-or-clone,
// shallow refresh, and tree-rooted path reads.
package gitindex

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

const originName = "origin"

var defaultFetchSpec = []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"}

var fullFetchSpec = []config.RefSpec{
	"+refs/heads/*:refs/remotes/origin/*",
	"+refs/tags/*:refs/tags/*",
}

// AuthConfig resolves credentials by URL. Lookups are keyed by URL
// equality, case-normalized with any ".git" suffix stripped.
type AuthConfig struct {
	// BearerTokens maps a normalized index host URL to a bearer token.
	BearerTokens map[string]string
	// BasicAuth maps a normalized remote URL to a username/password pair.
	BasicAuth map[string]BasicCredential
}

// BasicCredential is a username/password pair for Git remotes that
// require it.
type BasicCredential struct {
	Username string
	Password string
}

// NormalizeURL canonicalizes a URL for credential lookup; callers building
// an AuthConfig must key their maps through it too.
func NormalizeURL(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	return strings.TrimSuffix(u, ".git")
}

// AuthMethod returns the transport.AuthMethod to use for url, or nil if
// no credential is configured for it.
func (a *AuthConfig) AuthMethod(url string) transport.AuthMethod {
	if a == nil {
		return nil
	}
	key := NormalizeURL(url)
	if cred, ok := a.BasicAuth[key]; ok {
		return &githttp.BasicAuth{Username: cred.Username, Password: cred.Password}
	}
	if token, ok := a.BearerTokens[key]; ok {
		return &githttp.BasicAuth{Username: "bearer", Password: token}
	}
	return nil
}

// Index is an opened bare Git repository used as a package index.
type Index struct {
	repo *git.Repository
	path string
	url  string
}

// Refresh opens the bare repository at path (initializing and
// configuring origin=url if absent) and performs a shallow (depth 1)
// fetch from its default remote.
func Refresh(path, url string, auth *AuthConfig) (*Index, error) {
	var repo *git.Repository

	if fi, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat git index %s: %w", path, err)
		}
		r, err := initEmptyRepository(path)
		if err != nil {
			return nil, fmt.Errorf("initializing git index %s: %w", path, err)
		}
		repo = r
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("git index path %s exists and is not a directory", path)
	} else {
		r, err := openRepository(path)
		if err != nil {
			return nil, fmt.Errorf("opening git index %s: %w", path, err)
		}
		repo = r
	}

	if err := initializeOrigin(repo, url); err != nil {
		return nil, fmt.Errorf("configuring origin for git index %s: %w", path, err)
	}

	idx := &Index{repo: repo, path: path, url: url}

	err := repo.Fetch(&git.FetchOptions{
		RemoteName: originName,
		Auth:       auth.AuthMethod(url),
		Depth:      1,
	})
	switch {
	case err == nil:
	case errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
	default:
		return nil, fmt.Errorf("fetching git index %s: %w", url, err)
	}

	return idx, nil
}

func initEmptyRepository(path string) (*git.Repository, error) {
	repo, err := git.PlainInit(path, true)
	if err != nil {
		return nil, err
	}
	if err := repo.Storer.RemoveReference(plumbing.Master); err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, err
	}
	main := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	if err := repo.Storer.SetReference(main); err != nil {
		return nil, err
	}
	return repo, nil
}

func openRepository(path string) (*git.Repository, error) {
	dot := osfs.New(path)
	storage := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())
	return git.Open(storage, dot)
}

func initializeOrigin(repo *git.Repository, url string) error {
	cfg, err := repo.Config()
	if err != nil {
		return err
	}
	cfg.Remotes[originName] = &config.RemoteConfig{
		Name:  originName,
		URLs:  []string{url},
		Fetch: defaultFetchSpec,
	}
	return repo.SetConfig(cfg)
}

// RootTree finds the default fetch remote, resolves its first refspec's
// local reference (substituting "*" with the first available remote
// branch, defaulting to "main" if none can be found), and peels it to a
// tree.
func (idx *Index) RootTree() (*object.Tree, error) {
	remote, err := idx.repo.Remote(originName)
	if err != nil {
		return nil, fmt.Errorf("no default remote configured for git index %s: %w", idx.path, err)
	}
	cfg := remote.Config()
	if len(cfg.Fetch) == 0 {
		return nil, fmt.Errorf("default remote for git index %s has no fetch refspecs", idx.path)
	}

	branch, err := idx.firstRemoteBranch()
	if err != nil {
		return nil, err
	}

	localRef := cfg.Fetch[0].Dst(plumbing.NewBranchReferenceName(branch))

	ref, err := idx.repo.Reference(localRef, true)
	if err != nil {
		return nil, fmt.Errorf("resolving reference %s in git index %s: %w", localRef, idx.path, err)
	}

	commit, err := idx.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("loading commit for git index %s: %w", idx.path, err)
	}

	return commit.Tree()
}

func (idx *Index) firstRemoteBranch() (string, error) {
	refs, err := idx.repo.References()
	if err != nil {
		return "", err
	}
	defer refs.Close()

	branch := ""
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if branch != "" {
			return nil
		}
		if strings.HasPrefix(ref.Name().String(), "refs/remotes/"+originName+"/") {
			branch = strings.TrimPrefix(ref.Name().String(), "refs/remotes/"+originName+"/")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if branch == "" {
		branch = "main"
	}
	return branch, nil
}

// FetchAll performs a full (non-shallow) fetch of all branches and tags, for
// sources that must resolve an arbitrary revision (tag, branch, or commit
// SHA) rather than just the default branch's tip that Refresh's shallow
// fetch leaves reachable.
func (idx *Index) FetchAll(auth *AuthConfig) error {
	err := idx.repo.Fetch(&git.FetchOptions{
		RemoteName: originName,
		Auth:       auth.AuthMethod(idx.url),
		RefSpecs:   fullFetchSpec,
	})
	switch {
	case err == nil:
	case errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
	default:
		return fmt.Errorf("fetching %s: %w", idx.url, err)
	}
	return nil
}

// ResolveRevision resolves rev (a branch name, tag name, or commit SHA) to
// the tree of the commit it names.
func (idx *Index) ResolveRevision(rev string) (*object.Tree, error) {
	hash, err := idx.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolving revision %q in %s: %w", rev, idx.url, err)
	}
	commit, err := idx.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("loading commit %s: %w", hash, err)
	}
	return commit.Tree()
}

// TreeByOID loads a tree object directly by its own OID, as opposed to
// resolving a revision and peeling a commit to its tree.
func (idx *Index) TreeByOID(oid string) (*object.Tree, error) {
	tree, err := idx.repo.TreeObject(plumbing.NewHash(oid))
	if err != nil {
		return nil, fmt.Errorf("loading tree %s: %w", oid, err)
	}
	return tree, nil
}

// ReadPath walks tree by the "/"-separated components of relPath,
// returning the file's contents as a UTF-8 string. Returns (_, false, nil)
// if any component is absent, and an error if the file exists but is not
// valid UTF-8.
func ReadPath(tree *object.Tree, relPath string) (string, bool, error) {
	file, err := tree.File(relPath)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading %s from tree: %w", relPath, err)
	}

	contents, err := file.Contents()
	if err != nil {
		return "", false, fmt.Errorf("reading contents of %s: %w", relPath, err)
	}
	if !utf8.ValidString(contents) {
		return "", false, fmt.Errorf("%s is not valid UTF-8", relPath)
	}
	return contents, true, nil
}
