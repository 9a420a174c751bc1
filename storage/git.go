package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/ruteri/configserver/interfaces"
)

const remoteName = "origin"

// GitSource materializes a commit of a remote git repository.
//
// Objects are fetched into a bare repository kept in the cache directory, so
// every poll only transfers new objects. The selected commit tree is then
// written out without a worktree. The revision is the commit hash.
//
// URI format: git+https://host/org/repo.git?branch=main
//
//   - branch: branch to follow (default: the remote HEAD)
//   - ref: tag or commit to pin instead of a branch
//   - token_env: environment variable holding an HTTP token
//   - ssh_key: private key file for git+ssh
type GitSource struct {
	remoteURL   string
	branch      string
	ref         string
	auth        transport.AuthMethod
	cacheDir    string
	log         *slog.Logger
	locationURI string
}

// NewGitSource creates a source for loc keeping its object cache in cacheDir.
func NewGitSource(loc interfaces.SourceLocation, cacheDir string, log *slog.Logger) (*GitSource, error) {
	remoteURL, err := gitRemoteURL(loc)
	if err != nil {
		return nil, err
	}

	branch := loc.GetParam("branch")
	ref := loc.GetParam("ref")
	if branch != "" && ref != "" {
		return nil, fmt.Errorf("%w: branch and ref are mutually exclusive", interfaces.ErrConfiguration)
	}

	auth, err := gitAuth(loc)
	if err != nil {
		return nil, err
	}

	return &GitSource{
		remoteURL:   remoteURL,
		branch:      branch,
		ref:         ref,
		auth:        auth,
		cacheDir:    filepath.Join(cacheDir, "git"),
		log:         log,
		locationURI: loc.String(),
	}, nil
}

// gitRemoteURL strips the git+ prefix and any credentials from the location.
func gitRemoteURL(loc interfaces.SourceLocation) (string, error) {
	scheme := strings.TrimPrefix(loc.Scheme, "git+")
	switch scheme {
	case "git", "http", "https", "ssh":
		u := scheme + "://"
		if scheme == "ssh" && loc.User != nil {
			u += loc.User.Username() + "@"
		}
		return u + loc.Host + loc.Path, nil
	case "file":
		path := loc.Path
		if loc.Host != "" {
			path = loc.Host + "/" + strings.TrimPrefix(path, "/")
		}
		return path, nil
	default:
		return "", fmt.Errorf("%w: %s is not a git scheme", interfaces.ErrConfiguration, loc.Scheme)
	}
}

func gitAuth(loc interfaces.SourceLocation) (transport.AuthMethod, error) {
	if strings.HasSuffix(loc.Scheme, "ssh") {
		user := "git"
		if loc.User != nil && loc.User.Username() != "" {
			user = loc.User.Username()
		}
		if keyFile := loc.GetParam("ssh_key"); keyFile != "" {
			auth, err := gitssh.NewPublicKeysFromFile(user, keyFile, "")
			if err != nil {
				return nil, fmt.Errorf("%w: ssh key: %v", interfaces.ErrConfiguration, err)
			}
			return auth, nil
		}
		// agent auth is resolved lazily by the transport
		return nil, nil
	}

	if env := loc.GetParam("token_env"); env != "" {
		token := os.Getenv(env)
		if token == "" {
			return nil, fmt.Errorf("%w: environment variable %s is empty", interfaces.ErrConfiguration, env)
		}
		user := "git"
		if loc.User != nil && loc.User.Username() != "" {
			user = loc.User.Username()
		}
		return &githttp.BasicAuth{Username: user, Password: token}, nil
	}

	if loc.User != nil {
		if password, ok := loc.User.Password(); ok {
			return &githttp.BasicAuth{Username: loc.User.Username(), Password: password}, nil
		}
	}
	return nil, nil
}

// Fetch updates the object cache and writes the selected commit into dst.
func (s *GitSource) Fetch(ctx context.Context, dst string, lastRevision string) (string, error) {
	repo, err := s.openCache()
	if err != nil {
		return "", err
	}

	branch := s.branch
	if branch == "" && s.ref == "" {
		branch, err = s.remoteHead(ctx, repo)
		if err != nil {
			return "", err
		}
	}

	fetchOpts := &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       s.auth,
		Force:      true,
		Tags:       git.NoTags,
	}
	if branch != "" {
		fetchOpts.RefSpecs = []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remoteName, branch)),
		}
	} else {
		fetchOpts.RefSpecs = []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remoteName)),
			"+refs/tags/*:refs/tags/*",
		}
	}

	if err := repo.FetchContext(ctx, fetchOpts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: git fetch %s: %v", interfaces.ErrFetch, s.locationURI, err)
	}

	hash, err := s.resolve(repo, branch)
	if err != nil {
		return "", err
	}
	revision := hash.String()
	if revision == lastRevision {
		return "", interfaces.ErrNotModified
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return "", fmt.Errorf("%w: commit %s: %v", interfaces.ErrFetch, revision, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", fmt.Errorf("%w: tree of %s: %v", interfaces.ErrFetch, revision, err)
	}

	if err := s.materialize(ctx, tree, dst); err != nil {
		_ = os.RemoveAll(dst)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: materialize %s: %v", interfaces.ErrFetch, revision, err)
	}

	s.log.Debug("materialized commit",
		slog.String("source", s.locationURI),
		slog.String("revision", revision))
	return revision, nil
}

// openCache opens the bare cache repository, initializing it on first use or
// when the configured remote changed.
func (s *GitSource) openCache() (*git.Repository, error) {
	repo, err := git.PlainOpen(s.cacheDir)
	if err == nil {
		remote, rerr := repo.Remote(remoteName)
		if rerr == nil && len(remote.Config().URLs) > 0 && remote.Config().URLs[0] == s.remoteURL {
			return repo, nil
		}
		s.log.Info("resetting git cache", slog.String("dir", s.cacheDir))
	}

	if err := os.RemoveAll(s.cacheDir); err != nil {
		return nil, fmt.Errorf("%w: reset git cache: %v", interfaces.ErrFetch, err)
	}
	repo, err = git.PlainInit(s.cacheDir, true)
	if err != nil {
		return nil, fmt.Errorf("%w: init git cache: %v", interfaces.ErrFetch, err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{s.remoteURL}}); err != nil {
		return nil, fmt.Errorf("%w: configure remote: %v", interfaces.ErrFetch, err)
	}
	return repo, nil
}

// remoteHead returns the branch the remote HEAD points at.
func (s *GitSource) remoteHead(ctx context.Context, repo *git.Repository) (string, error) {
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrFetch, err)
	}

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: s.auth})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: list %s: %v", interfaces.ErrFetch, s.locationURI, err)
	}

	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD && ref.Type() == plumbing.SymbolicReference {
			return ref.Target().Short(), nil
		}
	}

	// servers not advertising the HEAD symref: pick a conventional branch
	for _, candidate := range []string{"main", "master"} {
		for _, ref := range refs {
			if ref.Name() == plumbing.NewBranchReferenceName(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: cannot determine default branch of %s", interfaces.ErrFetch, s.locationURI)
}

func (s *GitSource) resolve(repo *git.Repository, branch string) (plumbing.Hash, error) {
	if branch != "" {
		ref, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("%w: branch %s not found", interfaces.ErrFetch, branch)
		}
		return ref.Hash(), nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(s.ref))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: ref %s not found", interfaces.ErrFetch, s.ref)
	}
	return *hash, nil
}

func (s *GitSource) materialize(ctx context.Context, tree *object.Tree, dst string) error {
	w, err := newTreeWriter(dst)
	if err != nil {
		return err
	}
	defer w.Close()

	return tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch f.Mode {
		case filemode.Symlink:
			target, err := f.Contents()
			if err != nil {
				return err
			}
			return w.Symlink(f.Name, target)
		case filemode.Regular, filemode.Deprecated, filemode.Executable:
			r, err := f.Reader()
			if err != nil {
				return err
			}
			defer r.Close()
			return w.WriteFile(f.Name, r, f.Mode == filemode.Executable)
		default:
			return nil
		}
	})
}

// Name returns a unique identifier for this source.
func (s *GitSource) Name() string {
	return "git"
}

// LocationURI returns the URI that identifies this source.
func (s *GitSource) LocationURI() string {
	return s.locationURI
}
