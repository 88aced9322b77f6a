package reference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	xe "github.com/opst/knitlaunch/pkg/errors"
)

var commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ResolvedReference is a GitReference after its repository is checked out.
type ResolvedReference struct {
	GitReference

	// CommitHash which is checked out.
	CommitHash string

	// Branch (or tag) name which is checked out. Empty when a commit is given.
	Branch string

	// Directory is the directory part of the path, relative to the repository root.
	Directory string

	// File is set when the path points a regular file.
	File string
}

// URL rebuilds the url with the resolved ref.
func (r *ResolvedReference) URL() string {
	if r.ssh {
		return r.RemoteURL()
	}
	u := r.RepoURL()
	ref := r.Branch
	if ref == "" {
		ref = r.CommitHash
	}
	if r.View == "" && r.Directory == "" && r.File == "" {
		return u
	}
	view := r.View
	if view == "" {
		view = "tree"
		if r.File != "" {
			view = "blob"
		}
	}
	u += "/" + view + "/" + ref
	if r.Directory != "" {
		u += "/" + r.Directory
	}
	if r.File != "" {
		u += "/" + r.File
	}
	return u
}

// Fetch clones the repository into dst and checks out what the reference points.
//
// The first path segment (or Ref, when set) is tried as a commit hash first,
// then as a branch or tag name. Without either, `main` is preferred over `master`.
func (g *GitReference) Fetch(ctx context.Context, dst string) (*ResolvedReference, error) {
	return g.fetchFrom(ctx, dst, g.cloneURL())
}

func (g *GitReference) fetchFrom(ctx context.Context, dst string, remoteURL string) (*ResolvedReference, error) {
	repo, err := git.PlainInit(dst, false)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	remote, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin", URLs: []string{remoteURL},
	})
	if err != nil {
		return nil, xe.Wrap(err)
	}

	auth, err := g.auth()
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if err := remote.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Tags:       git.AllTags,
		RefSpecs: []gitconfig.RefSpec{
			"+refs/heads/*:refs/remotes/origin/*",
		},
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, xe.NewLaunchError("failed to fetch %s: %w", g.RepoURL(), err)
	}

	resolved := &ResolvedReference{GitReference: *g}
	path := g.Path

	hash, branch, rest, err := g.resolveRevision(repo, path)
	if err != nil {
		return nil, err
	}
	path = rest

	wt, err := repo.Worktree()
	if err != nil {
		return nil, xe.Wrap(err)
	}
	checkout := &git.CheckoutOptions{Hash: hash, Force: true}
	if branch != "" {
		checkout.Branch = plumbing.NewBranchReferenceName(branch)
		checkout.Create = true
	}
	if err := wt.Checkout(checkout); err != nil {
		return nil, xe.Wrap(err)
	}
	resolved.CommitHash = hash.String()
	resolved.Branch = branch

	if path != "" {
		stat, err := os.Stat(filepath.Join(dst, filepath.FromSlash(path)))
		switch {
		case err != nil:
			return nil, xe.NewLaunchError("path %q does not exist in %s", path, g.RepoURL())
		case stat.IsDir():
			resolved.Directory = path
		default:
			dir, file := filepath.Split(filepath.FromSlash(path))
			resolved.Directory = strings.TrimSuffix(filepath.ToSlash(dir), "/")
			resolved.File = file
		}
	}
	return resolved, nil
}

// resolveRevision finds what to check out.
//
// It returns the hash, the branch name (empty for commits) and the rest of path.
func (g *GitReference) resolveRevision(repo *git.Repository, path string) (plumbing.Hash, string, string, error) {
	first, rest := g.Ref, path
	if first == "" && path != "" {
		first, rest, _ = strings.Cut(path, "/")
	}
	if commitPattern.MatchString(first) {
		h := plumbing.NewHash(first)
		if _, err := repo.CommitObject(h); err == nil {
			return h, "", rest, nil
		}
	}

	refs, err := repo.References()
	if err != nil {
		return plumbing.ZeroHash, "", "", xe.Wrap(err)
	}
	names := map[string]plumbing.ReferenceName{}
	err = refs.ForEach(func(r *plumbing.Reference) error {
		n := r.Name()
		switch {
		case n.IsRemote():
			names[strings.TrimPrefix(n.Short(), "origin/")] = n
		case n.IsTag():
			if _, ok := names[n.Short()]; !ok {
				names[n.Short()] = n
			}
		}
		return nil
	})
	if err != nil {
		return plumbing.ZeroHash, "", "", xe.Wrap(err)
	}

	// longer names first, so that "feature/x" wins over "feature".
	candidates := make([]string, 0, len(names))
	for n := range names {
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) > len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})

	chosen := ""
	rest = path
	switch {
	case g.Ref != "":
		if _, ok := names[g.Ref]; ok {
			chosen = g.Ref
		}
	case path != "":
		for _, c := range candidates {
			if path == c || strings.HasPrefix(path, c+"/") {
				chosen = c
				rest = strings.TrimPrefix(strings.TrimPrefix(path, c), "/")
				break
			}
		}
	default:
		for _, c := range []string{"main", "master"} {
			if _, ok := names[c]; ok {
				chosen = c
				break
			}
		}
	}
	if chosen == "" {
		return plumbing.ZeroHash, "", "", xe.NewLaunchError(
			"unable to determine branch or commit to checkout from %s", g.URL(),
		)
	}

	h, err := repo.ResolveRevision(plumbing.Revision(names[chosen]))
	if err != nil {
		return plumbing.ZeroHash, "", "", xe.Wrap(err)
	}
	return *h, chosen, rest, nil
}

// cloneURL is RemoteURL without embedded credentials.
func (g *GitReference) cloneURL() string {
	if g.ssh {
		return g.RemoteURL()
	}
	anon := *g
	anon.Username, anon.Password = "", ""
	return anon.RemoteURL()
}

func (g *GitReference) auth() (transport.AuthMethod, error) {
	if g.ssh {
		a, err := gitssh.NewSSHAgentAuth("git")
		if err != nil {
			// without agent, rely on default keys of go-git.
			return nil, nil
		}
		return a, nil
	}
	if g.Username == "" {
		return nil, nil
	}
	return &githttp.BasicAuth{Username: g.Username, Password: g.Password}, nil
}
