// Package reference parses source locations of launch jobs.
//
// Parsing is two-phase. Parse gives an immutable *GitReference from a string
// without any network access. Fetch clones it and gives a *ResolvedReference,
// which knows the commit, the branch and whether the path is a file or a directory.
package reference

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	prefixHTTPS = "https://"
	prefixSSH   = "git@"
	suffixGit   = ".git"
)

var gitURIPattern = regexp.MustCompile(`^[^/|^~|^\.].*(git|bitbucket)`)

// IsGitURI reports whether uri looks like a git remote.
func IsGitURI(uri string) bool {
	return gitURIPattern.MatchString(uri)
}

// GitReference is a statically parsed git remote.
//
// Values are read only. Fields not present in the uri are empty.
type GitReference struct {
	Host         string
	Organization string
	Repo         string

	// basic auth embedded in https url
	Username string
	Password string

	// View is "tree" or "blob" of `/tree/<ref>/<path>` style urls.
	View string

	// Path is everything after View. It may start with a branch name or a commit.
	Path string

	// Ref is a branch, tag or commit requested explicitly, not from the url.
	Ref string

	ssh bool
}

// Parse parses git remote urls.
//
// Supported forms are `git@host:org/repo(.git)` and
// `https://[user[:pass]@]host/org/repo(.git)[/tree|blob/<ref>/<path>]`.
//
// It returns nil for anything else, including plain http urls.
func Parse(uri string) *GitReference {
	if strings.HasPrefix(uri, prefixSSH) {
		return parseSSH(uri)
	}

	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme != "https" || parsed.Hostname() == "" {
		return nil
	}

	ref := &GitReference{Host: parsed.Host}
	if parsed.User != nil {
		ref.Username = parsed.User.Username()
		ref.Password, _ = parsed.User.Password()
	}

	parts := strings.Split(strings.TrimPrefix(parsed.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil
	}
	ref.Organization = parts[0]
	ref.Repo = strings.TrimSuffix(parts[1], suffixGit)
	if 2 < len(parts) {
		ref.View = parts[2]
	}
	if 3 < len(parts) {
		ref.Path = strings.Join(parts[3:], "/")
	}
	return ref
}

func parseSSH(uri string) *GitReference {
	rest := strings.TrimPrefix(uri, prefixSSH)
	host, path, ok := strings.Cut(rest, ":")
	if !ok || host == "" {
		return nil
	}
	org, repo, ok := strings.Cut(strings.TrimSuffix(path, suffixGit), "/")
	if !ok || org == "" || repo == "" || strings.Contains(repo, "/") {
		return nil
	}
	return &GitReference{Host: host, Organization: org, Repo: repo, ssh: true}
}

// WithRef returns a copy of the reference which asks a branch, tag or commit.
func (g GitReference) WithRef(ref string) *GitReference {
	g.Ref = ref
	return &g
}

// IsSSH reports the reference came from `git@` form.
func (g *GitReference) IsSSH() bool {
	return g.ssh
}

func (g *GitReference) urlHost() string {
	auth := ""
	if g.Username != "" {
		auth = url.PathEscape(g.Username)
		if g.Password != "" {
			auth += ":" + url.PathEscape(g.Password)
		}
		auth += "@"
	}
	return prefixHTTPS + auth + g.Host
}

// RepoURL is the https url of the repository, without `.git`.
func (g *GitReference) RepoURL() string {
	return fmt.Sprintf("%s/%s/%s", g.urlHost(), g.Organization, g.Repo)
}

// RemoteURL is the url to be cloned.
func (g *GitReference) RemoteURL() string {
	if g.ssh {
		return fmt.Sprintf("%s%s:%s/%s%s", prefixSSH, g.Host, g.Organization, g.Repo, suffixGit)
	}
	return g.RepoURL() + suffixGit
}

// URL rebuilds the url which is parsed.
func (g *GitReference) URL() string {
	if g.ssh {
		return g.RemoteURL()
	}
	u := g.RepoURL()
	if g.View != "" {
		u += "/" + g.View
	}
	if g.Path != "" {
		u += "/" + g.Path
	}
	return u
}

func (g *GitReference) String() string {
	return g.URL()
}
