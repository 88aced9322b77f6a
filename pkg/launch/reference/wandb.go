package reference

import (
	"net/url"
	"regexp"
	"strings"
)

type WandbReferenceType string

const (
	WandbRun WandbReferenceType = "run"
	WandbJob WandbReferenceType = "job"
)

var (
	reservedEntities = map[string]struct{}{
		"create-team": {}, "fully-connected": {}, "registry": {}, "settings": {}, "subscriptions": {},
	}
	reservedProjects = map[string]struct{}{
		"likes": {}, "projects": {}, "reports": {}, "sweeps": {}, "teams": {}, "settings": {},
	}
	reservedJobPaths = map[string]struct{}{"_view": {}}

	wandbHostPattern = regexp.MustCompile(`^(api\.)?wandb(\.ai)?$|^localhost(:\d+)?$`)
	bareRunPattern   = regexp.MustCompile(`^/[^/]+/[^/]+/runs/[^/]+`)
)

// WandbReference is a url of the experiment tracking service.
type WandbReference struct {
	Host    string
	Entity  string
	Project string
	Type    WandbReferenceType

	RunID string

	JobName  string
	JobAlias string
}

// ParseWandb parses urls like `https://<host>/<entity>/<project>/runs/<run id>`
// or `https://<host>/<entity>/<project>/artifacts/job/<name>/<alias>`.
//
// A path only url (starting with "/") is accepted too; its Host is empty.
// It returns nil when uri is neither a path nor a http(s) url.
func ParseWandb(uri string) *WandbReference {
	if !strings.HasPrefix(uri, "/") && !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	ref := &WandbReference{Host: parsed.Host}
	if !strings.HasPrefix(parsed.Path, "/") {
		return ref
	}

	parts := strings.Split(parsed.Path[1:], "/")
	if parts[0] == "" {
		return ref
	}
	if _, ok := reservedEntities[parts[0]]; ok {
		return ref
	}
	ref.Entity = parts[0]
	if len(parts) < 2 {
		return ref
	}
	if _, ok := reservedProjects[parts[1]]; ok {
		return ref
	}
	ref.Project = parts[1]

	switch {
	case 3 < len(parts) && parts[2] == "runs":
		ref.Type = WandbRun
		ref.RunID = parts[3]
	case 4 < len(parts) && parts[2] == "artifacts" && parts[3] == "job":
		ref.Type = WandbJob
		ref.JobName = parts[4]
		if 5 < len(parts) {
			if _, ok := reservedJobPaths[parts[5]]; !ok {
				ref.JobAlias = parts[5]
			}
		}
	}
	return ref
}

// IsWandbURI reports whether uri points a run of the tracking service.
//
// baseURL is the service url the agent talks to; its host is accepted as well.
func IsWandbURI(uri string, baseURL string) bool {
	parsed, err := url.Parse(uri)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return false
	}
	host := parsed.Host
	if base, err := url.Parse(baseURL); err == nil && base.Host != "" && base.Host == host {
		return true
	}
	return wandbHostPattern.MatchString(host)
}

// IsBareWandbURI reports whether uri is a path like `/<entity>/<project>/runs/<id>`.
func IsBareWandbURI(uri string) bool {
	return bareRunPattern.MatchString(uri)
}

// JobRef is `entity/project/name:alias`, the notation of job artifacts.
func (w *WandbReference) JobRef() string {
	if w.Type != WandbJob {
		return ""
	}
	alias := w.JobAlias
	if alias == "" {
		alias = "latest"
	}
	return w.Entity + "/" + w.Project + "/" + w.JobName + ":" + alias
}

func (w *WandbReference) URL() string {
	u := "https://" + w.Host
	if w.Entity == "" {
		return u
	}
	u += "/" + w.Entity
	if w.Project == "" {
		return u
	}
	u += "/" + w.Project
	switch w.Type {
	case WandbRun:
		u += "/runs/" + w.RunID
	case WandbJob:
		u += "/artifacts/job/" + w.JobName
		if w.JobAlias != "" {
			u += "/" + w.JobAlias
		}
	}
	return u
}
