// Package requirements reads pip requirement files and compares them.
package requirements

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	xe "github.com/opst/knitlaunch/pkg/errors"
)

// Requirement is one line of requirements.txt.
type Requirement struct {
	// Name is the package name as written.
	Name string

	// Extras are names in brackets, like `[gpu]`.
	Extras []string

	// Specifier is a version constraint like `==1.2.3` or `>=1,<2`. It can be empty.
	Specifier string

	// Marker is the environment marker after `;`. It can be empty.
	Marker string
}

// Key is the normalized package name (PEP 503).
func (r Requirement) Key() string {
	return Normalize(r.Name)
}

func (r Requirement) String() string {
	sb := new(strings.Builder)
	sb.WriteString(r.Name)
	if len(r.Extras) != 0 {
		sb.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	sb.WriteString(r.Specifier)
	if r.Marker != "" {
		sb.WriteString("; " + r.Marker)
	}
	return sb.String()
}

var separators = regexp.MustCompile(`[-_.]+`)

// Normalize package name: lower case, runs of `-_.` become `-`.
func Normalize(name string) string {
	return separators.ReplaceAllString(strings.ToLower(name), "-")
}

var (
	namePattern      = regexp.MustCompile(`^([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9._-]*[A-Za-z0-9])`)
	extrasPattern    = regexp.MustCompile(`^\[\s*([A-Za-z0-9._-]+(?:\s*,\s*[A-Za-z0-9._-]+)*)?\s*\]`)
	specifierPattern = regexp.MustCompile(`^(~=|===|==|!=|<=|>=|<|>)\s*([A-Za-z0-9_.*+!-]+)$`)
)

// ParseLine parses one requirement.
//
// It returns (nil, nil) for lines which carry no requirement (blank, comment, pip option).
func ParseLine(line string) (*Requirement, error) {
	line = stripComment(line)
	if line == "" || strings.HasPrefix(line, "-") {
		return nil, nil
	}
	if strings.Contains(line, "://") || strings.HasPrefix(line, "git+") {
		return parseURL(line)
	}

	rest := line
	req := Requirement{}
	if i := strings.Index(rest, ";"); 0 <= i {
		req.Marker = strings.TrimSpace(rest[i+1:])
		rest = strings.TrimSpace(rest[:i])
	}

	name := namePattern.FindString(rest)
	if name == "" {
		return nil, xe.NewLaunchError("invalid requirement %q: no package name", line)
	}
	req.Name = name
	rest = strings.TrimSpace(rest[len(name):])

	if strings.HasPrefix(rest, "[") {
		m := extrasPattern.FindStringSubmatch(rest)
		if m == nil {
			return nil, xe.NewLaunchError("invalid requirement %q: malformed extras", line)
		}
		for _, e := range strings.Split(m[1], ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
		rest = strings.TrimSpace(rest[len(m[0]):])
	}

	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
	if rest == "" {
		return &req, nil
	}
	specs := []string{}
	for _, s := range strings.Split(rest, ",") {
		s = strings.TrimSpace(s)
		m := specifierPattern.FindStringSubmatch(s)
		if m == nil {
			return nil, xe.NewLaunchError("invalid requirement %q: malformed version specifier %q", line, s)
		}
		specs = append(specs, m[1]+m[2])
	}
	req.Specifier = strings.Join(specs, ",")
	return &req, nil
}

// parseURL handles `git+https://...@ref#egg=name` style lines.
func parseURL(line string) (*Requirement, error) {
	_, egg, ok := strings.Cut(line, "#egg=")
	if !ok || egg == "" {
		return nil, xe.NewLaunchError("invalid requirement %q: url requirement without #egg=", line)
	}
	egg, _, _ = strings.Cut(egg, "&")
	if namePattern.FindString(egg) != egg {
		return nil, xe.NewLaunchError("invalid requirement %q: bad egg name %q", line, egg)
	}

	version := ""
	base, _, _ := strings.Cut(line, "#")
	if i := strings.LastIndex(base, "@"); 0 <= i && !strings.Contains(base[i:], "/") {
		version = "@" + base[i+1:]
	}
	return &Requirement{Name: egg, Specifier: version}, nil
}

func stripComment(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		return ""
	}
	if i := strings.Index(line, " #"); 0 <= i {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// LineError is a line which cannot be parsed.
type LineError struct {
	Line   int
	Text   string
	Reason error
}

func (le LineError) Error() string {
	return fmt.Sprintf("line %d (%q): %s", le.Line, le.Text, le.Reason)
}

// Parse reads a requirements file.
//
// Lines which cannot be parsed are skipped and reported in the second return value.
// The error is only for reading r.
func Parse(r io.Reader) ([]Requirement, []LineError, error) {
	reqs := []Requirement{}
	bad := []LineError{}

	scanner := bufio.NewScanner(r)
	nth := 0
	for scanner.Scan() {
		nth += 1
		text := scanner.Text()
		req, err := ParseLine(text)
		if err != nil {
			bad = append(bad, LineError{Line: nth, Text: text, Reason: err})
			continue
		}
		if req == nil {
			continue
		}
		reqs = append(reqs, *req)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return reqs, bad, nil
}

// Contains reports whether reqs has the package.
func Contains(reqs []Requirement, name string) bool {
	key := Normalize(name)
	for _, r := range reqs {
		if r.Key() == key {
			return true
		}
	}
	return false
}

// Diff compares two requirement lists and returns packages which are not
// pinned the same way in both.
//
// Keys are package names. A value is the version found on one side only, or
// "v{x} and v{y}" when both sides have the package with different versions.
// An empty map means both lists denote the same set of (package, version).
// Diff does not depend on the order of lines.
//
// Malformed lines cause *LaunchError.
func Diff(a, b []string) (map[string]string, error) {
	da, err := pinned(a)
	if err != nil {
		return nil, xe.NewLaunchError("failed to parse pip requirements: %w", err)
	}
	db, err := pinned(b)
	if err != nil {
		return nil, xe.NewLaunchError("failed to parse pip requirements: %w", err)
	}

	versions := map[string][]string{}
	for name, v := range da {
		if w, ok := db[name]; !ok || w != v {
			versions[name] = append(versions[name], v)
		}
	}
	for name, v := range db {
		if w, ok := da[name]; !ok || w != v {
			versions[name] = append(versions[name], v)
		}
	}

	diff := make(map[string]string, len(versions))
	for name, vs := range versions {
		sort.Strings(vs)
		if len(vs) == 1 {
			diff[name] = vs[0]
		} else {
			diff[name] = fmt.Sprintf("v%s and v%s", vs[0], vs[1])
		}
	}
	return diff, nil
}

var simpleName = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

// pinned maps package name to its version for Diff.
func pinned(lines []string) (map[string]string, error) {
	d := map[string]string{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var name, version string
		switch {
		case strings.Contains(line, "git+") || strings.Contains(line, "hg+"):
			_, egg, ok := strings.Cut(line, "#egg=")
			if !ok {
				return nil, fmt.Errorf("unable to parse pip requirements file line: %s", line)
			}
			name = egg
			at := strings.Split(line, "@")
			version, _, _ = strings.Cut(at[len(at)-1], "#")
		case strings.Contains(line, "=="):
			name, version = splitVersion(line, "==")
		case strings.Contains(line, ">="):
			name, version = splitVersion(line, ">=")
		case strings.Contains(line, ">"):
			name, version = splitVersion(line, ">")
		case simpleName.MatchString(line):
			name = line
		default:
			return nil, fmt.Errorf("unable to parse pip requirements file line: %s", line)
		}
		if !simpleName.MatchString(name) {
			return nil, fmt.Errorf("invalid pip package name %s", name)
		}
		d[name] = version
	}
	return d, nil
}

func splitVersion(line string, op string) (string, string) {
	name, version, _ := strings.Cut(line, op)
	version, _, _ = strings.Cut(version, "#")
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(version)
}
