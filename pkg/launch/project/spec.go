package project

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Spec is the launch spec, the request to run a unit of work.
//
// It is what run-queue items carry as their run spec.
type Spec struct {
	URI          string         `json:"uri,omitempty"`
	Job          string         `json:"job,omitempty"`
	Entity       string         `json:"entity,omitempty"`
	Project      string         `json:"project,omitempty"`
	Name         string         `json:"name,omitempty"`
	Resource     string         `json:"resource,omitempty"`
	ResourceArgs map[string]any `json:"resource_args,omitempty"`
	Docker       DockerSpec     `json:"docker,omitempty"`
	Git          GitSpec        `json:"git,omitempty"`
	Overrides    Overrides      `json:"overrides,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	Author       string         `json:"author,omitempty"`
	SweepID      string         `json:"sweep_id,omitempty"`
}

type DockerSpec struct {
	DockerImage          string `json:"docker_image,omitempty"`
	BaseImage            string `json:"base_image,omitempty"`
	PythonVersion        string `json:"python_version,omitempty"`
	AcceleratorBaseImage string `json:"accelerator_base_image,omitempty"`
	UserID               *int   `json:"user_id,omitempty"`
}

type GitSpec struct {
	Version string `json:"version,omitempty"`
	Repo    string `json:"repo,omitempty"`
}

type Overrides struct {
	Args       Args              `json:"args,omitempty"`
	RunConfig  map[string]any    `json:"run_config,omitempty"`
	EntryPoint []string          `json:"entry_point,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	Dockerfile string            `json:"dockerfile,omitempty"`
}

// Args are command line arguments passed to the entry point.
//
// In a launch spec, it can be written as a mapping (`{"lr": 0.1}`)
// or as a list of flags (`["--lr", "0.1", "--verbose"]`).
// A flag without value is mapped to nil.
type Args map[string]any

func (a *Args) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil {
		*a = Args(m)
		return nil
	}

	var l []any
	if err := json.Unmarshal(b, &l); err != nil {
		return fmt.Errorf("overrides.args should be a mapping or a list: %w", err)
	}
	parsed := Args{}
	for i := 0; i < len(l); i++ {
		flag, ok := l[i].(string)
		if !ok || !strings.HasPrefix(flag, "-") {
			return fmt.Errorf("overrides.args[%d]: expected a flag, but %v", i, l[i])
		}
		key := strings.TrimLeft(flag, "-")
		if k, v, ok := strings.Cut(key, "="); ok {
			parsed[k] = v
			continue
		}
		if i+1 < len(l) {
			if next, ok := l[i+1].(string); !ok || !strings.HasPrefix(next, "-") {
				parsed[key] = l[i+1]
				i += 1
				continue
			}
		}
		parsed[key] = nil
	}
	*a = parsed
	return nil
}

// Keys in sorted order.
func (a Args) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flags renders args as `--key value` pairs, sorted by key.
func (a Args) Flags() []string {
	flags := []string{}
	for _, k := range a.Keys() {
		flags = append(flags, "--"+k)
		if v := a[k]; v != nil {
			flags = append(flags, formatArg(v))
		}
	}
	return flags
}

func formatArg(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case float64:
		if vv == float64(int64(vv)) {
			return fmt.Sprintf("%d", int64(vv))
		}
	case map[string]any, []any:
		if b, err := json.Marshal(vv); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// DecodeSpec reads a launch spec from its mapping representation.
func DecodeSpec(raw map[string]any) (*Spec, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	spec := new(Spec)
	if err := json.Unmarshal(b, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// ToMap converts the spec into its mapping representation.
func (s *Spec) ToMap() (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *Args) fromFlags(flags []string) error {
	l := make([]any, len(flags))
	for i, f := range flags {
		l[i] = f
	}
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return a.UnmarshalJSON(b)
}
