package common

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ReadMapFile reads a mapping from a JSON or YAML file.
func ReadMapFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
