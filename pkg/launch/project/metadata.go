package project

import (
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
)

const MetadataFile = "launch_metadata.json"

// WriteMetadata records how the project is launched into ProjectDir.
func (p *LaunchProject) WriteMetadata(imageURI string, command []string, dockerArgs map[string]any, dockerfile string) error {
	meta := map[string]any{}
	maps.Copy(meta, p.LaunchSpec)
	meta["image_uri"] = imageURI
	meta["command"] = command
	meta["docker_args"] = dockerArgs
	meta["dockerfile_contents"] = dockerfile

	f, err := os.Create(filepath.Join(p.ProjectDir, MetadataFile))
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(meta)
}
