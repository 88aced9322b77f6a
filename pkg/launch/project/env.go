package project

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// APISettings is how launched runs reach the tracking service.
type APISettings struct {
	APIKey  string
	BaseURL string
}

const (
	// DefaultMaxEnvLength is the longest value of an environment variable for most backends.
	DefaultMaxEnvLength = 32670

	// SagemakerMaxEnvLength is the limit of Sagemaker training jobs.
	SagemakerMaxEnvLength = 512
)

// MaxEnvLength returns the longest environment variable value the resource accepts.
func MaxEnvLength(resource string) int {
	if resource == "sagemaker" {
		return SagemakerMaxEnvLength
	}
	return DefaultMaxEnvLength
}

// EnvVars returns environment variables to be injected into the launched run.
//
// When the JSON of OverrideConfig is longer than maxEnvLength, it is split into
// WANDB_CONFIG_0, WANDB_CONFIG_1, ... instead of WANDB_CONFIG.
// Non-positive maxEnvLength means no limits.
func (p *LaunchProject) EnvVars(api APISettings, maxEnvLength int) (map[string]string, error) {
	env := map[string]string{
		"WANDB_BASE_URL": api.BaseURL,
		"WANDB_API_KEY":  api.APIKey,
		"WANDB_PROJECT":  p.TargetProject,
		"WANDB_ENTITY":   p.TargetEntity,
		"WANDB_LAUNCH":   "True",
		"WANDB_RUN_ID":   p.RunID,
	}
	if p.QueueName != "" {
		env["WANDB_LAUNCH_QUEUE_NAME"] = p.QueueName
	}
	if p.QueueEntity != "" {
		env["WANDB_LAUNCH_QUEUE_ENTITY"] = p.QueueEntity
	}
	if p.RunQueueItemID != "" {
		env["WANDB_LAUNCH_TRACE_ID"] = p.RunQueueItemID
	}
	if image, ok := p.ImageURI(); ok {
		env["WANDB_DOCKER"] = image
	}
	if p.Name != "" {
		env["WANDB_NAME"] = p.Name
	}
	if p.SweepID != "" {
		env["WANDB_SWEEP_ID"] = p.SweepID
	}
	if p.Author != "" {
		env["WANDB_USERNAME"] = p.Author
	}

	config, err := marshalJSON(orEmpty(p.OverrideConfig))
	if err != nil {
		return nil, fmt.Errorf("run config: %w", err)
	}
	for k, v := range chunkEnv("WANDB_CONFIG", config, maxEnvLength) {
		env[k] = v
	}
	artifacts, err := marshalJSON(orEmpty(p.OverrideArtifacts))
	if err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	env["WANDB_ARTIFACTS"] = artifacts
	return env, nil
}

// orEmpty makes nil map into an empty one, which is encoded as `{}`.
func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func marshalJSON(v any) (string, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// chunkEnv splits value into `<name>_<n>` variables of at most max bytes.
func chunkEnv(name string, value string, max int) map[string]string {
	if max <= 0 || len(value) <= max {
		return map[string]string{name: value}
	}
	chunks := map[string]string{}
	for i := 0; i*max < len(value); i++ {
		end := min((i+1)*max, len(value))
		chunks[fmt.Sprintf("%s_%d", name, i)] = value[i*max : end]
	}
	return chunks
}
