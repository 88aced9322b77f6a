package common

import (
	"os"
	"path/filepath"
)

const (
	EnvQueueURL = "LAUNCH_QUEUE_URL"
	EnvAPIKey   = "WANDB_API_KEY"

	DefaultQueueURL = "http://localhost:8080"
)

type CommonFlags struct {
	QueueURL string `flag:"queue-url" help:"URL of the run queue service. (env: LAUNCH_QUEUE_URL)"`
	APIKey   string `flag:"api-key" help:"API key for the run queue service and launched runs. (env: WANDB_API_KEY)"`
	LogLevel string `flag:"log-level" help:"one of debug, info, warn or error"`
}

// Flags returns default common flags, taken from environment variables.
func Flags(getenv func(string) string) CommonFlags {
	url := getenv(EnvQueueURL)
	if url == "" {
		url = DefaultQueueURL
	}
	return CommonFlags{
		QueueURL: url,
		APIKey:   getenv(EnvAPIKey),
		LogLevel: "info",
	}
}

// DefaultConfigPath is where the agent config is looked for.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "launch-config.yaml"
	}
	return filepath.Join(home, ".config", "wandb", "launch-config.yaml")
}
