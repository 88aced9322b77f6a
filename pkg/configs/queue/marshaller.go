package queue

import (
	"fmt"
	"os"
	"time"

	"github.com/opst/knitlaunch/pkg/runqueue"
	"gopkg.in/yaml.v3"
)

type StoreType string

const (
	StoreMemory   StoreType = "memory"
	StorePostgres StoreType = "postgres"
	StoreRedis    StoreType = "redis"
)

const DefaultLeaseTTL = 5 * time.Minute

// ServerConfig configures the run queue service.
type ServerConfig struct {
	Port     string `yaml:"port"`
	APIKey   string `yaml:"api_key"`
	LogLevel string `yaml:"log_level"`

	// LeaseTTL is how long a popped item is held by an agent before acked.
	LeaseTTL string `yaml:"lease_ttl"`

	Store StoreConfig `yaml:"store"`

	// Queues are created on start, unless they exist.
	Queues []QueueConfig `yaml:"queues"`
}

type StoreConfig struct {
	Type StoreType `yaml:"type"`

	// URL is a connection string of postgres or redis.
	// When empty, LAUNCH_DATABASE_URL or LAUNCH_REDIS_URL is used.
	URL string `yaml:"url"`

	// Prefix of redis keys.
	Prefix string `yaml:"prefix"`
}

type QueueConfig struct {
	Entity  string          `yaml:"entity"`
	Project string          `yaml:"project"`
	Name    string          `yaml:"name"`
	Access  runqueue.Access `yaml:"access"`

	DefaultResourceConfig map[string]any `yaml:"default_resource_config"`
}

func (q QueueConfig) Queue() runqueue.Queue {
	return runqueue.Queue{
		Entity:                q.Entity,
		Project:               q.Project,
		Name:                  q.Name,
		Access:                q.Access,
		DefaultResourceConfig: q.DefaultResourceConfig,
	}
}

// Lease returns LeaseTTL as a duration. Empty LeaseTTL is DefaultLeaseTTL.
func (s *ServerConfig) Lease() (time.Duration, error) {
	if s.LeaseTTL == "" {
		return DefaultLeaseTTL, nil
	}
	d, err := time.ParseDuration(s.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease_ttl can not be parsed: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("lease_ttl should be positive: %s", s.LeaseTTL)
	}
	return d, nil
}

func LoadServerConfig(filepath string) (*ServerConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (*ServerConfig, error) {
	out := ServerConfig{
		Port:     "8080",
		LogLevel: "info",
		Store:    StoreConfig{Type: StoreMemory},
	}
	if err := yaml.Unmarshal(conf, &out); err != nil {
		return nil, err
	}
	switch out.Store.Type {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return nil, fmt.Errorf("store.type should be one of memory, postgres or redis, but %q", out.Store.Type)
	}
	for i, q := range out.Queues {
		if q.Entity == "" || q.Name == "" {
			return nil, fmt.Errorf("queues[%d] needs entity and name", i)
		}
	}
	if _, err := out.Lease(); err != nil {
		return nil, err
	}
	return &out, nil
}
