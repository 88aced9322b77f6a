package agent

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// load launch agent config from a file.
//
// args:
//   - filepath: filepath refers a config file.
//
// returns *AgentConfig, error:
//
//	When loading success, returns `(*AgentConfig, nil)`.
//	Otherwise, returns `(nil, error)`.
func LoadAgentConfig(filepath string) (*AgentConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal parses and seals agent config.
//
// Misconfiguration is reported as an error, not a panic.
func Unmarshal(conf []byte) (*AgentConfig, error) {
	return unmarshal(conf, false)
}

// UnmarshalDirect parses config for launching runs without queues.
//
// entity and queue_service are optional, and QueueService() of the result
// is nil when the config does not have it.
func UnmarshalDirect(conf []byte) (*AgentConfig, error) {
	return unmarshal(conf, true)
}

// LoadDirectConfig is LoadAgentConfig for UnmarshalDirect.
func LoadDirectConfig(filepath string) (*AgentConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return UnmarshalDirect(content)
}

func unmarshal(conf []byte, direct bool) (out *AgentConfig, err error) {
	var _out *AgentConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}
	if _out == nil {
		_out = &AgentConfigMarshall{}
	}
	_out.direct = direct

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrMisconfigured, r)
		}
	}()
	out = TrySeal(_out)
	return out, nil
}

var ErrMisconfigured = errors.New("agent config is misconfigured")
