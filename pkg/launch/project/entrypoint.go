package project

import (
	"os"
	"path/filepath"
	"strings"

	xe "github.com/opst/knitlaunch/pkg/errors"
)

// EntryPoint is a command to run a project.
type EntryPoint struct {
	// Name is usually the script file which the command runs.
	Name    string
	Command []string
}

// ComputeCommand returns Command followed by args as `--key value` flags.
func (e *EntryPoint) ComputeCommand(args Args) []string {
	cmd := append([]string{}, e.Command...)
	return append(cmd, args.Flags()...)
}

// UpdatePath replaces the script path of `python <file>` or `bash <file>` commands.
//
// Other commands are left untouched.
func (e *EntryPoint) UpdatePath(path string) {
	if len(e.Command) != 2 {
		return
	}
	if strings.HasPrefix(e.Command[0], "python") || e.Command[0] == "bash" || e.Command[0] == "sh" {
		e.Command[1] = path
		e.Name = path
	}
}

// interpreters by script extension.
func interpreter(ext string) (string, bool) {
	switch ext {
	case ".py":
		return "python", true
	case ".sh":
		if sh := os.Getenv("SHELL"); sh != "" {
			return sh, true
		}
		return "bash", true
	}
	return "", false
}

// AddEntryPoint sets the entry point of the project.
//
// A command of a single script file, like `["train.py"]`, gets its interpreter
// from the extension (.py or .sh).
func (p *LaunchProject) AddEntryPoint(command []string) (*EntryPoint, error) {
	if len(command) == 0 {
		return nil, xe.NewExecutionError("entry point is empty")
	}
	if len(command) == 1 {
		file := command[0]
		ext := filepath.Ext(file)
		if ext != "" {
			cmd, ok := interpreter(ext)
			if !ok {
				return nil, xe.NewExecutionError(
					"could not interpret %s as a runnable script. supported script file extensions: [.py .sh]", file,
				)
			}
			command = []string{cmd, file}
		}
	}
	ep := &EntryPoint{
		Name:    command[len(command)-1],
		Command: append([]string{}, command...),
	}
	p.entryPoint = ep
	return ep, nil
}

// EntryPoint is the entry point of the project, or nil when it is not known yet.
func (p *LaunchProject) EntryPoint() *EntryPoint {
	return p.entryPoint
}
