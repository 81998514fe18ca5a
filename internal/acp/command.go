// Package acp drives a local agent over the Agent Client Protocol. The
// client uses it for utility prompts such as session titles, which never
// reach the backend.
package acp

import (
	"errors"
	"fmt"

	"github.com/google/shlex"
)

// ErrEmptyCommand is returned when an agent command has no arguments.
var ErrEmptyCommand = errors.New("empty agent command")

// ParseCommand splits an agent command line the way a shell would, so
// quoted arguments such as `sh -c 'cd /x && agent --acp'` survive intact.
func ParseCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse agent command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}
