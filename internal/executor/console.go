package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/cmsuite/cms-agent/internal/protocol"
)

// KindConsole is the shell command kind.
const KindConsole = "console"

// ConsoleHandler runs a shell command line from the payload
// {"command": "..."} and captures its output. A non-zero exit is a
// completed run, not a handler error.
func ConsoleHandler() Handler {
	return func(ctx context.Context, req protocol.CommandRequest) (Output, error) {
		var p struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return Output{}, fmt.Errorf("decode console payload: %w", err)
		}
		if p.Command == "" {
			return Output{}, errors.New("console payload has no command")
		}

		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.Command)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		out := Output{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
		}
		if cmd.ProcessState != nil {
			out.ExitCode = cmd.ProcessState.ExitCode()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Ran to completion with a non-zero status.
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("run console command: %w", err)
		}
		return out, nil
	}
}
