package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/mcpgate/mcpgate/internal/errors"
	"github.com/mcpgate/mcpgate/internal/store"
)

// ManagedMarkerEnv is injected into every spawned server process so
// orphaned children can be identified after a gateway crash.
const ManagedMarkerEnv = "MCPGATE_MANAGED"

// lookPath is swapped in tests to control which runtimes appear installed.
var lookPath = exec.LookPath

// ResolveCommand maps logical runtime commands to bundled equivalents
// when those are installed: JS package execution goes through bun,
// Python through uv. Unrecognized commands pass through unchanged, as
// does anything whose replacement runtime is missing.
func ResolveCommand(command string, args []string) (string, []string) {
	switch command {
	case "npx":
		if _, err := lookPath("bun"); err == nil {
			return "bun", append([]string{"x"}, args...)
		}
	case "node", "npm":
		if _, err := lookPath("bun"); err == nil {
			return "bun", args
		}
	case "pip", "pip3":
		if _, err := lookPath("uv"); err == nil {
			return "uv", append([]string{"pip"}, args...)
		}
	case "uvx":
		if _, err := lookPath("uv"); err == nil {
			return "uv", append([]string{"tool", "run"}, args...)
		}
	case "python", "python3":
		if _, err := lookPath("uv"); err == nil {
			return "uv", append([]string{"run", "python"}, args...)
		}
	}
	return command, args
}

// StdioTransport spawns an MCP server as a child process with piped
// stdin, stdout and stderr.
type StdioTransport struct {
	server *store.ServerDescriptor

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// NewStdio creates a stdio transport for a server descriptor.
func NewStdio(server *store.ServerDescriptor) *StdioTransport {
	return &StdioTransport{server: server}
}

// Start spawns the child process and returns its connection info. The
// returned process handle is owned by the caller until Stop.
func (t *StdioTransport) Start(ctx context.Context) (*ConnectionInfo, error) {
	command, args := ResolveCommand(t.server.Command, t.server.Args)

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), ManagedMarkerEnv+"=1")
	for key, value := range t.server.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.ProcessError(errors.CodeProcessSpawn, "Failed to create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.ProcessError(errors.CodeProcessSpawn, "Failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.ProcessError(errors.CodeProcessSpawn, "Failed to create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.ProcessError(errors.CodeProcessSpawn,
			fmt.Sprintf("Failed to spawn %q", command), err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr

	return &ConnectionInfo{Cmd: cmd, PID: cmd.Process.Pid}, nil
}

// Stop is a no-op for stdio; the caller owns process termination.
func (t *StdioTransport) Stop(ctx context.Context) error {
	return nil
}

// IsHealthy always reports true for stdio. Liveness of the child is the
// supervisor's process-exit check, not a transport concern.
func (t *StdioTransport) IsHealthy(ctx context.Context) bool {
	return true
}

// Stdin returns the child's stdin pipe. Valid after Start.
func (t *StdioTransport) Stdin() io.WriteCloser { return t.stdin }

// Stdout returns the child's stdout pipe. Valid after Start.
func (t *StdioTransport) Stdout() io.ReadCloser { return t.stdout }

// Stderr returns the child's stderr pipe. Valid after Start.
func (t *StdioTransport) Stderr() io.ReadCloser { return t.stderr }
