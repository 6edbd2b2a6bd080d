// Package pty spawns child processes attached to a pseudo-terminal, for the
// hub to immediately hand off to the out-of-process broker. It does not keep
// the master FD open itself: once Spawn returns, the broker owns reading,
// writing, and resizing that PTY for the rest of the child's life.
package pty

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// SpawnConfig holds configuration for spawning a process in a PTY.
type SpawnConfig struct {
	// Command is run via "/bin/bash -c <Command>" so shell features like
	// pipes and env-var expansion work the way agent init scripts expect.
	Command string

	// Dir is the working directory.
	Dir string

	// Env are environment variables (key=value format), appended to the
	// hub's own environment.
	Env []string

	Rows uint16
	Cols uint16
}

// Result is the spawned child's master FD and process, ready to be handed
// to brokerclient.Client.RegisterPty.
type Result struct {
	Master *os.File
	Cmd    *exec.Cmd
}

// Spawn starts a command inside a fresh PTY sized to Rows/Cols and returns
// its master end. The caller owns the master FD from this point forward:
// RegisterPty takes ownership, or the caller must close it and kill Cmd.
func Spawn(cfg SpawnConfig) (*Result, error) {
	cmd := exec.Command("/bin/bash", "-c", cfg.Command)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return nil, fmt.Errorf("pty: failed to start %q: %w", cfg.Command, err)
	}

	return &Result{Master: master, Cmd: cmd}, nil
}
