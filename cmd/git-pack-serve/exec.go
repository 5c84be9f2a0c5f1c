package main

import (
	"context"
	"os"
	"os/exec"
)

// fexec runs a command with the serving addresses added to its
// environment and the server's standard streams attached.
func fexec(ctx context.Context, env []string, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
