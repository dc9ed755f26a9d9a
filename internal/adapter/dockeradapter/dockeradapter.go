// Package dockeradapter is a reference collab.AgentAdapter that runs
// each stage invocation in its own Docker container, grounded on
// internal/dispatch/docker.go's bind-mounted context directory and
// ContainerInspect-based liveness polling.
package dockeradapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/prloom/prloom/internal/collab"
)

// Adapter launches one container per Start invocation, bind-mounting a
// per-invocation context directory (prompt.txt, script.sh) and the
// worktree as /workspace.
type Adapter struct {
	cli   *client.Client
	Image string
}

// New constructs a Docker-backed Adapter using image for every
// invocation (e.g. "prloom-agent:latest").
func New(image string) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockeradapter: init docker client: %w", err)
	}
	return &Adapter{cli: cli, Image: image}, nil
}

var _ collab.AgentAdapter = (*Adapter)(nil)

// Start creates, bind-mounts, and launches a container for one stage
// invocation and returns its container ID immediately without waiting
// for it to exit (spec.md §6 AgentAdapter: "fire-and-observe"). Callers
// poll Alive/Result to learn when it finishes.
func (a *Adapter) Start(ctx context.Context, worktreePath, stage, agentCommand, prompt string) (string, error) {
	name := fmt.Sprintf("prloom-%s-%d", stage, time.Now().UnixNano())

	ctxDir := filepath.Join(os.TempDir(), "prloom-ctx-"+name)
	if err := os.MkdirAll(ctxDir, 0o755); err != nil {
		return "", fmt.Errorf("dockeradapter: create context dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(ctxDir, "prompt.txt"), []byte(prompt), 0o644); err != nil {
		os.RemoveAll(ctxDir)
		return "", fmt.Errorf("dockeradapter: write prompt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ctxDir, "script.sh"), []byte(agentCommand), 0o755); err != nil {
		os.RemoveAll(ctxDir)
		return "", fmt.Errorf("dockeradapter: write script: %w", err)
	}

	ctxPath, _ := filepath.Abs(ctxDir)
	workPath, _ := filepath.Abs(worktreePath)

	cfg := &container.Config{
		Image:      a.Image,
		Cmd:        []string{"sh", "/prloom-ctx/script.sh", "/prloom-ctx/prompt.txt"},
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: ctxPath, Target: "/prloom-ctx", ReadOnly: true},
			{Type: mount.TypeBind, Source: workPath, Target: "/workspace"},
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		os.RemoveAll(ctxDir)
		return "", fmt.Errorf("dockeradapter: create container: %w", err)
	}
	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		os.RemoveAll(ctxDir)
		return "", fmt.Errorf("dockeradapter: start container: %w", err)
	}
	os.RemoveAll(ctxDir)
	return resp.ID, nil
}

// Alive reports whether the container named by handle is still running.
func (a *Adapter) Alive(ctx context.Context, handle string) (bool, error) {
	inspect, err := a.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return false, nil
	}
	return inspect.State.Running, nil
}

// Result fetches the finished container's exit code and logs, then
// removes it. Calling it while the container is still running returns a
// zero-value result.
func (a *Adapter) Result(ctx context.Context, handle string) (collab.RunResult, error) {
	inspect, err := a.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return collab.RunResult{ExitCode: -1, LogTail: "container vanished before completion"}, nil
	}
	if inspect.State.Running {
		return collab.RunResult{}, nil
	}
	defer a.cli.ContainerRemove(context.Background(), handle, container.RemoveOptions{Force: true, RemoveVolumes: true})

	logs, err := a.cli.ContainerLogs(ctx, handle, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	var logTail string
	if err == nil {
		defer logs.Close()
		var stdout, stderr bytes.Buffer
		stdcopy.StdCopy(&stdout, &stderr, logs)
		logTail = stdout.String() + "\n" + stderr.String()
	}

	return collab.RunResult{ExitCode: inspect.State.ExitCode, LogTail: logTail}, nil
}

func (a *Adapter) Stop(ctx context.Context, handle string) error {
	timeout := 10
	if err := a.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("dockeradapter: stop %s: %w", handle, err)
	}
	return nil
}
