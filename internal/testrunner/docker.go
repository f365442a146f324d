package testrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/internal/log"
	"github.com/baja5b/claude-workflow-system/pkg/collab"
)

// containerAPI is the part of the Docker engine the runner needs.
type containerAPI interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, cfg *container.Config) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	Logs(ctx context.Context, id string) (string, error)
	Remove(ctx context.Context, id string) error
}

// engine adapts the Docker SDK client to containerAPI.
type engine struct {
	cli *client.Client
}

func (e engine) EnsureImage(ctx context.Context, ref string) error {
	if _, err := e.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e engine) Create(ctx context.Context, cfg *container.Config) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, cfg, nil, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e engine) Start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e engine) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("%s", status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e engine) Logs(ctx context.Context, id string) (string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rc.Close()
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (e engine) Remove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// DockerRunner runs a suite in a fresh container of the configured image.
// The container receives TEST_SUITE and TEST_ENVIRONMENT.
type DockerRunner struct {
	api     containerAPI
	image   string
	command string
	timeout time.Duration
}

var _ collab.TestRunner = (*DockerRunner)(nil)

// NewDockerRunner connects to the engine named by the standard DOCKER_*
// environment variables.
func NewDockerRunner(ref, command string, timeout time.Duration) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newDockerRunner(engine{cli: cli}, ref, command, timeout), nil
}

func newDockerRunner(api containerAPI, ref, command string, timeout time.Duration) *DockerRunner {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &DockerRunner{api: api, image: ref, command: command, timeout: timeout}
}

func (r *DockerRunner) Run(ctx context.Context, environment, suite string) (collab.TestOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()

	if err := r.api.EnsureImage(ctx, r.image); err != nil {
		return collab.TestOutcome{}, collab.Unavailable("docker", err)
	}
	cfg := &container.Config{
		Image: r.image,
		Env:   []string{"TEST_SUITE=" + suite, "TEST_ENVIRONMENT=" + environment},
	}
	if r.command != "" {
		cfg.Cmd = []string{"sh", "-c", expand(r.command, environment, suite)}
	}
	id, err := r.api.Create(ctx, cfg)
	if err != nil {
		return collab.TestOutcome{}, collab.Unavailable("docker", errors.Wrap(err, "create container"))
	}
	defer func() {
		// the run context may already be expired
		if err := r.api.Remove(context.Background(), id); err != nil {
			log.GetLogger().Warnf("Failed to remove test container %s: %v", id, err)
		}
	}()

	if err := r.api.Start(ctx, id); err != nil {
		return collab.TestOutcome{}, collab.Unavailable("docker", errors.Wrap(err, "start container"))
	}
	code, err := r.api.Wait(ctx, id)
	if err != nil {
		return collab.TestOutcome{}, collab.Unavailable("docker", errors.Wrap(err, "wait for container"))
	}
	output, err := r.api.Logs(ctx, id)
	if err != nil {
		log.GetLogger().Warnf("Failed to read logs of test container %s: %v", id, err)
	}
	return collab.TestOutcome{
		Passed:   code == 0,
		Output:   output,
		Duration: time.Since(start),
	}, nil
}
