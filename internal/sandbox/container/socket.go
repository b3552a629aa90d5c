package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/codemode/bridge/internal/sandbox/runnerjs"
)

// SocketAvailable probes the container engine daemon. It is the executor
// selector's availability check for the socket backend.
func SocketAvailable(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = cli.Ping(pingCtx)
	return err == nil
}

// socketProcess runs the sandbox container through the engine daemon socket
// and exposes its attached stdio streams as a [remote.Process].
type socketProcess struct {
	launch LaunchConfig

	mu          sync.Mutex
	cli         *client.Client
	containerID string
	hijack      types.HijackedResponse
	runnerDir   string
	waitCh      <-chan containertypes.WaitResponse
	waitErrCh   <-chan error
}

// NewSocketProcess creates the daemon-socket transport for a hardened
// sandbox container. Wrap it in [remote.NewExecutor] to obtain a backend.
func NewSocketProcess(launch LaunchConfig) *socketProcess {
	return &socketProcess{launch: launch.withDefaults()}
}

// Start implements remote.Process: create, attach, then start the container
// so no early output is lost.
func (p *socketProcess) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("container: connect to engine: %w", err)
	}

	runnerDir, _, err := materializeRunner()
	if err != nil {
		cli.Close()
		return nil, nil, nil, err
	}

	cfg := &containertypes.Config{
		Image:        p.launch.Image,
		Cmd:          runnerCmd(),
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		User:         "65534:65534",
		Labels:       labels(),
	}
	hostCfg := &containertypes.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": defaultTmpfsSpec},
		Binds:          []string{runnerDir + "/runner.js:" + runnerjs.ContainerRunnerPath + ":ro"},
		AutoRemove:     true,
		Resources: containertypes.Resources{
			Memory:    p.launch.MemoryMB * 1024 * 1024,
			NanoCPUs:  int64(p.launch.CPUs * 1e9),
			PidsLimit: &p.launch.PidsLimit,
		},
	}

	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		cli.Close()
		os.RemoveAll(runnerDir)
		return nil, nil, nil, fmt.Errorf("container: create: %w", err)
	}

	hijack, err := cli.ContainerAttach(ctx, created.ID, containertypes.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = cli.ContainerRemove(context.Background(), created.ID, containertypes.RemoveOptions{Force: true})
		cli.Close()
		os.RemoveAll(runnerDir)
		return nil, nil, nil, fmt.Errorf("container: attach: %w", err)
	}

	waitCh, waitErrCh := cli.ContainerWait(context.Background(), created.ID, containertypes.WaitConditionNotRunning)

	if err := cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		hijack.Close()
		_ = cli.ContainerRemove(context.Background(), created.ID, containertypes.RemoveOptions{Force: true})
		cli.Close()
		os.RemoveAll(runnerDir)
		return nil, nil, nil, fmt.Errorf("container: start: %w", err)
	}

	// The attach stream multiplexes stdout and stderr; demux into pipes.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijack.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	p.mu.Lock()
	p.cli = cli
	p.containerID = created.ID
	p.hijack = hijack
	p.runnerDir = runnerDir
	p.waitCh = waitCh
	p.waitErrCh = waitErrCh
	p.mu.Unlock()

	return &hijackWriter{hijack: hijack}, stdoutR, stderrR, nil
}

// Signal implements remote.Process via a short-grace ContainerStop.
func (p *socketProcess) Signal(ctx context.Context) error {
	p.mu.Lock()
	cli, id := p.cli, p.containerID
	p.mu.Unlock()
	if cli == nil {
		return nil
	}
	grace := stopGraceSeconds
	stopCtx, cancel := context.WithTimeout(ctx, defaultStopWindow)
	defer cancel()
	return cli.ContainerStop(stopCtx, id, containertypes.StopOptions{Timeout: &grace})
}

// ForceKill implements remote.Process: kill and force-remove the container,
// then release the attach stream and the runner directory.
func (p *socketProcess) ForceKill(ctx context.Context) error {
	p.mu.Lock()
	cli, id := p.cli, p.containerID
	hijack := p.hijack
	runnerDir := p.runnerDir
	p.runnerDir = ""
	p.mu.Unlock()

	if runnerDir != "" {
		defer os.RemoveAll(runnerDir)
	}
	if cli == nil {
		return nil
	}
	hijack.Close()
	_ = cli.ContainerKill(ctx, id, "KILL")
	err := cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		err = nil
	}
	return err
}

// Wait implements remote.Process by blocking on the engine's wait channels.
func (p *socketProcess) Wait() error {
	p.mu.Lock()
	waitCh, waitErrCh := p.waitCh, p.waitErrCh
	runnerDir := p.runnerDir
	p.runnerDir = ""
	p.mu.Unlock()

	if runnerDir != "" {
		defer os.RemoveAll(runnerDir)
	}
	if waitCh == nil {
		return nil
	}
	select {
	case resp := <-waitCh:
		if resp.StatusCode != 0 {
			return fmt.Errorf("container exited with status %d", resp.StatusCode)
		}
		return nil
	case err := <-waitErrCh:
		return err
	}
}

// hijackWriter exposes the attach connection's write half; Close half-closes
// the stream so the runner sees EOF on its stdin.
type hijackWriter struct {
	hijack types.HijackedResponse
}

func (w *hijackWriter) Write(b []byte) (int, error) { return w.hijack.Conn.Write(b) }
func (w *hijackWriter) Close() error                { return w.hijack.CloseWrite() }
